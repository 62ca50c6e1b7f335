package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "contentctl",
		Short: "Manage the chapter content tree: versions, saves and consistency checks",
		Long: `contentctl works on a content tree made of a manifest file and one JSON
file per chapter. It keeps chapter versions in step with their content,
writes every file atomically and checks the tree for inconsistencies.

Configuration comes from the environment (and .env when present).`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("root", "", "Content root (overrides CONTENT_ROOT)")
	rootCmd.PersistentFlags().String("log-mode", "", "Log mode: dev|prod|quiet (overrides LOG_MODE)")

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Create an empty manifest with every known group",
		RunE:  runInit,
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List groups and chapters in manifest order",
		RunE:  runList,
	}

	showCmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Print a chapter as JSON",
		Args:  cobra.ExactArgs(1),
		RunE:  runShow,
	}

	changedCmd := &cobra.Command{
		Use:   "changed <id>",
		Short: "Report whether a chapter differs from what is on disk",
		Args:  cobra.ExactArgs(1),
		RunE:  runChanged,
	}

	saveCmd := &cobra.Command{
		Use:   "save <id>",
		Short: "Normalize and save one chapter, bumping its version when content changed",
		Args:  cobra.ExactArgs(1),
		RunE:  runSave,
	}
	saveCmd.Flags().String("author", "", "Author recorded in the revision history")

	saveAllCmd := &cobra.Command{
		Use:   "save-all",
		Short: "Save every chapter whose content or manifest row changed",
		RunE:  runSaveAll,
	}
	saveAllCmd.Flags().String("author", "", "Author recorded in the revision history")

	newCmd := &cobra.Command{
		Use:   "new",
		Short: "Create an empty chapter and register it in the manifest",
		RunE:  runNew,
	}
	newCmd.Flags().String("group", "", "Group key (tcs, 1bse, 1bsm, 2bse, 2bsm)")
	newCmd.Flags().String("name", "", "Chapter display name")
	newCmd.Flags().String("author", "", "Author recorded in the revision history")
	_ = newCmd.MarkFlagRequired("group")
	_ = newCmd.MarkFlagRequired("name")

	deleteCmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Remove a chapter file and its manifest row",
		Args:  cobra.ExactArgs(1),
		RunE:  runDelete,
	}
	deleteCmd.Flags().Bool("yes", false, "Confirm the deletion")

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Run the consistency checks over the whole tree",
		Long: `check runs, in order: missing files, unknown groups, duplicate ids,
class/group mismatch, reorganization and version drift. Nothing is written
unless a fix flag is given. Renaming duplicate ids also needs --confirm.`,
		RunE: runCheck,
	}
	checkCmd.Flags().Bool("fix-duplicates", false, "Rename duplicate ids to <group>-<id> outside their first group")
	checkCmd.Flags().Bool("confirm", false, "Confirm destructive repairs")
	checkCmd.Flags().Bool("fix-mismatch", false, "Rewrite in-file class to the manifest group")
	checkCmd.Flags().Bool("reorganize", false, "Move files under their group directory")
	checkCmd.Flags().String("format", formatText, "Report format: text|json|yaml")

	repairCmd := &cobra.Command{
		Use:   "repair-json <file>",
		Short: "Try the JSON repair rules on a file",
		Args:  cobra.ExactArgs(1),
		RunE:  runRepairJSON,
	}
	repairCmd.Flags().Bool("write", false, "Replace the file with the repaired text")

	historyCmd := &cobra.Command{
		Use:   "history <id> [hash]",
		Short: "List saved revisions of a chapter, or print one revision",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runHistory,
	}
	historyCmd.Flags().Int("limit", 20, "Maximum number of revisions to list")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the local JSON API used by the editor",
		RunE:  runServe,
	}
	serveCmd.Flags().String("addr", "", "Listen address (overrides API_ADDR)")

	rootCmd.AddCommand(initCmd, listCmd, showCmd, changedCmd, saveCmd, saveAllCmd, newCmd, deleteCmd, checkCmd, repairCmd, historyCmd, serveCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
