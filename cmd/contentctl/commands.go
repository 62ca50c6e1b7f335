package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"smartchapter/manager/internal/app"
	"smartchapter/manager/internal/apperr"
	"smartchapter/manager/internal/atomicfile"
	"smartchapter/manager/internal/canonical"
	"smartchapter/manager/internal/config"
	"smartchapter/manager/internal/history"
	"smartchapter/manager/internal/integrity"
	"smartchapter/manager/internal/jsonrepair"
	"smartchapter/manager/internal/logger"
	"smartchapter/manager/internal/manifest"
	"smartchapter/manager/internal/notify"

	"github.com/spf13/cobra"
)

type runtime struct {
	cfg     config.Config
	log     *logger.Logger
	service *app.Service
	closers []func() error
}

// setup builds the service from config and flags without opening the tree.
func setup(cmd *cobra.Command) (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	root, _ := cmd.Flags().GetString("root")
	cfg = cfg.WithRoot(root)
	if mode, _ := cmd.Flags().GetString("log-mode"); mode != "" {
		cfg.LogMode = mode
	}

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	rt := &runtime{cfg: cfg, log: log, service: app.New(cfg, log)}

	if cfg.HistoryEnabled {
		if err := os.MkdirAll(cfg.HistoryDir, 0o755); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
		rt.service.WithJournal(history.New(cfg.HistoryDir))
	}
	if strings.TrimSpace(cfg.RedisURL) != "" {
		publisher, err := notify.NewRedisPublisher(cfg.RedisURL, cfg.RedisChannel)
		if err != nil {
			return nil, err
		}
		log.Info("publishing version events", "channel", publisher.Channel())
		rt.service.WithPublisher(publisher)
		rt.closers = append(rt.closers, publisher.Close)
	}
	return rt, nil
}

func open(cmd *cobra.Command) (*runtime, error) {
	rt, err := setup(cmd)
	if err != nil {
		return nil, err
	}
	if err := rt.service.Open(); err != nil {
		rt.close()
		return nil, err
	}
	return rt, nil
}

func (rt *runtime) close() {
	for _, closeFn := range rt.closers {
		if err := closeFn(); err != nil {
			rt.log.Warn("close failed", "error", err)
		}
	}
	rt.log.Sync()
}

func runInit(cmd *cobra.Command, args []string) error {
	rt, err := setup(cmd)
	if err != nil {
		return err
	}
	defer rt.close()
	created, err := rt.service.Init()
	if err != nil {
		return err
	}
	if created {
		fmt.Fprintf(cmd.OutOrStdout(), "Created %s\n", rt.cfg.ManifestPath())
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "%s already exists\n", rt.cfg.ManifestPath())
	}
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	rt, err := open(cmd)
	if err != nil {
		return err
	}
	defer rt.close()
	tree, err := rt.service.Tree()
	if err != nil {
		return err
	}
	writeTree(cmd.OutOrStdout(), tree)
	return nil
}

func runShow(cmd *cobra.Command, args []string) error {
	rt, err := open(cmd)
	if err != nil {
		return err
	}
	defer rt.close()
	view, err := rt.service.Get(args[0])
	if err != nil {
		return err
	}
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	encoder.SetEscapeHTML(false)
	return encoder.Encode(view)
}

func runChanged(cmd *cobra.Command, args []string) error {
	rt, err := open(cmd)
	if err != nil {
		return err
	}
	defer rt.close()
	changed, err := rt.service.HasChanged(args[0])
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), changed)
	return nil
}

func runSave(cmd *cobra.Command, args []string) error {
	rt, err := open(cmd)
	if err != nil {
		return err
	}
	defer rt.close()
	author, _ := cmd.Flags().GetString("author")
	result, err := rt.service.Save(cmd.Context(), args[0], author)
	if err != nil {
		return err
	}
	writeSaveResult(cmd.OutOrStdout(), result)
	return nil
}

func runSaveAll(cmd *cobra.Command, args []string) error {
	rt, err := open(cmd)
	if err != nil {
		return err
	}
	defer rt.close()
	author, _ := cmd.Flags().GetString("author")
	progress := func(done, total int) {
		fmt.Fprintf(cmd.ErrOrStderr(), "\rchecking %d/%d", done, total)
		if done == total {
			fmt.Fprintln(cmd.ErrOrStderr())
		}
	}
	result, err := rt.service.SaveAll(cmd.Context(), author, progress)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, saved := range result.Saved {
		writeSaveResult(out, saved)
	}
	for _, failed := range result.Failed {
		fmt.Fprintf(out, "FAILED %s: %s\n", failed.ID, failed.Error)
	}
	fmt.Fprintf(out, "%d saved, %d unchanged, %d failed\n", len(result.Saved), result.Unchanged, len(result.Failed))
	if len(result.Failed) > 0 {
		return fmt.Errorf("%d chapters could not be saved", len(result.Failed))
	}
	return nil
}

func runNew(cmd *cobra.Command, args []string) error {
	rt, err := open(cmd)
	if err != nil {
		return err
	}
	defer rt.close()
	group, _ := cmd.Flags().GetString("group")
	name, _ := cmd.Flags().GetString("name")
	author, _ := cmd.Flags().GetString("author")
	view, err := rt.service.Create(cmd.Context(), group, name, author)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created %s (%s) at %s, version %s\n", view.ID, view.GroupLabel, view.File, view.Version)
	return nil
}

func runDelete(cmd *cobra.Command, args []string) error {
	if yes, _ := cmd.Flags().GetBool("yes"); !yes {
		return apperr.Newf(apperr.Invalid, "delete", "refusing to delete %q without --yes", args[0])
	}
	rt, err := open(cmd)
	if err != nil {
		return err
	}
	defer rt.close()
	if err := rt.service.Delete(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
	return nil
}

func runCheck(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")
	if !validFormat(format) {
		return apperr.Newf(apperr.Invalid, "check", "unknown format %q", format)
	}
	rt, err := open(cmd)
	if err != nil {
		return err
	}
	defer rt.close()

	var opts integrity.Options
	opts.FixDuplicates, _ = cmd.Flags().GetBool("fix-duplicates")
	opts.ConfirmDuplicates, _ = cmd.Flags().GetBool("confirm")
	opts.FixGroupMismatch, _ = cmd.Flags().GetBool("fix-mismatch")
	opts.Reorganize, _ = cmd.Flags().GetBool("reorganize")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	progress := func(check string, done, total int) {
		if done == total {
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: %d/%d\n", check, done, total)
		}
	}
	report, runErr := rt.service.RunConsistencyCheck(ctx, opts, progress)
	if err := writeReport(cmd.OutOrStdout(), report, format); err != nil {
		return err
	}
	if runErr != nil {
		return runErr
	}
	if report.Status == integrity.StatusFail {
		return errors.New("consistency check found problems")
	}
	return nil
}

func runRepairJSON(cmd *cobra.Command, args []string) error {
	path := args[0]
	write, _ := cmd.Flags().GetBool("write")
	result, err := repairFile(path, write)
	if err != nil {
		return err
	}
	switch {
	case result.alreadyValid:
		fmt.Fprintf(cmd.OutOrStdout(), "%s is already valid JSON\n", path)
	case !write:
		fmt.Fprint(cmd.OutOrStdout(), result.text)
		fmt.Fprintf(cmd.ErrOrStderr(), "rules applied: %s\n", strings.Join(result.applied, ", "))
	default:
		fmt.Fprintf(cmd.OutOrStdout(), "Repaired %s (%s), original kept at %s\n", path, strings.Join(result.applied, ", "), result.backup)
	}
	return nil
}

type repairOutcome struct {
	alreadyValid bool
	text         string
	applied      []string
	backup       string
}

// repairFile runs the repair rules on path. With write set, the original bytes
// go to the ".corrupted.json" backup first and the repaired text is written in
// storage form.
func repairFile(path string, write bool) (repairOutcome, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return repairOutcome{}, apperr.New(apperr.NotFound, "repair json", path, err)
	}
	if json.Valid(raw) {
		return repairOutcome{alreadyValid: true}, nil
	}
	result, ok := jsonrepair.New().Repair(string(raw))
	if !ok {
		return repairOutcome{}, apperr.New(apperr.RepairFailed, "repair json", path, errors.New("no repair rule produced valid JSON"))
	}
	out := repairOutcome{text: result.Text, applied: result.Applied}
	if !write {
		return out, nil
	}

	pretty, err := canonical.IndentRaw([]byte(result.Text))
	if err != nil {
		return repairOutcome{}, apperr.New(apperr.RepairFailed, "repair json", path, err)
	}
	out.backup = manifest.CorruptedBackupPath(path)
	if err := atomicfile.Write(out.backup, raw, nil); err != nil {
		return repairOutcome{}, err
	}
	if err := atomicfile.Write(path, pretty, atomicfile.ValidJSON); err != nil {
		return repairOutcome{}, err
	}
	out.text = string(pretty)
	return out, nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	rt, err := open(cmd)
	if err != nil {
		return err
	}
	defer rt.close()
	if len(args) == 2 {
		content, err := rt.service.RevisionContent(args[0], args[1])
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(content)
		return err
	}
	limit, _ := cmd.Flags().GetInt("limit")
	revisions, err := rt.service.History(args[0], limit)
	if err != nil {
		return err
	}
	writeRevisions(cmd.OutOrStdout(), revisions)
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	rt, err := open(cmd)
	if err != nil {
		return err
	}
	defer rt.close()
	addr := rt.cfg.Addr
	if flagAddr, _ := cmd.Flags().GetString("addr"); flagAddr != "" {
		addr = flagAddr
	}

	httpServer := app.NewHTTPServer(rt.service, rt.log, rt.cfg.CORSOrigin)
	server := &http.Server{
		Addr:              addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		rt.log.Info("content API listening", "addr", addr, "root", rt.cfg.ContentRoot)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-sigCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		rt.log.Warn("shutdown error", "error", err)
	}
	return nil
}
