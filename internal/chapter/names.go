package chapter

import (
	"crypto/md5"
	"encoding/hex"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// Slug turns a display name into a chapter id: lowercase, every run of other
// characters collapsed to "-", trimmed.
func Slug(name string) string {
	return strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(name), "-"), "-")
}

// FileFor is the content file location of a new chapter, relative to the chapters dir.
func FileFor(group, id string) string {
	return group + "/" + group + "_" + strings.ReplaceAll(id, "-", "_") + ".json"
}

// DefaultName derives a display name from an id: "suites-numeriques" becomes "Suites Numeriques".
func DefaultName(id string) string {
	words := strings.Fields(strings.ReplaceAll(id, "-", " "))
	for i, word := range words {
		first, size := utf8.DecodeRuneInString(word)
		words[i] = string(unicode.ToUpper(first)) + strings.ToLower(word[size:])
	}
	return strings.Join(words, " ")
}

func defaultQuizID(question string) string {
	return "q_" + shortDigest(question)
}

func defaultExerciseID(title string) string {
	return "exo_" + shortDigest(title)
}

// shortDigest keeps ids compatible with files written by earlier tooling.
func shortDigest(text string) string {
	sum := md5.Sum([]byte(text))
	return hex.EncodeToString(sum[:])[:8]
}
