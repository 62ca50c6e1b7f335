// Package history keeps a git repository per chapter holding every saved
// revision of its content file.
package history

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"smartchapter/manager/internal/apperr"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const contentFile = "content.json"

type Revision struct {
	Hash      string    `json:"hash" yaml:"hash"`
	Message   string    `json:"message" yaml:"message"`
	Author    string    `json:"author" yaml:"author"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

type Journal struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Journal {
	return &Journal{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// Record commits content as the latest revision of chapterID. It reports false
// and the current head when content matches the head already.
func (j *Journal) Record(chapterID string, content []byte, author, message string) (Revision, bool, error) {
	lock := j.chapterLock(chapterID)
	lock.Lock()
	defer lock.Unlock()

	repo, created, err := j.ensureRepo(chapterID, content, author, message)
	if err != nil {
		return Revision{}, false, err
	}
	if created {
		head, err := headRevision(repo)
		return head, err == nil, err
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return Revision{}, false, fmt.Errorf("open worktree: %w", err)
	}
	if err := os.WriteFile(filepath.Join(worktree.Filesystem.Root(), contentFile), content, 0o644); err != nil {
		return Revision{}, false, fmt.Errorf("write %s: %w", contentFile, err)
	}
	if _, err := worktree.Add(contentFile); err != nil {
		return Revision{}, false, fmt.Errorf("git add content: %w", err)
	}
	status, err := worktree.Status()
	if err != nil {
		return Revision{}, false, fmt.Errorf("read worktree status: %w", err)
	}
	if status.IsClean() {
		head, err := headRevision(repo)
		return head, false, err
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{Author: signature(author)})
	if err != nil {
		return Revision{}, false, fmt.Errorf("commit content: %w", err)
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Revision{}, false, fmt.Errorf("read commit object: %w", err)
	}
	return toRevision(commitObj), true, nil
}

// History lists revisions of chapterID, newest first. A chapter that was never
// recorded has no history.
func (j *Journal) History(chapterID string, limit int) ([]Revision, error) {
	lock := j.chapterLock(chapterID)
	lock.Lock()
	defer lock.Unlock()

	path, err := j.repoPath(chapterID)
	if err != nil {
		return nil, err
	}
	repo, err := git.PlainOpen(path)
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return []Revision{}, nil
		}
		return nil, fmt.Errorf("open repo: %w", err)
	}
	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Revision, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toRevision(commitObj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// ContentAt returns the content file as recorded at hash. Short hashes are resolved.
func (j *Journal) ContentAt(chapterID, hash string) ([]byte, error) {
	lock := j.chapterLock(chapterID)
	lock.Lock()
	defer lock.Unlock()

	path, err := j.repoPath(chapterID)
	if err != nil {
		return nil, err
	}
	repo, err := git.PlainOpen(path)
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, apperr.New(apperr.NotFound, "read revision", chapterID, err)
		}
		return nil, fmt.Errorf("open repo: %w", err)
	}
	resolved, err := resolveHash(repo, hash)
	if err != nil {
		return nil, apperr.New(apperr.NotFound, "read revision", chapterID, err)
	}
	commitObj, err := repo.CommitObject(resolved)
	if err != nil {
		return nil, apperr.New(apperr.NotFound, "read revision", chapterID, fmt.Errorf("read commit %s: %w", hash, err))
	}
	file, err := commitObj.File(contentFile)
	if err != nil {
		return nil, fmt.Errorf("load %s from commit: %w", contentFile, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return nil, fmt.Errorf("open content reader: %w", err)
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

// ensureRepo opens the chapter repository, creating it with initial as the
// first commit on main when it does not exist yet.
func (j *Journal) ensureRepo(chapterID string, initial []byte, author, message string) (*git.Repository, bool, error) {
	path, err := j.repoPath(chapterID)
	if err != nil {
		return nil, false, err
	}
	if _, err := os.Stat(path); err == nil {
		repo, err := git.PlainOpen(path)
		if err != nil {
			return nil, false, fmt.Errorf("open repo: %w", err)
		}
		return repo, false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, false, fmt.Errorf("stat repo path: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, false, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err := git.PlainInit(path, false)
	if err != nil {
		return nil, false, fmt.Errorf("init repo: %w", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return nil, false, fmt.Errorf("open worktree: %w", err)
	}
	if err := os.WriteFile(filepath.Join(path, contentFile), initial, 0o644); err != nil {
		return nil, false, fmt.Errorf("write initial content: %w", err)
	}
	if _, err := worktree.Add(contentFile); err != nil {
		return nil, false, fmt.Errorf("git add initial content: %w", err)
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{Author: signature(author)})
	if err != nil {
		return nil, false, fmt.Errorf("commit initial content: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName("main"), hash)); err != nil {
		return nil, false, fmt.Errorf("set main branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return nil, false, fmt.Errorf("set HEAD to main: %w", err)
	}
	return repo, true, nil
}

// repoPath maps a chapter id to its repository directory. Ids that could name
// anything outside baseDir are rejected.
func (j *Journal) repoPath(chapterID string) (string, error) {
	if chapterID == "" || chapterID == "." || strings.Contains(chapterID, "..") || strings.ContainsAny(chapterID, `/\`) {
		return "", apperr.Newf(apperr.Invalid, "history", "invalid chapter id %q", chapterID)
	}
	return filepath.Join(j.baseDir, chapterID), nil
}

func (j *Journal) chapterLock(chapterID string) *sync.Mutex {
	j.lockMu.Lock()
	defer j.lockMu.Unlock()
	lock, ok := j.locks[chapterID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	j.locks[chapterID] = lock
	return lock
}

func headRevision(repo *git.Repository) (Revision, error) {
	head, err := repo.Head()
	if err != nil {
		return Revision{}, fmt.Errorf("resolve head: %w", err)
	}
	commitObj, err := repo.CommitObject(head.Hash())
	if err != nil {
		return Revision{}, fmt.Errorf("read head commit: %w", err)
	}
	return toRevision(commitObj), nil
}

func signature(author string) *object.Signature {
	if author == "" {
		author = "contentctl"
	}
	return &object.Signature{
		Name:  author,
		Email: fmt.Sprintf("%s@local.smartchapter", sanitizeEmail(author)),
		When:  time.Now(),
	}
}

func toRevision(commitObj *object.Commit) Revision {
	return Revision{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	return *resolved, nil
}
