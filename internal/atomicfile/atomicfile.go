// Package atomicfile writes files with the create-temp, validate, replace discipline:
// a reader of the destination sees either the previous content or the new content.
package atomicfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"smartchapter/manager/internal/apperr"

	"github.com/natefinch/atomic"
)

const defaultPerm os.FileMode = 0o644

// replaceFile is swapped in tests to simulate a crash before the rename.
var replaceFile = atomic.ReplaceFile

// Validator inspects the bytes read back from the temp file.
type Validator func([]byte) error

// ValidJSON is a Validator for any well-formed JSON text.
func ValidJSON(data []byte) error {
	if !json.Valid(data) {
		return errors.New("temp file is not valid JSON")
	}
	return nil
}

// Write replaces path with data. The temp file lives next to path so the final
// rename never crosses a filesystem. On any failure the temp file is removed and
// path is left as it was.
func Write(path string, data []byte, validate Validator) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return apperr.New(apperr.IOError, "create parent dir", dir, err)
	}

	perm := defaultPerm
	if info, err := os.Stat(path); err == nil {
		perm = info.Mode().Perm()
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return apperr.New(apperr.IOError, "create temp file", path, err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return apperr.New(apperr.IOError, "write temp file", tmpPath, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return apperr.New(apperr.IOError, "sync temp file", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return apperr.New(apperr.IOError, "close temp file", tmpPath, err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return apperr.New(apperr.IOError, "chmod temp file", tmpPath, err)
	}

	if validate != nil {
		written, err := os.ReadFile(tmpPath)
		if err != nil {
			return apperr.New(apperr.IOError, "read back temp file", tmpPath, err)
		}
		if err := validate(written); err != nil {
			return apperr.New(apperr.ValidationFailed, "validate temp file", path, err)
		}
	}

	if err := replaceFile(tmpPath, path); err != nil {
		return apperr.New(apperr.IOError, "replace file", path, err)
	}
	committed = true
	return nil
}

// Move renames src to dst, creating dst's directory. It refuses to overwrite an
// existing dst.
func Move(src, dst string) error {
	if _, err := os.Stat(src); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return apperr.New(apperr.NotFound, "move file", src, err)
		}
		return apperr.New(apperr.IOError, "stat move source", src, err)
	}
	if _, err := os.Stat(dst); err == nil {
		return apperr.New(apperr.Conflict, "move file", dst, fmt.Errorf("destination exists"))
	} else if !errors.Is(err, os.ErrNotExist) {
		return apperr.New(apperr.IOError, "stat move destination", dst, err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return apperr.New(apperr.IOError, "create destination dir", filepath.Dir(dst), err)
	}
	if err := replaceFile(src, dst); err != nil {
		return apperr.New(apperr.IOError, "move file", src, err)
	}
	return nil
}
