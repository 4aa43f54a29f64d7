package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// maximum number of suffixes tried before giving up on a name
const maxDuplicates = 10000

// DirWriter writes artifacts below a base directory without overwriting
// existing files: name.png, name-1.png, name-2.png, ...
type DirWriter struct {
	Base string
	Perm os.FileMode

	mu sync.Mutex
}

func NewDirWriter(base string) *DirWriter {
	return &DirWriter{Base: base, Perm: 0o644}
}

func (w *DirWriter) resolve(dir string) string {
	if dir == "" {
		return w.Base
	}
	if filepath.IsAbs(dir) || w.Base == "" {
		return dir
	}
	return filepath.Join(w.Base, dir)
}

// Write stores data as name inside dir and returns the path used
func (w *DirWriter) Write(dir string, name string, data []byte) (string, error) {
	name = filepath.Base(name)
	if name == "." || name == string(filepath.Separator) {
		return "", fmt.Errorf("invalid file name %q", name)
	}
	target := w.resolve(dir)
	if target == "" {
		target = "."
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(target, 0o755); err != nil {
		return "", err
	}
	perm := w.Perm
	if perm == 0 {
		perm = 0o644
	}

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 0; i < maxDuplicates; i++ {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s-%d%s", stem, i, ext)
		}
		p := filepath.Join(target, candidate)
		f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", err
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			os.Remove(p)
			return "", err
		}
		if err := f.Close(); err != nil {
			return "", err
		}
		return p, nil
	}
	return "", fmt.Errorf("no free file name for %s in %s", name, target)
}
