package archive

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"postpilot/internal/post"
	logx "postpilot/pkg/logx"
)

// fileArchive writes one JSON blob per terminal post at
// <root>/<platform>/<id>.json via temp file + rename.
type fileArchive struct {
	log  logx.Logger
	root string

	mu     sync.Mutex
	closed bool
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	root := cfg.Root
	if root == "" {
		root = "./archive"
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &fileArchive{log: log, root: root}, nil
}

func (a *fileArchive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}

func (a *fileArchive) Put(ctx context.Context, p *post.Post) error {
	_ = ctx
	blob, err := encodeArchived(p)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return errors.New("archive closed")
	}

	dir := filepath.Join(a.root, string(p.Platform))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, p.ID+".json")
	if _, err := os.Stat(path); err == nil {
		return ErrAlreadyArchived
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(blob); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
