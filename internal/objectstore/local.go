package objectstore

import (
	"context"
	"errors"
	"io/fs"
	"path"
	"path/filepath"
	"sort"
	"strings"

	pkgerrors "github.com/pkg/errors"
)

const tempFilePrefix = ".delta-tmp-"

// Local stores objects as files below a root directory. Keys use forward
// slashes and map onto nested directories.
type Local struct {
	root string
}

// NewLocal prepares a filesystem store rooted at dir, creating it if needed.
func NewLocal(dir string) (*Local, error) {
	if dir == "" {
		return nil, errors.New("local store root directory required")
	}
	root := filepath.Clean(dir)
	if err := mkdirAllOp(root, 0o755); err != nil {
		return nil, pkgerrors.Wrapf(err, "create store root %s", root)
	}
	return &Local{root: root}, nil
}

// Root returns the directory backing the store.
func (l *Local) Root() string {
	return l.root
}

func (l *Local) path(key string) string {
	return filepath.Join(l.root, filepath.FromSlash(key))
}

func (l *Local) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, opError("get", key, err)
	}
	data, err := readFileOp(l.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, opError("get", key, ErrNotFound)
		}
		return nil, opError("get", key, err)
	}
	return data, nil
}

// PutIfAbsent writes data to a temporary file, syncs it and hard-links it to
// the final name. The link fails when the name exists, so readers never see a
// partially written object and only one racing writer wins.
func (l *Local) PutIfAbsent(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return opError("put", key, err)
	}
	target := l.path(key)
	dir := filepath.Dir(target)
	if err := mkdirAllOp(dir, 0o755); err != nil {
		return opError("put", key, err)
	}
	tmp, err := createTempOp(dir, tempFilePrefix)
	if err != nil {
		return opError("put", key, err)
	}
	tmpName := tmp.Name()
	defer func() { _ = removeOp(tmpName) }()

	if _, err := writeOp(tmp, data); err != nil {
		_ = tmp.Close()
		return opError("put", key, err)
	}
	if err := syncOp(tmp); err != nil {
		_ = tmp.Close()
		return opError("put", key, err)
	}
	if err := tmp.Close(); err != nil {
		return opError("put", key, err)
	}
	if err := linkOp(tmpName, target); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return opError("put", key, ErrAlreadyExists)
		}
		return opError("put", key, err)
	}
	return nil
}

func (l *Local) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, opError("list", prefix, err)
	}
	dirKey := prefix
	if !strings.HasSuffix(prefix, "/") {
		dirKey = path.Dir(prefix)
		if dirKey == "." {
			dirKey = ""
		}
	}
	start := l.path(dirKey)
	if _, err := statOp(start); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, opError("list", prefix, err)
	}
	var keys []string
	err := walkDirOp(start, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), tempFilePrefix) {
			return nil
		}
		rel, err := filepath.Rel(l.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, opError("list", prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (l *Local) Close() error { return nil }

var _ Store = (*Local)(nil)
