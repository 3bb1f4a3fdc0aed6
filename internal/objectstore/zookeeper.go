package objectstore

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
	"go.uber.org/zap"
)

const defaultZKSessionTimeout = 5 * time.Second

// zkConn is the subset of *zk.Conn the adapter uses.
type zkConn interface {
	Get(path string) ([]byte, *zk.Stat, error)
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	Children(path string) ([]string, *zk.Stat, error)
	Exists(path string) (bool, *zk.Stat, error)
	Close()
}

// ZooKeeper keeps objects as persistent znodes below root. Create is
// exclusive, which gives put-if-absent for free. Znodes are capped at roughly
// 1MB, so this adapter suits commit logs rather than bulk data.
type ZooKeeper struct {
	conn   zkConn
	root   string
	logger *zap.Logger
}

// OpenZooKeeper connects to the ensemble and ensures the root znode exists.
func OpenZooKeeper(ctx context.Context, servers []string, root string, opts Options) (*ZooKeeper, error) {
	if len(servers) == 0 || servers[0] == "" {
		return nil, errors.New("zookeeper servers required")
	}
	timeout := opts.ZKSessionTimeout
	if timeout <= 0 {
		timeout = defaultZKSessionTimeout
	}
	conn, _, err := zk.Connect(servers, timeout)
	if err != nil {
		return nil, fmt.Errorf("zk connect: %w", err)
	}
	z := newZooKeeper(conn, root, opts.Logger)
	if err := z.ensurePath(ctx, z.root); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ensure zk root %s: %w", z.root, err)
	}
	z.logger.Info("zookeeper store ready", zap.Strings("servers", servers), zap.String("root", z.root))
	return z, nil
}

func newZooKeeper(conn zkConn, root string, logger *zap.Logger) *ZooKeeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	root = "/" + strings.Trim(root, "/")
	return &ZooKeeper{conn: conn, root: root, logger: logger}
}

func (z *ZooKeeper) node(key string) string {
	return path.Join(z.root, key)
}

func (z *ZooKeeper) ensurePath(ctx context.Context, p string) error {
	cur := ""
	for _, part := range strings.Split(p, "/") {
		if part == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		cur = cur + "/" + part
		exists, _, err := z.conn.Exists(cur)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if _, err := z.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll)); err != nil && !errors.Is(err, zk.ErrNodeExists) {
			return err
		}
	}
	return nil
}

func (z *ZooKeeper) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, opError("get", key, err)
	}
	data, _, err := z.conn.Get(z.node(key))
	if errors.Is(err, zk.ErrNoNode) {
		return nil, opError("get", key, ErrNotFound)
	}
	if err != nil {
		return nil, opError("get", key, err)
	}
	return data, nil
}

func (z *ZooKeeper) PutIfAbsent(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return opError("put", key, err)
	}
	target := z.node(key)
	if err := z.ensurePath(ctx, path.Dir(target)); err != nil {
		return opError("put", key, err)
	}
	_, err := z.conn.Create(target, data, 0, zk.WorldACL(zk.PermAll))
	if errors.Is(err, zk.ErrNodeExists) {
		return opError("put", key, ErrAlreadyExists)
	}
	return opError("put", key, err)
}

func (z *ZooKeeper) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, opError("list", prefix, err)
	}
	dirKey, namePrefix := prefix, ""
	if !strings.HasSuffix(prefix, "/") {
		dirKey, namePrefix = path.Split(prefix)
	}
	children, _, err := z.conn.Children(z.node(dirKey))
	if errors.Is(err, zk.ErrNoNode) {
		return nil, nil
	}
	if err != nil {
		return nil, opError("list", prefix, err)
	}
	keys := make([]string, 0, len(children))
	for _, child := range children {
		if strings.HasPrefix(child, namePrefix) {
			keys = append(keys, dirKey+child)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (z *ZooKeeper) Close() error {
	z.conn.Close()
	return nil
}
