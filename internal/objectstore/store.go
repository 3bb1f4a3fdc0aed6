// Package objectstore defines the narrow storage contract the log store
// depends on and ships adapters for it.
//
// A Store only needs three primitives: Get, PutIfAbsent and List. PutIfAbsent
// must be atomic: a key is either absent or fully written, and exactly one of
// several racing writers succeeds.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned by Get when the key does not exist.
	ErrNotFound = errors.New("object not found")
	// ErrAlreadyExists is returned by PutIfAbsent when the key is occupied.
	ErrAlreadyExists = errors.New("object already exists")
	// ErrUnsupportedScheme is returned by Open for an unknown URL scheme.
	ErrUnsupportedScheme = errors.New("unsupported object store scheme")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("object store closed")
)

// Store is the storage adapter consumed by the log store.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	PutIfAbsent(ctx context.Context, key string, data []byte) error
	List(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Error annotates a storage failure with the operation and key involved.
type Error struct {
	Op  string
	Key string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("object store %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func opError(op, key string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Key: key, Err: err}
}

// IsNotFound reports whether err means the key is absent.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsAlreadyExists reports whether err means the key was already written.
func IsAlreadyExists(err error) bool { return errors.Is(err, ErrAlreadyExists) }

// Options carries adapter specific settings for Open.
type Options struct {
	Logger           *zap.Logger
	ZKSessionTimeout time.Duration
}

// Open returns the adapter selected by the URL scheme:
//
//	memory://name                 process-wide shared in-memory store
//	file:///abs/path              local filesystem
//	badger:///abs/path            embedded badger database
//	badger+mem://name             in-memory badger database
//	zk://host:2181,host:2182/root ZooKeeper znodes
func Open(ctx context.Context, u *url.URL, opts Options) (Store, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	switch strings.ToLower(u.Scheme) {
	case "memory":
		return SharedMemory(u.Host + u.Path), nil
	case "file":
		l, err := NewLocal(u.Path)
		if err != nil {
			return nil, err
		}
		return l, nil
	case "badger":
		b, err := OpenBadger(u.Path, false, opts.Logger)
		if err != nil {
			return nil, err
		}
		return b, nil
	case "badger+mem":
		b, err := OpenBadger("", true, opts.Logger)
		if err != nil {
			return nil, err
		}
		return b, nil
	case "zk":
		z, err := OpenZooKeeper(ctx, strings.Split(u.Host, ","), u.Path, opts)
		if err != nil {
			return nil, err
		}
		return z, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
}

// Schemes lists the URL schemes accepted by Open.
func Schemes() []string {
	return []string{"memory", "file", "badger", "badger+mem", "zk"}
}
