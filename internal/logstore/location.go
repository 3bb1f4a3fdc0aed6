package logstore

import (
	"context"
	"net/url"
	"path"
	"strings"

	"github.com/diegomrodrigues2/go-delta-from-scratch/internal/objectstore"
)

// ParseLocation validates a table location before any I/O is attempted.
// Plain absolute paths are accepted as file URLs.
func ParseLocation(location string) (*url.URL, error) {
	location = strings.TrimSpace(location)
	if location == "" {
		return nil, &Error{Kind: KindInvalidTableLocation, Version: -1, Msg: "empty location"}
	}
	if strings.HasPrefix(location, "/") {
		return &url.URL{Scheme: "file", Path: path.Clean(location)}, nil
	}
	u, err := url.Parse(location)
	if err != nil {
		return nil, &Error{Kind: KindInvalidURL, Version: -1, Err: err}
	}
	if u.Scheme == "" {
		return nil, &Error{Kind: KindInvalidTableLocation, Version: -1, Msg: "location must be an absolute path or URL: " + location}
	}
	supported := false
	for _, scheme := range objectstore.Schemes() {
		if strings.EqualFold(scheme, u.Scheme) {
			supported = true
			break
		}
	}
	if !supported {
		return nil, &Error{Kind: KindInvalidTableLocation, Version: -1, Msg: "unsupported scheme " + u.Scheme}
	}
	switch strings.ToLower(u.Scheme) {
	case "file", "badger":
		if u.Host != "" && u.Host != "localhost" {
			return nil, &Error{Kind: KindInvalidTableLocation, Version: -1, Msg: "remote host not allowed in " + location}
		}
		if u.Path == "" || !strings.HasPrefix(u.Path, "/") {
			return nil, &Error{Kind: KindInvalidTableLocation, Version: -1, Msg: "path required in " + location}
		}
	case "memory", "badger+mem":
		if u.Host == "" && u.Path == "" {
			return nil, &Error{Kind: KindInvalidTableLocation, Version: -1, Msg: "name required in " + location}
		}
	case "zk":
		if u.Host == "" || u.Path == "" || u.Path == "/" {
			return nil, &Error{Kind: KindInvalidTableLocation, Version: -1, Msg: "servers and root required in " + location}
		}
	}
	return u, nil
}

// OpenURL validates location, opens the matching object store and binds a
// LogStore to it.
func OpenURL(ctx context.Context, location string, opts ...Option) (*LogStore, error) {
	u, err := ParseLocation(location)
	if err != nil {
		return nil, err
	}
	conf := defaultOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&conf)
		}
	}
	storeOpts := conf.storeOpts
	if storeOpts.Logger == nil {
		storeOpts.Logger = conf.logger
	}
	store, err := objectstore.Open(ctx, u, storeOpts)
	if err != nil {
		return nil, &Error{Kind: KindObjectStore, Version: -1, Err: err}
	}
	return New(store, opts...), nil
}
