package logstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/diegomrodrigues2/go-delta-from-scratch/internal/objectstore"
)

const (
	checkpointSuffix = ".checkpoint.json"
	zstdSuffix       = ".zst"
)

// Compression selects the encoding of checkpoint payloads.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
)

// ParseCompression maps a configuration value to a Compression.
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return CompressionNone, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return "", generic("unknown checkpoint compression %q", s)
	}
}

// CheckpointKey returns the object key of a checkpoint at version.
func CheckpointKey(version int64, c Compression) string {
	key := fmt.Sprintf("%s/%0*d%s", deltaDirName, versionWidth, version, checkpointSuffix)
	if c == CompressionZstd {
		key += zstdSuffix
	}
	return key
}

func parseCheckpointKey(key string) (int64, Compression, bool) {
	name := strings.TrimPrefix(key, deltaDirName+"/")
	c := CompressionNone
	if strings.HasSuffix(name, zstdSuffix) {
		c = CompressionZstd
		name = strings.TrimSuffix(name, zstdSuffix)
	}
	if !strings.HasSuffix(name, checkpointSuffix) {
		return 0, "", false
	}
	digits := strings.TrimSuffix(name, checkpointSuffix)
	if len(digits) != versionWidth {
		return 0, "", false
	}
	v, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || v < 0 {
		return 0, "", false
	}
	return v, c, true
}

// WriteCheckpoint stores payload as the checkpoint of version. A checkpoint
// that already exists for the version is left untouched.
func (s *LogStore) WriteCheckpoint(ctx context.Context, version int64, payload []byte) error {
	if version < 0 {
		return generic("cannot checkpoint negative version %d", version)
	}
	data := payload
	if s.compression == CompressionZstd {
		var buf bytes.Buffer
		enc, err := zstd.NewWriter(&buf)
		if err != nil {
			return &Error{Kind: KindGeneric, Version: version, Msg: "create zstd encoder", Err: err}
		}
		if _, err := enc.Write(payload); err != nil {
			enc.Close()
			return &Error{Kind: KindGeneric, Version: version, Msg: "compress checkpoint", Err: err}
		}
		if err := enc.Close(); err != nil {
			return &Error{Kind: KindGeneric, Version: version, Msg: "compress checkpoint", Err: err}
		}
		data = buf.Bytes()
	}
	err := s.store.PutIfAbsent(ctx, CheckpointKey(version, s.compression), data)
	if objectstore.IsAlreadyExists(err) {
		s.logger.Debug("checkpoint already present", zap.Int64("version", version))
		return nil
	}
	if err != nil {
		return &Error{Kind: KindObjectStore, Version: version, Err: err}
	}
	s.logger.Info("checkpoint written",
		zap.Int64("version", version),
		zap.String("compression", string(s.compression)),
		zap.Int("bytes", len(data)))
	return nil
}

// LatestCheckpoint returns the newest checkpoint payload, decompressed.
// ok is false when the table has no checkpoint.
func (s *LogStore) LatestCheckpoint(ctx context.Context) (version int64, payload []byte, ok bool, err error) {
	keys, err := s.store.List(ctx, s.logPrefix)
	if err != nil {
		return -1, nil, false, &Error{Kind: KindObjectStore, Version: -1, Err: err}
	}
	var (
		bestKey string
		best    int64 = -1
		comp    Compression
	)
	for _, key := range keys {
		v, c, isCheckpoint := parseCheckpointKey(key)
		if isCheckpoint && v > best {
			best, bestKey, comp = v, key, c
		}
	}
	if best < 0 {
		return -1, nil, false, nil
	}
	data, err := s.store.Get(ctx, bestKey)
	if err != nil {
		return -1, nil, false, &Error{Kind: KindObjectStore, Version: best, Err: err}
	}
	if comp == CompressionZstd {
		dec, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return -1, nil, false, &Error{Kind: KindGeneric, Version: best, Msg: "create zstd decoder", Err: err}
		}
		defer dec.Close()
		data, err = io.ReadAll(dec)
		if err != nil {
			return -1, nil, false, &Error{Kind: KindGeneric, Version: best, Msg: "decompress checkpoint", Err: err}
		}
	}
	return best, data, true, nil
}
