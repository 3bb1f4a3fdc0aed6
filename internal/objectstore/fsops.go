package objectstore

import (
	"io/fs"
	"os"
	"path/filepath"
)

var (
	mkdirAllOp   = os.MkdirAll
	createTempOp = os.CreateTemp
	linkOp       = os.Link
	removeOp     = os.Remove
	readFileOp   = os.ReadFile
	walkDirOp    = filepath.WalkDir
	syncOp       = func(f *os.File) error { return f.Sync() }
	writeOp      = func(f *os.File, b []byte) (int, error) { return f.Write(b) }
	statOp       = func(path string) (fs.FileInfo, error) { return os.Stat(path) }
)
