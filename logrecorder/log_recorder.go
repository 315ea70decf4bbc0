// Package logrecorder sets up the monitor's rotating log file.
package logrecorder

import (
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gopkg.in/natefinch/lumberjack.v2"

	"canmon"
)

// Options controls rotation of the monitor log file.
type Options struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	Console    bool
	Verbose    bool
}

// DefaultOptions rotates at 5 MB keeping 5 old files.
func DefaultOptions(path string) Options {
	return Options{Path: path, MaxSizeMB: 5, MaxBackups: 5, Console: true}
}

// Init builds a logger writing to a size-rotated file, optionally teed to
// stderr. The returned closer flushes and releases the file.
func Init(opts Options) (canmon.Logger, io.Closer, error) {
	if opts.Path == "" {
		return canmon.DefaultLogger(os.Stderr, opts.Verbose), io.NopCloser(nil), nil
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
		return nil, nil, errors.Wrap(err, "create log directory")
	}

	rotator := &lumberjack.Logger{
		Filename:   opts.Path,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
	}
	var out io.Writer = rotator
	if opts.Console {
		out = io.MultiWriter(rotator, os.Stderr)
	}
	return canmon.DefaultLogger(out, opts.Verbose), rotator, nil
}
