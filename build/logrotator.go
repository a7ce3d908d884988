// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package build

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/jrick/logrotate/rotator"
	"github.com/klauspost/compress/zstd"
)

const (
	// Gzip compresses rolled log files with gzip.
	Gzip = "gzip"

	// Zstd compresses rolled log files with zstd.
	Zstd = "zstd"
)

// logCompressors maps a compressor to the suffix of its rolled files.
var logCompressors = map[string]string{
	Gzip: "gz",
	Zstd: "zst",
}

// SupportedLogCompressor reports whether name is a known compressor.
func SupportedLogCompressor(name string) bool {
	_, ok := logCompressors[name]
	return ok
}

// RotatingLogWriter writes to a log file that is rolled once it grows past
// a size threshold. It also mirrors everything to stdout.
type RotatingLogWriter struct {
	rotator *rotator.Rotator
	pipe    *io.PipeWriter
}

// NewRotatingLogWriter creates a writer that only writes to stdout until
// InitLogRotator is called.
func NewRotatingLogWriter() *RotatingLogWriter {
	return &RotatingLogWriter{}
}

// InitLogRotator starts rotating logFile. Rolled files are compressed with
// compressor and at most maxFiles of them are kept. maxSizeMB is the size at
// which the file is rolled. Close must be called on shutdown.
func (r *RotatingLogWriter) InitLogRotator(logFile, compressor string,
	maxSizeMB, maxFiles int) error {

	if !SupportedLogCompressor(compressor) {
		return fmt.Errorf("unknown log compressor: %v", compressor)
	}

	logDir, _ := filepath.Split(logFile)
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	var err error
	r.rotator, err = rotator.New(
		logFile, int64(maxSizeMB*1024), false, maxFiles,
	)
	if err != nil {
		return fmt.Errorf("failed to create file rotator: %w", err)
	}

	var c rotator.Compressor
	switch compressor {
	case Gzip:
		c = gzip.NewWriter(nil)

	case Zstd:
		c, err = zstd.NewWriter(nil)
		if err != nil {
			return fmt.Errorf("failed to create zstd compressor: %w",
				err)
		}
	}
	r.rotator.SetCompressor(c, logCompressors[compressor])

	// The rotator reads from the pipe until it is closed. Errors during
	// rotation, such as a full disk, only stop the file output.
	pr, pw := io.Pipe()
	go func() {
		if err := r.rotator.Run(pr); err != nil {
			_, _ = fmt.Fprintf(os.Stderr,
				"failed to run file rotator: %v\n", err)
		}
	}()
	r.pipe = pw

	return nil
}

// Write writes b to stdout and, once initialized, to the log file.
func (r *RotatingLogWriter) Write(b []byte) (int, error) {
	_, _ = os.Stdout.Write(b)

	if r.rotator != nil {
		return r.rotator.Write(b)
	}

	return len(b), nil
}

// Close flushes and closes the log file.
func (r *RotatingLogWriter) Close() error {
	if r.pipe != nil {
		_ = r.pipe.Close()
	}

	if r.rotator != nil {
		return r.rotator.Close()
	}

	return nil
}
