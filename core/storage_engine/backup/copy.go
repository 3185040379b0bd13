// Package backup copies kernel data files to another directory with a
// bounded throughput and a checksum of every copied file.
package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/time/rate"
)

// chunkSize: size of each read/write chunk
const chunkSize = 1024 * 1024 // 1 MiB

var bufPool = sync.Pool{
	New: func() interface{} { return make([]byte, chunkSize) },
}

// File describes one copied file.
type File struct {
	Name   string `yaml:"name"`
	Bytes  int64  `yaml:"bytes"`
	SHA256 string `yaml:"sha256"`
}

// NewLimiter returns a limiter for rateBytesPerSec, or nil for unlimited.
func NewLimiter(rateBytesPerSec int64) *rate.Limiter {
	if rateBytesPerSec <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(rateBytesPerSec), chunkSize) // burst = chunkSize
}

// CopyDir copies every regular file of srcDir into dstDir, which must not
// exist yet. Files are copied in name order.
func CopyDir(ctx context.Context, srcDir, dstDir string, limiter *rate.Limiter) ([]File, error) {
	if _, err := os.Stat(dstDir); err == nil {
		return nil, fmt.Errorf("backup target %s already exists", dstDir)
	}
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}
	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return nil, fmt.Errorf("read data dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var files []File
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		f, err := CopyThrottled(ctx, filepath.Join(srcDir, e.Name()), filepath.Join(dstDir, e.Name()), limiter)
		if err != nil {
			return files, err
		}
		files = append(files, f)
	}
	return files, nil
}

// CopyThrottled copies srcPath to dstPath, waiting on limiter for every
// chunk, and returns the size and SHA-256 of the copied bytes.
func CopyThrottled(ctx context.Context, srcPath, dstPath string, limiter *rate.Limiter) (File, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return File{}, fmt.Errorf("open src: %w", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return File{}, fmt.Errorf("open dst: %w", err)
	}
	defer dst.Close()

	var (
		readOff int64
		sum     = sha256.New()
	)
	for {
		buf := bufPool.Get().([]byte)
		n, rerr := src.ReadAt(buf[:chunkSize], readOff)
		if n > 0 {
			// throttle: wait until enough tokens available for n bytes
			if limiter != nil {
				if err := limiter.WaitN(ctx, n); err != nil {
					bufPool.Put(buf)
					return File{}, fmt.Errorf("rate limiter error: %w", err)
				}
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				bufPool.Put(buf)
				return File{}, fmt.Errorf("write error: %w", werr)
			}
			sum.Write(buf[:n])
			readOff += int64(n)
		}
		bufPool.Put(buf)

		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			return File{}, fmt.Errorf("read error: %w", rerr)
		}
	}

	if err := dst.Sync(); err != nil {
		return File{}, fmt.Errorf("sync error: %w", err)
	}
	return File{Name: filepath.Base(srcPath), Bytes: readOff, SHA256: hex.EncodeToString(sum.Sum(nil))}, nil
}

// Verify recomputes the checksum of every file in dir against files.
func Verify(dir string, files []File) error {
	for _, f := range files {
		h := sha256.New()
		in, err := os.Open(filepath.Join(dir, f.Name))
		if err != nil {
			return err
		}
		_, err = io.Copy(h, in)
		in.Close()
		if err != nil {
			return err
		}
		if got := hex.EncodeToString(h.Sum(nil)); got != f.SHA256 {
			return fmt.Errorf("backup file %s: checksum %s, want %s", f.Name, got, f.SHA256)
		}
	}
	return nil
}
