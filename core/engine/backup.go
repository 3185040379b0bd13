package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sushant-115/gojokernel/core/storage_engine/backup"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ManifestFile is written into every backup directory.
const ManifestFile = "BACKUP.yaml"

// Manifest lists the files of a backup and where it came from.
type Manifest struct {
	Instance  string        `yaml:"instance"`
	CreatedAt time.Time     `yaml:"created_at"`
	BlockSize int           `yaml:"block_size"`
	Files     []backup.File `yaml:"files"`
}

// Backup checkpoints the database and copies its files into dstDir, at most
// rateBytesPerSec bytes per second when positive. New transactions wait
// until the copy is done. A backup directory can be opened as a DataDir.
func (db *DB) Backup(ctx context.Context, dstDir string, rateBytesPerSec int64) (*Manifest, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, fmt.Errorf("kernel is closed")
	}
	if err := db.checkpointLocked(); err != nil {
		return nil, err
	}

	start := time.Now()
	files, err := backup.CopyDir(ctx, db.fm.Dir(), dstDir, backup.NewLimiter(rateBytesPerSec))
	if err != nil {
		return nil, fmt.Errorf("backup to %s: %w", dstDir, err)
	}
	m := &Manifest{
		Instance:  db.id.String(),
		CreatedAt: start.UTC(),
		BlockSize: db.cfg.BlockSize,
		Files:     files,
	}
	out, err := yaml.Marshal(m)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dstDir, ManifestFile), out, 0o644); err != nil {
		return nil, err
	}
	db.logger.Info("Backup written", zap.String("dir", dstDir), zap.Int("files", len(files)),
		zap.Duration("took", time.Since(start)))
	return m, nil
}

// VerifyBackup checks every file of the backup in dir against its manifest.
func VerifyBackup(dir string) (*Manifest, error) {
	raw, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse backup manifest: %w", err)
	}
	return &m, backup.Verify(dir, m.Files)
}
