package flushmanager

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	pagemanager "github.com/sushant-115/gojokernel/core/write_engine/page_manager"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// TempFilePrefix marks scratch files. They are never logged or recovered and
// are deleted when the file manager starts.
const TempFilePrefix = "_temp"

// FileManager performs block-granular I/O against the files of one database
// directory. Files are opened lazily and kept open until Close.
type FileManager struct {
	dir       string
	blockSize int
	isNew     bool
	mu        sync.Mutex
	openFiles map[string]*os.File
	logger    *zap.Logger
}

// NewFileManager opens the database directory, creating it when absent. A
// missing or empty directory holds a new database.
func NewFileManager(dir string, blockSize int, logger *zap.Logger) (*FileManager, error) {
	if blockSize <= 0 {
		return nil, fmt.Errorf("invalid block size %d", blockSize)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	isNew := false
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		isNew = true
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to stat database directory %s: %w", dir, err)
	} else if entries, err := os.ReadDir(dir); err != nil {
		return nil, fmt.Errorf("failed to list database directory %s: %w", dir, err)
	} else {
		isNew = len(entries) == 0
	}

	fm := &FileManager{
		dir:       dir,
		blockSize: blockSize,
		isNew:     isNew,
		openFiles: make(map[string]*os.File),
		logger:    logger,
	}
	if err := fm.removeTempFiles(); err != nil {
		return nil, err
	}
	logger.Info("file manager initialized",
		zap.String("dir", dir), zap.Int("block_size", blockSize), zap.Bool("new", isNew))
	return fm, nil
}

func (fm *FileManager) removeTempFiles() error {
	entries, err := os.ReadDir(fm.dir)
	if err != nil {
		return fmt.Errorf("failed to list database directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), TempFilePrefix) {
			continue
		}
		if err := os.Remove(filepath.Join(fm.dir, e.Name())); err != nil {
			return fmt.Errorf("failed to remove temp file %s: %w", e.Name(), err)
		}
		fm.logger.Debug("removed temp file", zap.String("file", e.Name()))
	}
	return nil
}

func (fm *FileManager) BlockSize() int { return fm.blockSize }

// IsNew reports whether the database directory was missing or empty.
func (fm *FileManager) IsNew() bool { return fm.isNew }

func (fm *FileManager) Dir() string { return fm.dir }

// Read fills p with the contents of blk. Blocks past the end of the file
// read as zeroes.
func (fm *FileManager) Read(blk pagemanager.BlockID, p *pagemanager.Page) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	f, err := fm.file(blk.FileName)
	if err != nil {
		return err
	}
	if err := p.LoadFrom(f, blk.Number*int64(fm.blockSize)); err != nil {
		return fmt.Errorf("%w: cannot read block %s: %v", ErrIO, blk, err)
	}
	return nil
}

// Write stores p into blk and syncs the file.
func (fm *FileManager) Write(blk pagemanager.BlockID, p *pagemanager.Page) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	f, err := fm.file(blk.FileName)
	if err != nil {
		return err
	}
	return fm.writeLocked(f, blk, p)
}

// Append writes p as a new block at the end of fileName.
func (fm *FileManager) Append(fileName string, p *pagemanager.Page) (pagemanager.BlockID, error) {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	f, err := fm.file(fileName)
	if err != nil {
		return pagemanager.BlockID{}, err
	}
	n, err := fm.sizeLocked(f)
	if err != nil {
		return pagemanager.BlockID{}, err
	}
	blk := pagemanager.NewBlockID(fileName, n)
	if err := fm.writeLocked(f, blk, p); err != nil {
		return pagemanager.BlockID{}, err
	}
	return blk, nil
}

// Size returns the number of blocks in fileName.
func (fm *FileManager) Size(fileName string) (int64, error) {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	f, err := fm.file(fileName)
	if err != nil {
		return 0, err
	}
	return fm.sizeLocked(f)
}

// Close closes every open file.
func (fm *FileManager) Close() error {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	var err error
	for name, f := range fm.openFiles {
		err = multierr.Append(err, f.Close())
		delete(fm.openFiles, name)
	}
	return err
}

func (fm *FileManager) writeLocked(f *os.File, blk pagemanager.BlockID, p *pagemanager.Page) error {
	if err := p.StoreTo(f, blk.Number*int64(fm.blockSize)); err != nil {
		return fmt.Errorf("%w: cannot write block %s: %v", ErrIO, blk, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("%w: cannot sync %s: %v", ErrIO, blk.FileName, err)
	}
	return nil
}

func (fm *FileManager) sizeLocked(f *os.File) (int64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("%w: cannot stat %s: %v", ErrIO, f.Name(), err)
	}
	return info.Size() / int64(fm.blockSize), nil
}

func (fm *FileManager) file(name string) (*os.File, error) {
	if f, ok := fm.openFiles[name]; ok {
		return f, nil
	}
	f, err := os.OpenFile(filepath.Join(fm.dir, name), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot open %s: %v", ErrIO, name, err)
	}
	fm.openFiles[name] = f
	return f, nil
}
