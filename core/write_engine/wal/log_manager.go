package wal

import (
	"context"
	"fmt"
	"sync"

	"github.com/sushant-115/gojokernel/core/types"
	flushmanager "github.com/sushant-115/gojokernel/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojokernel/core/write_engine/page_manager"
	internaltelemetry "github.com/sushant-115/gojokernel/internal/telemetry"
	"go.uber.org/zap"
)

// DefaultLogFile is the name of the log file inside the database directory.
const DefaultLogFile = "gojodb.log"

// LSN is a log sequence number: the number of the log block holding a record.
type LSN int64

// NoLSN marks writes that are not protected by any log record.
const NoLSN LSN = -1

// lastPos is the header slot holding the position of the last record's link.
const lastPos = 0

// LogManager appends records to a block-structured log file. Each record
// ends with a link to the previous record's link, so the log can be read
// backward without an index.
type LogManager struct {
	fm       *flushmanager.FileManager
	fileName string

	mu         sync.Mutex
	page       *pagemanager.Page
	currentBlk pagemanager.BlockID
	currentPos int

	logger  *zap.Logger
	metrics *internaltelemetry.KernelMetrics
}

// NewLogManager opens the log file, positioning at the end of its last block.
func NewLogManager(fm *flushmanager.FileManager, fileName string, logger *zap.Logger, metrics *internaltelemetry.KernelMetrics) (*LogManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = internaltelemetry.NoopKernelMetrics()
	}
	if fileName == "" {
		fileName = DefaultLogFile
	}

	lm := &LogManager{
		fm:       fm,
		fileName: fileName,
		page:     pagemanager.NewPage(fm.BlockSize()),
		logger:   logger,
		metrics:  metrics,
	}

	size, err := fm.Size(fileName)
	if err != nil {
		return nil, fmt.Errorf("failed to size log file: %w", err)
	}
	if size == 0 {
		if err := lm.appendNewBlock(); err != nil {
			return nil, err
		}
	} else {
		lm.currentBlk = pagemanager.NewBlockID(fileName, size-1)
		if err := fm.Read(lm.currentBlk, lm.page); err != nil {
			return nil, fmt.Errorf("failed to read last log block: %w", err)
		}
		last, err := lm.page.GetInt(lastPos)
		if err != nil {
			return nil, err
		}
		lm.currentPos = int(last) + pagemanager.IntSize
	}

	logger.Info("log manager initialized",
		zap.String("file", fileName), zap.Int64("current_block", lm.currentBlk.Number))
	return lm, nil
}

// Append writes a record made of vals and returns its LSN. The record is not
// durable until Flush is called with that LSN or a later one.
func (lm *LogManager) Append(vals ...types.Constant) (LSN, error) {
	recSize := pagemanager.IntSize
	for _, v := range vals {
		recSize += v.Size()
	}
	if pagemanager.IntSize+recSize >= lm.fm.BlockSize() {
		return NoLSN, fmt.Errorf("%w: %d bytes", flushmanager.ErrLogRecordTooLarge, recSize)
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()

	if lm.currentPos+recSize >= lm.fm.BlockSize() {
		if err := lm.flushLocked(); err != nil {
			return NoLSN, err
		}
		if err := lm.appendNewBlock(); err != nil {
			return NoLSN, err
		}
	}
	for _, v := range vals {
		if err := lm.page.SetVal(lm.currentPos, v); err != nil {
			return NoLSN, fmt.Errorf("failed to append log value: %w", err)
		}
		lm.currentPos += v.Size()
	}
	if err := lm.finalizeRecord(); err != nil {
		return NoLSN, err
	}

	lm.metrics.LogAppendsCounter.Add(context.Background(), 1)
	return LSN(lm.currentBlk.Number), nil
}

// Flush makes every record up to lsn durable.
func (lm *LogManager) Flush(lsn LSN) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if lsn >= LSN(lm.currentBlk.Number) {
		return lm.flushLocked()
	}
	return nil
}

// CurrentLSN is the LSN the next appended record would receive if it fits
// in the current block.
func (lm *LogManager) CurrentLSN() LSN {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return LSN(lm.currentBlk.Number)
}

// Iterator flushes the log and returns an iterator over its records, most
// recent first.
func (lm *LogManager) Iterator() (*Iterator, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if err := lm.flushLocked(); err != nil {
		return nil, err
	}
	return newIterator(lm.fm, lm.currentBlk)
}

func (lm *LogManager) flushLocked() error {
	if err := lm.fm.Write(lm.currentBlk, lm.page); err != nil {
		return fmt.Errorf("failed to flush log block %d: %w", lm.currentBlk.Number, err)
	}
	lm.metrics.LogFlushesCounter.Add(context.Background(), 1)
	return nil
}

func (lm *LogManager) appendNewBlock() error {
	lm.page.Clear()
	if err := lm.page.SetInt(lastPos, 0); err != nil {
		return err
	}
	lm.currentPos = pagemanager.IntSize
	blk, err := lm.fm.Append(lm.fileName, lm.page)
	if err != nil {
		return fmt.Errorf("failed to append log block: %w", err)
	}
	lm.currentBlk = blk
	lm.logger.Debug("appended log block", zap.Int64("block", blk.Number))
	return nil
}

// finalizeRecord writes the link to the previous record and makes this
// record the last one of the block.
func (lm *LogManager) finalizeRecord() error {
	last, err := lm.page.GetInt(lastPos)
	if err != nil {
		return err
	}
	if err := lm.page.SetInt(lm.currentPos, last); err != nil {
		return err
	}
	if err := lm.page.SetInt(lastPos, int32(lm.currentPos)); err != nil {
		return err
	}
	lm.currentPos += pagemanager.IntSize
	return nil
}
