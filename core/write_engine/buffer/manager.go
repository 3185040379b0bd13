package buffer

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	flushmanager "github.com/sushant-115/gojokernel/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojokernel/core/write_engine/page_manager"
	"github.com/sushant-115/gojokernel/core/write_engine/wal"
	internaltelemetry "github.com/sushant-115/gojokernel/internal/telemetry"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const DefaultPoolSize = 1024

// Config bounds how long a pin may wait for a free frame.
type Config struct {
	PoolSize int
	// MaxWait is how long a caller queues for a frame before releasing its
	// own frames.
	MaxWait time.Duration
	// WaitEpsilon is subtracted from MaxWait when deciding a wait is over.
	WaitEpsilon time.Duration
	// MaxEscapes is how many times a single pin may release and re-pin the
	// caller's frames before giving up.
	MaxEscapes int
}

func DefaultConfig() Config {
	return Config{
		PoolSize:    DefaultPoolSize,
		MaxWait:     10 * time.Second,
		WaitEpsilon: 50 * time.Millisecond,
		MaxEscapes:  1,
	}
}

// pinState is the position of a pin request in its wait state machine.
type pinState int

const (
	// pinWaiting tries the pool and joins the waiter queue when it is full.
	pinWaiting pinState = iota
	// pinRetrying sleeps until signalled and retries when at the queue head.
	pinRetrying
	// pinEscaped releases and re-pins every frame of the transaction.
	pinEscaped
)

func (s pinState) String() string {
	switch s {
	case pinWaiting:
		return "waiting"
	case pinRetrying:
		return "retrying"
	default:
		return "escaped"
	}
}

// Manager is the blocking front of the buffer pool. It tracks the frames each
// transaction holds and unpins them when the transaction ends.
type Manager struct {
	pool *pool
	cfg  Config

	mu      sync.Mutex
	pinned  map[int64][]*Buffer
	waiters *list.List
	signal  chan struct{}

	waitWarning rate.Sometimes
	logger      *zap.Logger
	metrics     *internaltelemetry.KernelMetrics
}

// NewManager builds a pool of cfg.PoolSize frames.
func NewManager(fm *flushmanager.FileManager, lm *wal.LogManager, cfg Config, logger *zap.Logger, metrics *internaltelemetry.KernelMetrics) *Manager {
	if fm == nil || lm == nil {
		panic("buffer.NewManager: file and log managers are required")
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = internaltelemetry.NoopKernelMetrics()
	}
	logger.Info("buffer manager initialized",
		zap.Int("pool_size", cfg.PoolSize), zap.Duration("max_wait", cfg.MaxWait))
	return &Manager{
		pool:        newPool(cfg.PoolSize, fm, lm),
		cfg:         cfg,
		pinned:      make(map[int64][]*Buffer),
		waiters:     list.New(),
		signal:      make(chan struct{}),
		waitWarning: rate.Sometimes{Interval: 10 * time.Second},
		logger:      logger,
		metrics:     metrics,
	}
}

// Pin pins blk on behalf of txNum, waiting for a free frame when needed.
func (m *Manager) Pin(blk pagemanager.BlockID, txNum int64) (*Buffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pinFor(txNum, func() (*Buffer, error) { return m.pool.pin(blk) })
}

// PinNew appends a block formatted by fmtr to fileName and pins it.
func (m *Manager) PinNew(fileName string, fmtr PageFormatter, txNum int64) (*Buffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pinFor(txNum, func() (*Buffer, error) { return m.pool.pinNew(fileName, fmtr) })
}

// Unpin releases frames pinned by txNum. Frames the transaction does not
// hold are ignored.
func (m *Manager) Unpin(txNum int64, bufs ...*Buffer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	freed := false
	for _, buf := range bufs {
		held := m.pinned[txNum]
		idx := slices.Index(held, buf)
		if idx < 0 {
			continue
		}
		m.pinned[txNum] = slices.Delete(held, idx, idx+1)
		m.pool.unpin(buf)
		if !buf.IsPinned() {
			freed = true
		}
	}
	if len(m.pinned[txNum]) == 0 {
		delete(m.pinned, txNum)
	}
	if freed {
		m.broadcast()
	}
}

// UnpinAll releases every frame held by txNum.
func (m *Manager) UnpinAll(txNum int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	held := m.pinned[txNum]
	delete(m.pinned, txNum)
	if len(held) == 0 {
		return
	}
	m.pool.unpin(held...)
	m.broadcast()
}

// FlushAll writes every frame dirtied by txNum.
func (m *Manager) FlushAll(txNum int64) error {
	return m.pool.flushAll(txNum)
}

// FlushDirty writes every dirty frame regardless of the writer.
func (m *Manager) FlushDirty() error {
	return m.pool.flushDirty()
}

// Available is the number of unpinned frames.
func (m *Manager) Available() int {
	return m.pool.available()
}

// PinnedBy is the number of pins txNum currently holds.
func (m *Manager) PinnedBy(txNum int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pinned[txNum])
}

func (m *Manager) OnTxCommit(txNum int64) error {
	m.UnpinAll(txNum)
	return nil
}

func (m *Manager) OnTxRollback(txNum int64) error {
	m.UnpinAll(txNum)
	return nil
}

func (m *Manager) OnTxEndStatement(int64) error { return nil }

func (m *Manager) pinFor(txNum int64, try func() (*Buffer, error)) (*Buffer, error) {
	// waiting cannot help a tx that already holds the whole pool
	if held := len(m.pinned[txNum]); held >= m.pool.size() {
		return nil, fmt.Errorf("%w: tx %d holds %d pins", flushmanager.ErrBufferExhausted, txNum, held)
	}
	buf, err := m.acquire(txNum, try, true)
	if err != nil {
		if errors.Is(err, flushmanager.ErrBufferAbort) {
			m.metrics.BufferAbortsCounter.Add(context.Background(), 1)
		}
		return nil, err
	}
	m.pinned[txNum] = append(m.pinned[txNum], buf)
	m.metrics.BufferPinsCounter.Add(context.Background(), 1)
	return buf, nil
}

// acquire drives one pin request through Waiting, Retrying and Escaped.
// m.mu is held on entry and on return.
func (m *Manager) acquire(txNum int64, try func() (*Buffer, error), canEscape bool) (*Buffer, error) {
	var (
		state    = pinWaiting
		escapes  int
		waiter   *list.Element
		deadline time.Time
	)
	for {
		switch state {
		case pinWaiting:
			buf, err := try()
			if err != nil || buf != nil {
				return buf, err
			}
			m.metrics.BufferWaitsCounter.Add(context.Background(), 1)
			m.waitWarning.Do(func() {
				m.logger.Warn("buffer pool exhausted, waiting for a free frame",
					zap.Int64("tx", txNum), zap.Int("pool_size", m.pool.size()))
			})
			waiter = m.waiters.PushBack(txNum)
			// stop a little early so the abort lands inside MaxWait
			deadline = time.Now().Add(m.cfg.MaxWait - m.cfg.WaitEpsilon)
			state = pinRetrying

		case pinRetrying:
			if !m.await(deadline) {
				m.leaveQueue(waiter)
				if !canEscape {
					return nil, fmt.Errorf("%w: tx %d", flushmanager.ErrBufferAbort, txNum)
				}
				state = pinEscaped
				m.logger.Debug("pin wait timed out", zap.Int64("tx", txNum), zap.Stringer("next", state))
				continue
			}
			// only the oldest waiter may take a frame
			if m.waiters.Front() != waiter {
				continue
			}
			buf, err := try()
			if err != nil || buf != nil {
				m.leaveQueue(waiter)
				return buf, err
			}

		case pinEscaped:
			// give back our own frames, then queue again at the back
			escapes++
			if escapes > m.cfg.MaxEscapes {
				return nil, fmt.Errorf("%w: tx %d after %d escapes", flushmanager.ErrBufferAbort, txNum, escapes-1)
			}
			m.metrics.BufferEscapesCounter.Add(context.Background(), 1)
			if err := m.repinAll(txNum); err != nil {
				return nil, err
			}
			state = pinWaiting
		}
	}
}

// repinAll releases every frame of txNum so that other waiters can make
// progress, then pins the same blocks again one at a time.
func (m *Manager) repinAll(txNum int64) error {
	held := m.pinned[txNum]
	delete(m.pinned, txNum)
	if len(held) == 0 {
		return nil
	}

	blocks := make([]pagemanager.BlockID, len(held))
	for i, buf := range held {
		blocks[i] = buf.Block()
	}
	m.pool.unpin(held...)
	m.broadcast()
	m.logger.Warn("released frames to break a buffer convoy",
		zap.Int64("tx", txNum), zap.Int("frames", len(held)))

	// let the waiters we unblocked run before competing with them
	m.await(time.Now().Add(m.cfg.MaxWait))

	moved := false
	for i, blk := range blocks {
		prev := held[i]
		buf, err := m.acquire(txNum, func() (*Buffer, error) { return m.pool.repin(prev, blk) }, false)
		if err != nil {
			return err
		}
		m.pinned[txNum] = append(m.pinned[txNum], buf)
		if buf != prev {
			moved = true
		}
	}
	if moved {
		return fmt.Errorf("%w: tx %d lost a frame while re-pinning", flushmanager.ErrBufferAbort, txNum)
	}
	return nil
}

// await releases m.mu until the next broadcast or the deadline. It reports
// false without waiting when the deadline has already passed.
func (m *Manager) await(deadline time.Time) bool {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return false
	}
	signal := m.signal
	m.mu.Unlock()

	timer := time.NewTimer(remaining)
	select {
	case <-signal:
	case <-timer.C:
	}
	timer.Stop()

	m.mu.Lock()
	return true
}

func (m *Manager) leaveQueue(waiter *list.Element) {
	m.waiters.Remove(waiter)
	m.broadcast()
}

// broadcast wakes every waiter. Must be called with m.mu held.
func (m *Manager) broadcast() {
	close(m.signal)
	m.signal = make(chan struct{})
}
