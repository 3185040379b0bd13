// Package concurrency implements multi-granularity locking and the two
// isolation protocols built on it.
package concurrency

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	flushmanager "github.com/sushant-115/gojokernel/core/write_engine/flush_manager"
	internaltelemetry "github.com/sushant-115/gojokernel/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// LockMode is one of the five multi-granularity lock modes.
type LockMode int

const (
	LockIS LockMode = iota
	LockIX
	LockS
	LockSIX
	LockX
)

func (m LockMode) String() string {
	switch m {
	case LockIS:
		return "IS"
	case LockIX:
		return "IX"
	case LockS:
		return "S"
	case LockSIX:
		return "SIX"
	case LockX:
		return "X"
	}
	return fmt.Sprintf("LockMode(%d)", int(m))
}

const noHolder int64 = -1 // tx numbers start at 0

// lockers records the holders of one lockable object. IS and IX holders are
// recorded once per request.
type lockers struct {
	sLockers  []int64
	ixLockers []int64
	isLockers []int64
	sixLocker int64 // SIX and X have at most one holder
	xLocker   int64

	// released is closed and replaced whenever a holder leaves.
	released chan struct{}
}

func newLockers() *lockers {
	return &lockers{sixLocker: noHolder, xLocker: noHolder, released: make(chan struct{})}
}

func (l *lockers) isEmpty() bool {
	return len(l.sLockers) == 0 && len(l.ixLockers) == 0 && len(l.isLockers) == 0 &&
		l.sixLocker == noHolder && l.xLocker == noHolder
}

func othersIn(holders []int64, txNum int64) bool {
	return slices.ContainsFunc(holders, func(h int64) bool { return h != txNum })
}

func otherHolder(holder, txNum int64) bool {
	return holder != noHolder && holder != txNum
}

// compatible reports whether txNum may take mode given every other holder.
// A transaction never conflicts with its own locks.
func (l *lockers) compatible(txNum int64, mode LockMode) bool {
	otherS := othersIn(l.sLockers, txNum)
	otherIX := othersIn(l.ixLockers, txNum)
	otherIS := othersIn(l.isLockers, txNum)
	otherSIX := otherHolder(l.sixLocker, txNum)
	otherX := otherHolder(l.xLocker, txNum)

	// standard multi-granularity matrix, checked against other holders only
	switch mode {
	case LockIS:
		return !otherX
	case LockIX:
		return !otherS && !otherSIX && !otherX
	case LockS:
		return !otherIX && !otherSIX && !otherX
	case LockSIX:
		return !otherIX && !otherS && !otherSIX && !otherX
	default: // X
		return !otherS && !otherIX && !otherIS && !otherSIX && !otherX
	}
}

func (l *lockers) holds(txNum int64, mode LockMode) bool {
	switch mode {
	case LockIS:
		return slices.Contains(l.isLockers, txNum)
	case LockIX:
		return slices.Contains(l.ixLockers, txNum)
	case LockS:
		return slices.Contains(l.sLockers, txNum)
	case LockSIX:
		return l.sixLocker == txNum
	default:
		return l.xLocker == txNum
	}
}

func (l *lockers) grant(txNum int64, mode LockMode) {
	switch mode {
	case LockIS:
		l.isLockers = append(l.isLockers, txNum)
	case LockIX:
		l.ixLockers = append(l.ixLockers, txNum)
	case LockS:
		l.sLockers = append(l.sLockers, txNum)
	case LockSIX:
		l.sixLocker = txNum
	default:
		l.xLocker = txNum
	}
}

// release removes one grant of mode, or every grant when all is set. It
// reports whether anything was removed.
func (l *lockers) release(txNum int64, mode LockMode, all bool) bool {
	removeFrom := func(holders []int64) ([]int64, bool) {
		if all {
			n := len(holders)
			holders = slices.DeleteFunc(holders, func(h int64) bool { return h == txNum })
			return holders, len(holders) != n
		}
		if idx := slices.Index(holders, txNum); idx >= 0 {
			return slices.Delete(holders, idx, idx+1), true
		}
		return holders, false
	}

	var changed bool
	switch mode {
	// SIX and X are single grants, so all makes no difference for them
	case LockIS:
		l.isLockers, changed = removeFrom(l.isLockers)
	case LockIX:
		l.ixLockers, changed = removeFrom(l.ixLockers)
	case LockS:
		l.sLockers, changed = removeFrom(l.sLockers)
	case LockSIX:
		if changed = l.sixLocker == txNum; changed {
			l.sixLocker = noHolder
		}
	default:
		if changed = l.xLocker == txNum; changed {
			l.xLocker = noHolder
		}
	}
	return changed
}

func (l *lockers) notify() {
	close(l.released)
	l.released = make(chan struct{})
}

// LockTableConfig bounds lock waits.
type LockTableConfig struct {
	MaxWait     time.Duration
	WaitEpsilon time.Duration
}

func DefaultLockTableConfig() LockTableConfig {
	return LockTableConfig{MaxWait: 10 * time.Second, WaitEpsilon: 50 * time.Millisecond}
}

// LockTable grants locks on arbitrary comparable objects: file names,
// block ids and record ids.
type LockTable struct {
	cfg LockTableConfig

	mu    sync.Mutex
	locks map[any]*lockers
	held  map[int64]map[any]struct{}

	logger  *zap.Logger
	metrics *internaltelemetry.KernelMetrics
}

func NewLockTable(cfg LockTableConfig, logger *zap.Logger, metrics *internaltelemetry.KernelMetrics) *LockTable {
	if cfg.MaxWait <= 0 {
		cfg = DefaultLockTableConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = internaltelemetry.NoopKernelMetrics()
	}
	return &LockTable{
		cfg:     cfg,
		locks:   make(map[any]*lockers),
		held:    make(map[int64]map[any]struct{}),
		logger:  logger,
		metrics: metrics,
	}
}

func (lt *LockTable) SLock(obj any, txNum int64) error   { return lt.acquire(obj, txNum, LockS) }
func (lt *LockTable) XLock(obj any, txNum int64) error   { return lt.acquire(obj, txNum, LockX) }
func (lt *LockTable) SIXLock(obj any, txNum int64) error { return lt.acquire(obj, txNum, LockSIX) }
func (lt *LockTable) ISLock(obj any, txNum int64) error  { return lt.acquire(obj, txNum, LockIS) }
func (lt *LockTable) IXLock(obj any, txNum int64) error  { return lt.acquire(obj, txNum, LockIX) }

// Release gives up one grant of mode on obj.
func (lt *LockTable) Release(obj any, txNum int64, mode LockMode) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	lks, ok := lt.locks[obj]
	if !ok {
		return
	}
	if lks.release(txNum, mode, false) {
		lt.afterRelease(obj, lks)
	}
}

// ReleaseAll drops the locks of txNum. With sharedOnly only S and IS locks
// are dropped.
func (lt *LockTable) ReleaseAll(txNum int64, sharedOnly bool) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	// sharedOnly is the end-of-statement release under repeatable read
	modes := []LockMode{LockS, LockIS}
	if !sharedOnly {
		modes = append(modes, LockX, LockSIX, LockIX)
	}
	for obj := range lt.held[txNum] {
		lks, ok := lt.locks[obj]
		if !ok {
			delete(lt.held[txNum], obj)
			continue
		}
		changed := false
		for _, mode := range modes {
			if lks.release(txNum, mode, true) {
				changed = true
			}
		}
		if changed {
			lt.afterRelease(obj, lks)
		}
	}
	// after a shared-only release held still lists objects whose shared
	// grants are gone; the final release skips them through lt.locks
	if !sharedOnly {
		delete(lt.held, txNum)
	}
}

// Holds reports whether txNum holds mode on obj.
func (lt *LockTable) Holds(obj any, txNum int64, mode LockMode) bool {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	lks, ok := lt.locks[obj]
	return ok && lks.holds(txNum, mode)
}

// Size is the number of objects with at least one holder.
func (lt *LockTable) Size() int {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	return len(lt.locks)
}

func (lt *LockTable) acquire(obj any, txNum int64, mode LockMode) error {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	lks := lt.lockersFor(obj)
	// IS and IX are counted per request, the others are idempotent
	if (mode == LockS || mode == LockSIX || mode == LockX) && lks.holds(txNum, mode) {
		return nil
	}

	start := time.Now()
	// stop a little early so the abort lands inside MaxWait
	deadline := start.Add(lt.cfg.MaxWait - lt.cfg.WaitEpsilon)
	waited := false
	for !lks.compatible(txNum, mode) {
		if !waited {
			waited = true
			lt.metrics.LockWaitsCounter.Add(context.Background(), 1,
				metric.WithAttributes(attribute.String("mode", mode.String())))
		}
		if !lt.await(lks, deadline) {
			if lks.isEmpty() {
				delete(lt.locks, obj)
			}
			lt.metrics.LockAbortsCounter.Add(context.Background(), 1,
				metric.WithAttributes(attribute.String("mode", mode.String())))
			lt.logger.Warn("lock wait timed out",
				zap.Int64("tx", txNum), zap.Stringer("mode", mode), zap.Any("object", obj))
			return fmt.Errorf("%w: tx %d waiting for %s on %v", flushmanager.ErrLockAbort, txNum, mode, obj)
		}
		// the entry may have been evicted and recreated while waiting
		lks = lt.lockersFor(obj)
	}

	lks.grant(txNum, mode)
	objs, ok := lt.held[txNum]
	if !ok {
		objs = make(map[any]struct{})
		lt.held[txNum] = objs
	}
	objs[obj] = struct{}{}

	if waited {
		lt.metrics.LockWaitHistogram.Record(context.Background(), time.Since(start).Milliseconds(),
			metric.WithAttributes(attribute.String("mode", mode.String())))
	}
	return nil
}

// await releases the table mutex until a holder of lks leaves or the
// deadline passes. It reports false when the deadline had already passed.
func (lt *LockTable) await(lks *lockers, deadline time.Time) bool {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return false
	}
	released := lks.released
	lt.mu.Unlock()

	timer := time.NewTimer(remaining)
	select {
	case <-released:
	case <-timer.C:
	}
	timer.Stop()

	lt.mu.Lock()
	return true
}

func (lt *LockTable) lockersFor(obj any) *lockers {
	lks, ok := lt.locks[obj]
	if !ok {
		lks = newLockers()
		lt.locks[obj] = lks
	}
	return lks
}

func (lt *LockTable) afterRelease(obj any, lks *lockers) {
	// waiters re-fetch their entry, so an empty one can go
	lks.notify()
	if lks.isEmpty() {
		delete(lt.locks, obj)
	}
}
