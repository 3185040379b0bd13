package transaction

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/sushant-115/gojokernel/core/transaction/concurrency"
	"github.com/sushant-115/gojokernel/core/transaction/recovery"
	"github.com/sushant-115/gojokernel/core/write_engine/buffer"
	flushmanager "github.com/sushant-115/gojokernel/core/write_engine/flush_manager"
	"github.com/sushant-115/gojokernel/core/write_engine/wal"
	internaltelemetry "github.com/sushant-115/gojokernel/internal/telemetry"
	"go.uber.org/zap"
)

// StartListener is called for every new transaction before it is returned
// to the caller.
type StartListener interface {
	OnTxStart(tx *Transaction)
}

// StartListenerFunc adapts a function to StartListener.
type StartListenerFunc func(tx *Transaction)

func (f StartListenerFunc) OnTxStart(tx *Transaction) { f(tx) }

// Manager creates transactions and hands out their numbers.
type Manager struct {
	fm    *flushmanager.FileManager
	lm    *wal.LogManager
	bufs  *buffer.Manager
	locks *concurrency.LockTable

	mu             sync.Mutex
	nextTxNum      int64
	active         map[int64]*Transaction
	startListeners []StartListener

	logger  *zap.Logger
	metrics *internaltelemetry.KernelMetrics
}

func NewManager(fm *flushmanager.FileManager, lm *wal.LogManager, bufs *buffer.Manager, locks *concurrency.LockTable,
	logger *zap.Logger, metrics *internaltelemetry.KernelMetrics) *Manager {
	if fm == nil || lm == nil || bufs == nil || locks == nil {
		panic("transaction.NewManager: file, log, buffer and lock managers are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = internaltelemetry.NoopKernelMetrics()
	}
	return &Manager{
		fm:      fm,
		lm:      lm,
		bufs:    bufs,
		locks:   locks,
		active:  make(map[int64]*Transaction),
		logger:  logger,
		metrics: metrics,
	}
}

func (m *Manager) AddStartListener(l StartListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startListeners = append(m.startListeners, l)
}

// Begin starts a transaction. Its listeners run in the order recovery,
// concurrency, start listeners.
func (m *Manager) Begin(isolation IsolationLevel, readOnly bool) (*Transaction, error) {
	m.mu.Lock()
	num := m.nextTxNum
	m.nextTxNum++
	startListeners := m.startListeners
	m.mu.Unlock()

	txLogger := m.logger.With(zap.Int64("tx", num))
	cm, err := concurrency.New(isolation, num, m.locks)
	if err != nil {
		return nil, err
	}
	rm, err := recovery.New(num, m.lm, m.bufs, txLogger)
	if err != nil {
		return nil, fmt.Errorf("failed to begin tx %d: %w", num, err)
	}

	tx := &Transaction{
		num:         num,
		isolation:   isolation,
		readOnly:    readOnly,
		concurMgr:   cm,
		recoveryMgr: rm,
		bufs:        m.bufs,
		fm:          m.fm,
		state:       TxnStateRunning,
		logger:      txLogger,
		metrics:     m.metrics,
	}
	tx.AddLifecycleListener(rm)
	tx.AddLifecycleListener(cm)
	for _, l := range startListeners {
		l.OnTxStart(tx)
	}
	tx.AddLifecycleListener(activeTracker{m})

	m.mu.Lock()
	m.active[num] = tx
	m.mu.Unlock()

	m.metrics.TxStartedCounter.Add(context.Background(), 1)
	txLogger.Debug("transaction started",
		zap.Stringer("isolation", isolation), zap.Bool("read_only", readOnly))
	return tx, nil
}

// ActiveCount is the number of transactions that have neither committed nor
// rolled back.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

func (m *Manager) forget(txNum int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, txNum)
}

// activeTracker removes a finished transaction from the active set.
type activeTracker struct{ m *Manager }

func (a activeTracker) OnTxCommit(txNum int64) error   { a.m.forget(txNum); return nil }
func (a activeTracker) OnTxRollback(txNum int64) error { a.m.forget(txNum); return nil }
func (a activeTracker) OnTxEndStatement(int64) error   { return nil }

func isTempFile(fileName string) bool {
	return strings.HasPrefix(fileName, flushmanager.TempFilePrefix)
}
