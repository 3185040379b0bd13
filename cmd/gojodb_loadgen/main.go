// Command gojodb_loadgen drives concurrent indexed inserts and point reads
// against a kernel instance and reports throughput and aborts.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sushant-115/gojokernel/config"
	"github.com/sushant-115/gojokernel/core/engine"
	"github.com/sushant-115/gojokernel/core/indexing"
	"github.com/sushant-115/gojokernel/core/transaction"
	"github.com/sushant-115/gojokernel/core/types"
	flushmanager "github.com/sushant-115/gojokernel/core/write_engine/flush_manager"
	"github.com/sushant-115/gojokernel/pkg/logger"
	"github.com/sushant-115/gojokernel/pkg/telemetry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	loadTable = "load"
	loadIndex = "idx_load_id"
	maxTries  = 5
)

var (
	configPath   = flag.String("config", "", "path to a YAML config file")
	dataDir      = flag.String("dir", "", "data directory, overrides the config")
	workers      = flag.Int("workers", 4, "number of concurrent clients")
	opsPerWorker = flag.Int("ops", 1000, "operations per client")
	readRatio    = flag.Float64("read_ratio", 0.5, "fraction of operations that are point reads")
	opsPerSec    = flag.Float64("rate", 0, "overall operation rate limit, 0 for unlimited")
	metricsPort  = flag.Int("metrics_port", 0, "expose Prometheus metrics on this port while running")
)

// stats counts outcomes across workers.
type stats struct {
	inserts atomic.Int64
	reads   atomic.Int64
	misses  atomic.Int64
	retries atomic.Int64
}

type generator struct {
	db      *engine.DB
	runID   string
	limiter *rate.Limiter
	stats   *stats
	logger  *zap.Logger
}

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := cfg.ApplyEnv(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *metricsPort > 0 {
		cfg.Telemetry.Enabled = true
		cfg.Telemetry.PrometheusPort = *metricsPort
	}

	log, err := logger.New(cfg.Logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Error("Load generation failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg config.Config, log *zap.Logger) (err error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tel, shutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		if shutdownErr := shutdown(context.Background()); shutdownErr != nil {
			log.Warn("Telemetry shutdown failed", zap.Error(shutdownErr))
		}
	}()

	db, err := engine.Open(cfg, log, tel)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()
	if err := ensureLoadTable(ctx, db); err != nil {
		return err
	}

	g := &generator{
		db:     db,
		runID:  uuid.NewString()[:8],
		stats:  &stats{},
		logger: logger.Component(log, "loadgen"),
	}
	if *opsPerSec > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(*opsPerSec), *workers)
	}

	g.logger.Info("Starting load", zap.String("run", g.runID), zap.Int("workers", *workers),
		zap.Int("ops_per_worker", *opsPerWorker), zap.Float64("read_ratio", *readRatio))
	start := time.Now()
	runErr := g.run(ctx, *workers, *opsPerWorker)
	elapsed := time.Since(start)

	total := g.stats.inserts.Load() + g.stats.reads.Load()
	g.logger.Info("Load finished",
		zap.String("run", g.runID),
		zap.Duration("elapsed", elapsed),
		zap.Int64("inserts", g.stats.inserts.Load()),
		zap.Int64("reads", g.stats.reads.Load()),
		zap.Int64("read_misses", g.stats.misses.Load()),
		zap.Int64("lock_retries", g.stats.retries.Load()),
		zap.Float64("ops_per_sec", float64(total)/elapsed.Seconds()),
	)
	return runErr
}

func ensureLoadTable(ctx context.Context, db *engine.DB) error {
	return db.Update(ctx, func(tx *transaction.Transaction) error {
		_, err := db.Catalog().TableInfo(loadTable, tx)
		if !errors.Is(err, flushmanager.ErrTableNotFound) {
			return err
		}
		schema := types.NewSchema().
			AddField("id", types.Varchar(24)).
			AddField("worker", types.Integer).
			AddField("seq", types.BigInt)
		if err := db.Catalog().CreateTable(loadTable, schema, tx); err != nil {
			return err
		}
		return db.Catalog().CreateIndex(loadIndex, loadTable, "id", indexing.BTree, tx)
	})
}

func (g *generator) run(ctx context.Context, workers, ops int) error {
	eg, ctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		eg.Go(func() error { return g.worker(ctx, w, ops) })
	}
	return eg.Wait()
}

// worker alternates inserts of fresh keys with reads of keys it wrote.
func (g *generator) worker(ctx context.Context, w, ops int) error {
	written := 0
	for i := 0; i < ops; i++ {
		if g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				return nil
			}
		}
		if ctx.Err() != nil {
			return nil
		}
		// Reads are drawn deterministically so runs are repeatable.
		read := written > 0 && float64(i%100)/100 < *readRatio
		var err error
		if read {
			err = g.retry(ctx, func() error { return g.read(ctx, w, (i*7919)%written) })
		} else {
			err = g.retry(ctx, func() error { return g.insert(ctx, w, written) })
			if err == nil {
				written++
			}
		}
		if err != nil {
			return fmt.Errorf("worker %d op %d: %w", w, i, err)
		}
	}
	return nil
}

func (g *generator) key(w, seq int) string {
	return fmt.Sprintf("%s-%03d-%08d", g.runID, w, seq)
}

func (g *generator) insert(ctx context.Context, w, seq int) error {
	err := g.db.Update(ctx, func(tx *transaction.Transaction) error {
		ti, err := g.db.Catalog().TableInfo(loadTable, tx)
		if err != nil {
			return err
		}
		rf := ti.Open(tx)
		defer rf.Close()
		if err := rf.Insert(); err != nil {
			return err
		}
		key := types.VarcharConstant(g.key(w, seq))
		if err := rf.SetVal("id", key); err != nil {
			return err
		}
		if err := rf.SetVal("worker", types.IntegerConstant(int32(w))); err != nil {
			return err
		}
		if err := rf.SetVal("seq", types.BigIntConstant(int64(seq))); err != nil {
			return err
		}
		idx, err := g.db.OpenIndex(tx, loadTable, "id")
		if err != nil {
			return err
		}
		defer idx.Close()
		return idx.Insert(ctx, key, rf.CurrentRecordID())
	})
	if err == nil {
		g.stats.inserts.Add(1)
	}
	return err
}

func (g *generator) read(ctx context.Context, w, seq int) error {
	err := g.db.View(ctx, func(tx *transaction.Transaction) error {
		idx, err := g.db.OpenIndex(tx, loadTable, "id")
		if err != nil {
			return err
		}
		defer idx.Close()
		rids, err := idx.Search(ctx, types.NewEqualityRange(types.VarcharConstant(g.key(w, seq))), 1)
		if err != nil {
			return err
		}
		if len(rids) == 0 {
			g.stats.misses.Add(1)
		}
		return nil
	})
	if err == nil {
		g.stats.reads.Add(1)
	}
	return err
}

// retry reruns op after a lock abort with a growing pause.
func (g *generator) retry(ctx context.Context, op func() error) error {
	var err error
	for attempt := 0; attempt < maxTries; attempt++ {
		err = op()
		if !errors.Is(err, flushmanager.ErrLockAbort) {
			return err
		}
		g.stats.retries.Add(1)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Duration(attempt+1) * 10 * time.Millisecond):
		}
	}
	return err
}
