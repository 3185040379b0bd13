package main

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sushant-115/gojokernel/config"
	"github.com/sushant-115/gojokernel/core/engine"
	flushmanager "github.com/sushant-115/gojokernel/core/write_engine/flush_manager"
	"github.com/stretchr/testify/require"
)

func setupShell(t *testing.T, dir string) *shell {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = dir
	cfg.BlockSize = 1024
	cfg.Buffer.PoolSize = 32
	cfg.Lock.MaxWait = 500 * time.Millisecond
	db, err := engine.Open(cfg, nil, nil)
	require.NoError(t, err)
	store, err := openStore(context.Background(), db)
	require.NoError(t, err)
	return &shell{db: db, store: store}
}

func TestKVStore_PutGetDelete(t *testing.T) {
	s := setupShell(t, t.TempDir())
	defer func() { require.NoError(t, s.db.Close()) }()
	ctx := context.Background()

	require.NoError(t, s.store.Put(ctx, "alpha", "1"))
	require.NoError(t, s.store.Put(ctx, "beta", "2"))
	require.NoError(t, s.store.Put(ctx, "alpha", "one"))

	v, found, err := s.store.Get(ctx, "alpha")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "one", v)

	found, err = s.store.Delete(ctx, "beta")
	require.NoError(t, err)
	require.True(t, found)
	_, found, err = s.store.Get(ctx, "beta")
	require.NoError(t, err)
	require.False(t, found)

	found, err = s.store.Delete(ctx, "gamma")
	require.NoError(t, err)
	require.False(t, found)

	err = s.store.Put(ctx, "long", strings.Repeat("v", maxValueLen*4+1))
	require.ErrorIs(t, err, flushmanager.ErrSchemaIncompatible)
}

func TestKVStore_ScanAndReopen(t *testing.T) {
	dir := t.TempDir()
	s := setupShell(t, dir)
	ctx := context.Background()
	for _, k := range []string{"d", "a", "c", "b", "e"} {
		require.NoError(t, s.store.Put(ctx, k, strings.ToUpper(k)))
	}
	require.NoError(t, s.db.Close())

	s = setupShell(t, dir)
	defer func() { require.NoError(t, s.db.Close()) }()
	pairs, err := s.store.Scan(ctx, "b", "d", 0)
	require.NoError(t, err)
	require.Equal(t, []pair{{"b", "B"}, {"c", "C"}, {"d", "D"}}, pairs)

	pairs, err = s.store.Scan(ctx, "", "", 2)
	require.NoError(t, err)
	require.Equal(t, []pair{{"a", "A"}, {"b", "B"}}, pairs)
}

func TestShell_ProcessCommand(t *testing.T) {
	s := setupShell(t, t.TempDir())
	defer func() { require.NoError(t, s.db.Close()) }()
	ctx := context.Background()

	require.Equal(t, "OK", s.processCommand(ctx, []string{"put", "k", "hello", "world"}).Status)
	require.Equal(t, Response{Status: "OK", Message: "hello world"}, s.processCommand(ctx, []string{"get", "k"}))
	require.Equal(t, "NOT_FOUND", s.processCommand(ctx, []string{"get", "missing"}).Status)
	require.Equal(t, "ERROR", s.processCommand(ctx, []string{"put", "k"}).Status)
	require.Equal(t, "ERROR", s.processCommand(ctx, []string{"frobnicate"}).Status)
	require.Equal(t, "OK", s.processCommand(ctx, []string{"checkpoint"}).Status)
	require.Contains(t, s.processCommand(ctx, []string{"scan"}).Message, "k=hello world")

	dst := filepath.Join(t.TempDir(), "bk")
	require.Equal(t, "OK", s.processCommand(ctx, []string{"backup", dst}).Status)
	_, err := engine.VerifyBackup(dst)
	require.NoError(t, err)
}
