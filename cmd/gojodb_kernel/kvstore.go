package main

import (
	"context"
	"errors"

	"github.com/sushant-115/gojokernel/core/engine"
	"github.com/sushant-115/gojokernel/core/indexing"
	"github.com/sushant-115/gojokernel/core/record"
	"github.com/sushant-115/gojokernel/core/transaction"
	"github.com/sushant-115/gojokernel/core/types"
	flushmanager "github.com/sushant-115/gojokernel/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojokernel/core/write_engine/page_manager"
)

const (
	kvTable    = "kv"
	kvIndex    = "idx_kv_key"
	keyField   = "k"
	valueField = "v"

	maxKeyLen   = 32
	maxValueLen = 64
)

type pair struct {
	Key   string
	Value string
}

// kvStore keeps string pairs in one table indexed by key.
type kvStore struct {
	db *engine.DB
}

func openStore(ctx context.Context, db *engine.DB) (*kvStore, error) {
	err := db.Update(ctx, func(tx *transaction.Transaction) error {
		_, err := db.Catalog().TableInfo(kvTable, tx)
		if !errors.Is(err, flushmanager.ErrTableNotFound) {
			return err
		}
		schema := types.NewSchema().
			AddField(keyField, types.Varchar(maxKeyLen)).
			AddField(valueField, types.Varchar(maxValueLen))
		if err := db.Catalog().CreateTable(kvTable, schema, tx); err != nil {
			return err
		}
		return db.Catalog().CreateIndex(kvIndex, kvTable, keyField, indexing.BTree, tx)
	})
	if err != nil {
		return nil, err
	}
	return &kvStore{db: db}, nil
}

// Put inserts key or overwrites its value.
func (s *kvStore) Put(ctx context.Context, key, value string) error {
	return s.db.Update(ctx, func(tx *transaction.Transaction) error {
		ti, rid, found, err := s.lookup(ctx, tx, key)
		if err != nil {
			return err
		}
		rf := ti.Open(tx)
		defer rf.Close()
		if found {
			if err := rf.MoveToRecordID(rid); err != nil {
				return err
			}
			return rf.SetVal(valueField, types.VarcharConstant(value))
		}

		if err := rf.Insert(); err != nil {
			return err
		}
		if err := rf.SetVal(keyField, types.VarcharConstant(key)); err != nil {
			return err
		}
		if err := rf.SetVal(valueField, types.VarcharConstant(value)); err != nil {
			return err
		}
		idx, err := s.db.OpenIndex(tx, kvTable, keyField)
		if err != nil {
			return err
		}
		defer idx.Close()
		return idx.Insert(ctx, types.VarcharConstant(key), rf.CurrentRecordID())
	})
}

func (s *kvStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	var found bool
	err := s.db.View(ctx, func(tx *transaction.Transaction) error {
		ti, rid, ok, err := s.lookup(ctx, tx, key)
		if err != nil || !ok {
			return err
		}
		value, err = readValue(tx, ti, rid)
		found = err == nil
		return err
	})
	return value, found, err
}

func (s *kvStore) Delete(ctx context.Context, key string) (bool, error) {
	var found bool
	err := s.db.Update(ctx, func(tx *transaction.Transaction) error {
		ti, rid, ok, err := s.lookup(ctx, tx, key)
		if err != nil || !ok {
			return err
		}
		rf := ti.Open(tx)
		defer rf.Close()
		if err := rf.MoveToRecordID(rid); err != nil {
			return err
		}
		if err := rf.Delete(); err != nil {
			return err
		}
		idx, err := s.db.OpenIndex(tx, kvTable, keyField)
		if err != nil {
			return err
		}
		defer idx.Close()
		found = true
		return idx.Delete(ctx, types.VarcharConstant(key), rid)
	})
	return found, err
}

// Scan returns up to limit pairs with lo <= key <= hi in key order. An
// empty bound is open.
func (s *kvStore) Scan(ctx context.Context, lo, hi string, limit int) ([]pair, error) {
	var low, high types.Constant
	if lo != "" {
		low = types.VarcharConstant(lo)
	}
	if hi != "" {
		high = types.VarcharConstant(hi)
	}
	rng := types.NewRange(low, true, high, true)

	var pairs []pair
	err := s.db.View(ctx, func(tx *transaction.Transaction) error {
		ti, err := s.db.Catalog().TableInfo(kvTable, tx)
		if err != nil {
			return err
		}
		idx, err := s.db.OpenIndex(tx, kvTable, keyField)
		if err != nil {
			return err
		}
		defer idx.Close()
		rids, err := idx.Search(ctx, rng, limit)
		if err != nil {
			return err
		}
		rf := ti.Open(tx)
		defer rf.Close()
		for _, rid := range rids {
			if err := rf.MoveToRecordID(rid); err != nil {
				return err
			}
			k, err := rf.GetVal(keyField)
			if err != nil {
				return err
			}
			v, err := rf.GetVal(valueField)
			if err != nil {
				return err
			}
			pairs = append(pairs, pair{Key: k.String(), Value: v.String()})
		}
		return nil
	})
	return pairs, err
}

func (s *kvStore) lookup(ctx context.Context, tx *transaction.Transaction, key string) (*record.TableInfo, pagemanager.RecordID, bool, error) {
	ti, err := s.db.Catalog().TableInfo(kvTable, tx)
	if err != nil {
		return nil, pagemanager.RecordID{}, false, err
	}
	idx, err := s.db.OpenIndex(tx, kvTable, keyField)
	if err != nil {
		return nil, pagemanager.RecordID{}, false, err
	}
	defer idx.Close()
	rids, err := idx.Search(ctx, types.NewEqualityRange(types.VarcharConstant(key)), 1)
	if err != nil || len(rids) == 0 {
		return ti, pagemanager.RecordID{}, false, err
	}
	return ti, rids[0], true, nil
}

func readValue(tx *transaction.Transaction, ti *record.TableInfo, rid pagemanager.RecordID) (string, error) {
	rf := ti.Open(tx)
	defer rf.Close()
	if err := rf.MoveToRecordID(rid); err != nil {
		return "", err
	}
	v, err := rf.GetVal(valueField)
	if err != nil {
		return "", err
	}
	return v.String(), nil
}
