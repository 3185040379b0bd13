// Package catalog records table layouts and index definitions in reserved
// record files so that they survive restarts.
package catalog

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/sushant-115/gojokernel/core/record"
	"github.com/sushant-115/gojokernel/core/transaction"
	"github.com/sushant-115/gojokernel/core/types"
	flushmanager "github.com/sushant-115/gojokernel/core/write_engine/flush_manager"
	"github.com/sushant-115/gojokernel/pkg/logger"
	"go.uber.org/zap"
)

const (
	TableCatalog = "tblcat"
	FieldCatalog = "fldcat"
	IndexCatalog = "idxcat"

	DefaultMaxNameLength = 16
	DefaultCacheSize     = 1024
)

const (
	fieldTableName  = "tblname"
	fieldRecordSize = "reclength"
	fieldFieldName  = "fldname"
	fieldType       = "type"
	fieldTypeArg    = "typearg"
	fieldOffset     = "offset"
	fieldIndexName  = "idxname"
	fieldIndexType  = "idxtype"
)

// ErrTableExists is returned when a table name is already in the catalog.
var ErrTableExists = errors.New("table already exists in catalog")

type Config struct {
	// MaxNameLength bounds table, field and index names.
	MaxNameLength int `yaml:"max_name_length"`
	// CacheSize is the number of table layouts kept in memory.
	CacheSize int64 `yaml:"cache_size"`
	// HashBuckets is handed to hash indexes opened through the catalog.
	HashBuckets int `yaml:"hash_buckets"`
}

func DefaultConfig() Config {
	return Config{MaxNameLength: DefaultMaxNameLength, CacheSize: DefaultCacheSize}
}

// Catalog reads and writes the table, field and index catalogs. It is safe
// for concurrent use; each call runs inside the caller's transaction.
type Catalog struct {
	cfg    Config
	logger *zap.Logger

	tblcat *record.TableInfo
	fldcat *record.TableInfo
	idxcat *record.TableInfo

	tables *ristretto.Cache[string, *record.TableInfo]
}

// New opens the catalog. When isNew is set the catalog tables are created
// inside tx.
func New(cfg Config, isNew bool, tx *transaction.Transaction, base *zap.Logger) (*Catalog, error) {
	if cfg.MaxNameLength <= 0 {
		cfg.MaxNameLength = DefaultMaxNameLength
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, *record.TableInfo]{
		NumCounters: cfg.CacheSize * 10,
		MaxCost:     cfg.CacheSize,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("catalog: create table cache: %w", err)
	}

	nameType := types.Varchar(cfg.MaxNameLength)
	c := &Catalog{
		cfg:    cfg,
		logger: logger.Component(base, "catalog"),
		tblcat: record.NewTableInfo(TableCatalog, types.NewSchema().
			AddField(fieldTableName, nameType).
			AddField(fieldRecordSize, types.Integer)),
		fldcat: record.NewTableInfo(FieldCatalog, types.NewSchema().
			AddField(fieldTableName, nameType).
			AddField(fieldFieldName, nameType).
			AddField(fieldType, types.Integer).
			AddField(fieldTypeArg, types.Integer).
			AddField(fieldOffset, types.Integer)),
		idxcat: record.NewTableInfo(IndexCatalog, types.NewSchema().
			AddField(fieldIndexName, nameType).
			AddField(fieldTableName, nameType).
			AddField(fieldFieldName, nameType).
			AddField(fieldIndexType, types.Integer)),
		tables: cache,
	}

	if isNew {
		for _, ti := range []*record.TableInfo{c.tblcat, c.fldcat, c.idxcat} {
			if err := c.writeTable(ti, tx); err != nil {
				cache.Close()
				return nil, fmt.Errorf("catalog: create %s: %w", ti.TableName(), err)
			}
		}
		c.logger.Info("Created catalog tables", zap.Int("max_name_length", cfg.MaxNameLength))
	}
	return c, nil
}

func (c *Catalog) Close() { c.tables.Close() }

// CreateTable records the layout of a new table.
func (c *Catalog) CreateTable(name string, schema *types.Schema, tx *transaction.Transaction) error {
	if err := c.checkName(name); err != nil {
		return err
	}
	for _, fld := range schema.Fields() {
		if err := c.checkName(fld); err != nil {
			return err
		}
	}
	if _, err := c.TableInfo(name, tx); err == nil {
		return fmt.Errorf("catalog: %q: %w", name, ErrTableExists)
	} else if !errors.Is(err, flushmanager.ErrTableNotFound) {
		return err
	}
	if err := c.writeTable(record.NewTableInfo(name, schema), tx); err != nil {
		return fmt.Errorf("catalog: create table %s: %w", name, err)
	}
	c.logger.Info("Created table", zap.String("table", name), zap.Int("fields", len(schema.Fields())))
	return nil
}

func (c *Catalog) writeTable(ti *record.TableInfo, tx *transaction.Transaction) error {
	tcat := c.tblcat.Open(tx)
	defer tcat.Close()
	if err := insertRow(tcat, map[string]types.Constant{
		fieldTableName:  types.VarcharConstant(ti.TableName()),
		fieldRecordSize: types.IntegerConstant(int32(ti.RecordSize())),
	}); err != nil {
		return err
	}

	fcat := c.fldcat.Open(tx)
	defer fcat.Close()
	schema := ti.Schema()
	for _, fld := range schema.Fields() {
		t, _ := schema.Type(fld)
		off, _ := ti.Offset(fld)
		if err := insertRow(fcat, map[string]types.Constant{
			fieldTableName: types.VarcharConstant(ti.TableName()),
			fieldFieldName: types.VarcharConstant(fld),
			fieldType:      types.IntegerConstant(t.SQLType()),
			fieldTypeArg:   types.IntegerConstant(int32(t.Argument())),
			fieldOffset:    types.IntegerConstant(int32(off)),
		}); err != nil {
			return err
		}
	}
	tx.AddLifecycleListener(evictOnRollback{cache: c.tables, name: ti.TableName()})
	return nil
}

// TableInfo returns the layout of a table, reading the catalog on a cache
// miss.
func (c *Catalog) TableInfo(name string, tx *transaction.Transaction) (*record.TableInfo, error) {
	if ti, ok := c.tables.Get(name); ok {
		return ti, nil
	}

	recSize, found := 0, false
	err := scan(c.tblcat, tx, func(row rowReader) (bool, error) {
		match, err := row.matches(fieldTableName, name)
		if err != nil || !match {
			return false, err
		}
		recSize, err = row.int(fieldRecordSize)
		found = true
		return true, err
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("catalog: %q: %w", name, flushmanager.ErrTableNotFound)
	}

	schema := types.NewSchema()
	offsets := make(map[string]int)
	err = scan(c.fldcat, tx, func(row rowReader) (bool, error) {
		match, err := row.matches(fieldTableName, name)
		if err != nil || !match {
			return false, err
		}
		fld, err := row.str(fieldFieldName)
		if err != nil {
			return false, err
		}
		sqlType, err := row.int(fieldType)
		if err != nil {
			return false, err
		}
		arg, err := row.int(fieldTypeArg)
		if err != nil {
			return false, err
		}
		off, err := row.int(fieldOffset)
		if err != nil {
			return false, err
		}
		t, err := types.NewType(int32(sqlType), arg)
		if err != nil {
			return false, fmt.Errorf("catalog: field %s.%s: %w", name, fld, err)
		}
		schema.AddField(fld, t)
		offsets[fld] = off
		return false, nil
	})
	if err != nil {
		return nil, err
	}

	ti := record.NewTableInfoWithOffsets(name, schema, offsets, recSize)
	c.tables.Set(name, ti, 1)
	// Set is buffered; make the entry visible to the next lookup
	c.tables.Wait()
	return ti, nil
}

func (c *Catalog) checkName(name string) error {
	if name == "" || len(name) > c.cfg.MaxNameLength {
		return fmt.Errorf("catalog: %q (max %d bytes): %w", name, c.cfg.MaxNameLength, flushmanager.ErrNameTooLong)
	}
	return nil
}

// evictOnRollback drops a table layout cached by the transaction that
// created the table once that transaction rolls back.
type evictOnRollback struct {
	cache *ristretto.Cache[string, *record.TableInfo]
	name  string
}

func (e evictOnRollback) OnTxCommit(int64) error       { return nil }
func (e evictOnRollback) OnTxEndStatement(int64) error { return nil }

func (e evictOnRollback) OnTxRollback(int64) error {
	e.cache.Del(e.name)
	return nil
}

type rowReader struct{ rf *record.RecordFile }

func (r rowReader) str(field string) (string, error) {
	v, err := r.rf.GetVal(field)
	if err != nil {
		return "", err
	}
	return string(v.(types.VarcharConstant)), nil
}

func (r rowReader) int(field string) (int, error) {
	v, err := r.rf.GetVal(field)
	if err != nil {
		return 0, err
	}
	return int(v.(types.IntegerConstant)), nil
}

func (r rowReader) matches(field, want string) (bool, error) {
	s, err := r.str(field)
	return s == want, err
}

// scan calls visit for every row of ti until visit reports it is done.
func scan(ti *record.TableInfo, tx *transaction.Transaction, visit func(rowReader) (bool, error)) error {
	rf := ti.Open(tx)
	defer rf.Close()
	for {
		ok, err := rf.Next()
		if err != nil || !ok {
			return err
		}
		done, err := visit(rowReader{rf: rf})
		if err != nil || done {
			return err
		}
	}
}

func insertRow(rf *record.RecordFile, row map[string]types.Constant) error {
	if err := rf.Insert(); err != nil {
		return err
	}
	for fld, v := range row {
		if err := rf.SetVal(fld, v); err != nil {
			return err
		}
	}
	return nil
}
