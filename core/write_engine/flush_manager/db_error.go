package flushmanager

import (
	"errors"
	"fmt"

	pagemanager "github.com/sushant-115/gojokernel/core/write_engine/page_manager"
)

// --- Error Definitions ---

var (
	// ErrLockAbort reports that a lock or frame wait exceeded its bound. The
	// transaction that receives it must roll back.
	ErrLockAbort = errors.New("transaction aborted: lock wait timed out")
	// ErrBufferAbort is returned when a transaction could not obtain a buffer
	// frame within the wait bound, even after releasing its own frames.
	ErrBufferAbort = fmt.Errorf("buffer frame wait timed out: %w", ErrLockAbort)
	// ErrBufferExhausted is returned when a transaction already pins as many
	// frames as the pool holds.
	ErrBufferExhausted = errors.New("transaction pins every frame of the buffer pool")

	ErrSchemaIncompatible   = errors.New("value does not fit the field's on-disk width")
	ErrUnsupportedOperation = errors.New("operation not supported on a read-only transaction")
	ErrUnsupportedRange     = errors.New("index does not support this search range")

	ErrPageOverflow      = pagemanager.ErrPageOverflow
	ErrLogRecordTooLarge = errors.New("log record too large for a log block")
	ErrIO                = errors.New("i/o error")

	ErrTxnInvalidState = errors.New("transaction is in an invalid state for this operation")
	ErrTableNotFound   = errors.New("table not found in catalog")
	ErrIndexNotFound   = errors.New("index not found in catalog")
	ErrNameTooLong     = errors.New("name exceeds catalog maximum length")
)
