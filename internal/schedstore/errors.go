package schedstore

import (
	"errors"
	"fmt"
)

// ErrEngineStarted is returned by Recover when the engine already dispatches.
var ErrEngineStarted = errors.New("schedstore: engine already started")

// TxError reports a failed record store transaction. The engine-side change
// of the same operation has already been applied and is not rolled back.
type TxError struct {
	Op  string
	Key string
	Err error
}

func (e *TxError) Error() string {
	return fmt.Sprintf("schedstore: %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *TxError) Unwrap() error { return e.Err }

// CorruptRecordError reports a stored record that cannot be decoded.
type CorruptRecordError struct {
	Partition string
	Key       string
	Err       error
}

func (e *CorruptRecordError) Error() string {
	return fmt.Sprintf("corrupt record %s/%s: %v", e.Partition, e.Key, e.Err)
}

func (e *CorruptRecordError) Unwrap() error { return e.Err }
