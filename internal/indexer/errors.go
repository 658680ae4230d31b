package indexer

import "fmt"

// MalformedEventError reports an upstream event that does not match any known shape.
// It fails the whole batch.
type MalformedEventError struct {
	BlockNumber int64
	Type        string
	Reason      string
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed %q event at block %d: %s", e.Type, e.BlockNumber, e.Reason)
}

// StoreError wraps a persistence failure inside the batch transaction
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}
