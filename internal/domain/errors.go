package domain

import (
	"errors"
	"fmt"
)

// ErrInvalidConfig is returned for run configurations that must be rejected
// before any evaluation begins.
var ErrInvalidConfig = errors.New("invalid run configuration")

// DataError reports an instrument whose price series could not be loaded.
// The instrument takes no part in the run; its events resolve to
// insufficient data.
type DataError struct {
	InstrumentID string
	Reason       string
}

func (e *DataError) Error() string {
	return fmt.Sprintf("price series %s: %s", e.InstrumentID, e.Reason)
}

// ComboError reports a combination whose evaluation failed unexpectedly.
type ComboError struct {
	Combo ComboKey
	Err   error
}

func (e *ComboError) Error() string {
	return fmt.Sprintf("evaluating combo %s: %v", e.Combo, e.Err)
}

func (e *ComboError) Unwrap() error { return e.Err }
