package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrDuplicateName      = errors.New("payroll with this name already exists")
	ErrDuplicateReference = errors.New("funding reference already exists")
	ErrInvalidSchedule    = errors.New("invalid schedule")
	ErrSignatureMismatch  = errors.New("invalid signature")
)

// ProcessingError wraps any failure of the payroll run body.
type ProcessingError struct {
	PayrollID string
	Err       error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("payroll %s processing failed: %v", e.PayrollID, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }
