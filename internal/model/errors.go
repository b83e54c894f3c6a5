package model

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration marks invalid settings. Never retried.
	ErrConfiguration = errors.New("configuration error")
	// ErrDataIntegrity marks input data that violates an enabled check.
	ErrDataIntegrity = errors.New("data integrity error")
	// ErrWorkerTimeout is returned once a job exhausts its resubmission rounds.
	ErrWorkerTimeout = errors.New("worker timeout")
	// ErrWorkerFatal wraps any error or panic raised inside a worker job.
	ErrWorkerFatal = errors.New("worker fatal error")
)

func Configurationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

func DataIntegrityf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrDataIntegrity, fmt.Sprintf(format, args...))
}
