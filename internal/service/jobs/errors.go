package jobs

import (
	"errors"
	"strings"
)

var ErrAdmission = errors.New("admission rejected")

// AdmissionError is returned before any Task Instance exists.
type AdmissionError struct {
	Reason string
	Err    error
}

func (e *AdmissionError) Error() string {
	if e.Err == nil {
		return ErrAdmission.Error() + ": " + e.Reason
	}
	return ErrAdmission.Error() + ": " + e.Reason + ": " + e.Err.Error()
}

func (e *AdmissionError) Is(target error) bool { return target == ErrAdmission }

func (e *AdmissionError) Unwrap() error { return e.Err }

func admission(reason string, err error) error {
	return &AdmissionError{Reason: strings.TrimSpace(reason), Err: err}
}
