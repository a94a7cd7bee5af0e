package depth

import (
	"errors"
	"fmt"
)

var (
	ErrTransport        = errors.New("depth: prediction request failed")
	ErrPredictionStatus = errors.New("depth: prediction service returned an error status")
	ErrDecode           = errors.New("depth: could not decode depth image")
	ErrEmptyUpload      = errors.New("depth: upload is empty")
	ErrUnsupported      = errors.New("depth: upload is not a supported image")
)

// StatusError is returned when the prediction service answers with a
// non-2xx status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("prediction service returned status %d: %s", e.Code, e.Body)
}

func (e *StatusError) Unwrap() error {
	return ErrPredictionStatus
}
