package relief

import (
	"errors"
	"fmt"
)

var (
	ErrNotImage       = errors.New("relief: upload is not an image")
	ErrNoHeightField  = errors.New("relief: no height field available")
	ErrInvalidSetting = errors.New("relief: setting out of range")
)

// StepError reports the pipeline step a run failed in.
type StepError struct {
	State State
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.State, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}
