// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package lifecycle

import (
	"fmt"

	"github.com/foonetic/serum-dex/dex"
)

// ErrPostCondition is returned when a read-back after a confirmed step does
// not show the state the step should have produced.
const ErrPostCondition = dex.ErrorKind("post-condition failed")

// StepError is the terminal failure of a run. Step names what was being done
// and From is the last state reached.
type StepError struct {
	Step string
	From State
	Err  error
}

// Error satisfies the error interface.
func (e *StepError) Error() string {
	return fmt.Sprintf("%s (from %s): %v", e.Step, e.From, e.Err)
}

// Unwrap returns the cause, allowing errors.Is and errors.As to work.
func (e *StepError) Unwrap() error {
	return e.Err
}

func postConditionErr(format string, args ...any) error {
	return dex.NewError(ErrPostCondition, fmt.Sprintf(format, args...))
}
