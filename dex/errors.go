// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package dex

// ErrorKind identifies a kind of error that can be used to define new errors
// via const SomeError = dex.ErrorKind("something").
type ErrorKind string

// Error satisfies the error interface and prints human-readable errors.
func (e ErrorKind) Error() string {
	return string(e)
}

// Terminal failure kinds of a market provisioning run. None of these are
// retried by the component that detects them, except ErrCheckpointExpired,
// which the sequencer handles by re-fetching the checkpoint and resubmitting.
const (
	// ErrDerivationExhausted means no off-curve vault authority was found
	// below the nonce ceiling. This indicates a derivation mismatch with the
	// program under test.
	ErrDerivationExhausted = ErrorKind("vault authority derivation exhausted")
	// ErrInsufficientFunding means a rent-exempt balance could not be
	// computed or the payer cannot cover it.
	ErrInsufficientFunding = ErrorKind("insufficient funding")
	// ErrTransactionRejected means the ledger refused a transaction or the
	// transaction failed on chain.
	ErrTransactionRejected = ErrorKind("transaction rejected")
	// ErrCheckpointExpired means the recent blockhash a transaction was
	// signed over is no longer accepted.
	ErrCheckpointExpired = ErrorKind("checkpoint expired")
)

// Error pairs an error with details.
type Error struct {
	wrapped error
	detail  string
}

// Error satisfies the error interface, combining the wrapped error message with
// the details.
func (e Error) Error() string {
	return e.wrapped.Error() + ": " + e.detail
}

// Unwrap returns the wrapped error, allowing errors.Is and errors.As to work.
func (e Error) Unwrap() error {
	return e.wrapped
}

// NewError wraps the provided Error with details in a Error, facilitating the
// use of errors.Is and errors.As via errors.Unwrap.
func NewError(err error, detail string) Error {
	return Error{
		wrapped: err,
		detail:  detail,
	}
}

type namedCloser struct {
	name  string
	close func() error
}

// ErrorCloser unwinds a multi-step startup, e.g. opening the run journal and
// launching a validator. After each successful step, a shutdown routine can be
// scheduled with Add.
// Done runs the shutdown routines in the reverse order that they were added.
type ErrorCloser struct {
	closers []namedCloser
}

// NewErrorCloser creates a new ErrorCloser.
func NewErrorCloser() *ErrorCloser {
	return &ErrorCloser{
		closers: make([]namedCloser, 0, 3),
	}
}

// Add adds a new named function to the queue.
func (e *ErrorCloser) Add(name string, closer func() error) {
	e.closers = append(e.closers, namedCloser{name, closer})
}

// Done runs the registered functions, logging any errors.
func (e *ErrorCloser) Done(log Logger) {
	for i := len(e.closers) - 1; i >= 0; i-- {
		c := e.closers[i]
		if err := c.close(); err != nil {
			log.Errorf("error shutting down %s: %v", c.name, err)
		}
	}
	e.closers = nil
}
