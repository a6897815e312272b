package workerapi

// Error wraps a failure raised by code inside a loaded package so that the
// host can propagate it without losing the originating operation.
type Error struct {
	// Op names the operation that failed, e.g. "instantiate SymphonyAdapter.GridWorker".
	Op string
	// Err is the underlying failure.
	Err error
}

// Error renders the operation and the underlying failure.
func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op
	}

	return e.Op + ": " + e.Err.Error()
}

// Unwrap exposes the underlying failure for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}
