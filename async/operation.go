// Package async implements a simple future of an operation's completion.
package async

// Operation is a future which is resolved exactly once with an error
// (or nil) upon completion of the asynchronous work it represents.
type Operation struct {
	doneCh chan struct{} // Closed to signal the operation has completed.
	err    error         // Error on operation completion.
}

// NewOperation returns a new, unresolved Operation.
func NewOperation() *Operation { return &Operation{doneCh: make(chan struct{})} }

// Done selects when Resolve is called.
func (o *Operation) Done() <-chan struct{} { return o.doneCh }

// Err blocks until Resolve is called, then returns its error.
func (o *Operation) Err() error {
	<-o.Done()
	return o.err
}

// Resolve marks the Operation as completed with the given error.
// Resolve must be called only once.
func (o *Operation) Resolve(err error) {
	o.err = err
	close(o.doneCh)
}

// FinishedOperation is a convenience that returns an already-resolved Operation.
func FinishedOperation(err error) *Operation {
	var op = NewOperation()
	op.Resolve(err)
	return op
}
