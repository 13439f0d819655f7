package helpers

// Result carries the outcome of a single-shot asynchronous call over a
// channel.
type Result[T any] struct {
	value T
	err   error
}

func NewResult[T any](value T, err error) Result[T] {
	return Result[T]{value: value, err: err}
}

func NewErrorResult[T any](err error) Result[T] {
	return Result[T]{err: err}
}

func (r Result[T]) Value() (T, error) {
	return r.value, r.err
}

func (r Result[T]) Error() error {
	return r.err
}

func (r Result[T]) Ok() bool {
	return r.err == nil
}

// Await waits for exactly one result on ch, or for done to be closed.
func Await[T any](done <-chan struct{}, ch <-chan Result[T]) (Result[T], bool) {
	select {
	case <-done:
		return Result[T]{}, false
	case r := <-ch:
		return r, true
	}
}
