package posting

// Future is a continuation that runs at most once. Resolving it again is
// reported and ignored.
type Future[T any] struct {
	done bool
	then func(T)
}

func NewFuture[T any](then func(T)) *Future[T] {
	return &Future[T]{then: then}
}

// Resolve runs the continuation with v. Returns false, if the future was
// already resolved.
func (f *Future[T]) Resolve(v T) bool {
	if f.done {
		return false
	}
	f.done = true
	f.then(v)
	return true
}

func (f *Future[T]) Done() bool {
	return f.done
}
