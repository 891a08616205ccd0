package crashinfo

import "sync"

// LoadState is the state of a Lazy value.
type LoadState int

const (
	Unloaded LoadState = iota
	Loaded
)

func (s LoadState) String() string {
	if s == Loaded {
		return "loaded"
	}
	return "unloaded"
}

// Lazy holds a value that is materialized on first access and memoized.
// A failed load leaves the value Unloaded so a later Get can retry.
type Lazy[T any] struct {
	mu    sync.Mutex
	state LoadState
	value T
	load  func() (T, error)
}

// NewLazy returns an Unloaded value backed by load.
func NewLazy[T any](load func() (T, error)) *Lazy[T] {
	return &Lazy[T]{load: load}
}

// LoadedValue returns a Lazy that is already Loaded with v.
func LoadedValue[T any](v T) *Lazy[T] {
	return &Lazy[T]{state: Loaded, value: v}
}

// Get loads the value on first call and returns the memoized value after.
func (l *Lazy[T]) Get() (T, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == Loaded {
		return l.value, nil
	}
	v, err := l.load()
	if err != nil {
		var zero T
		return zero, err
	}
	l.value = v
	l.state = Loaded
	l.load = nil
	return v, nil
}

// State reports whether the value has been loaded.
func (l *Lazy[T]) State() LoadState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}
