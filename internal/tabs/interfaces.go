package tabs

import "context"

// Registry persists the shared list of tab records. Update reads the
// latest list, applies fn and writes the result back.
type Registry interface {
	Load(ctx context.Context) ([]Record, error)
	Update(ctx context.Context, fn func([]Record) ([]Record, error)) error
}

// Focuser brings the current tab to the foreground. Implementations may
// silently fail; the host environment can refuse focus requests.
type Focuser interface {
	Focus() error
}

// FocusFunc adapts a function to Focuser.
type FocusFunc func() error

func (f FocusFunc) Focus() error {
	return f()
}
