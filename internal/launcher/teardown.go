package launcher

import (
	"errors"
	"sync"
)

// Teardown stops registered handles once, newest first.
type Teardown struct {
	mu      sync.Mutex
	handles []Handle
	done    bool
	err     error
}

// Register adds h. Handles registered after Run are stopped immediately.
func (t *Teardown) Register(h Handle) {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		_ = h.Stop()
		return
	}
	t.handles = append(t.handles, h)
	t.mu.Unlock()
}

// Run stops every registered handle. Later calls return the first result.
func (t *Teardown) Run() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return t.err
	}
	t.done = true

	var errs []error
	for i := len(t.handles) - 1; i >= 0; i-- {
		if err := t.handles[i].Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	t.handles = nil
	t.err = errors.Join(errs...)
	return t.err
}
