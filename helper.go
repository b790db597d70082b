package labbus

import "context"

// mutex behaves similar to sync.Mutex, with the following differences:
//  1. the mutex needs to be initialized by sending a struct{} into it
//  2. a lock attempt can be canceled by the given context
type mutex chan struct{}

func newMutex() mutex {
	m := make(mutex, 1)
	m <- struct{}{}
	return m
}

func (m mutex) lock(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-m:
		return nil
	}
}

func (m mutex) unlock() {
	m <- struct{}{}
}
