package feed

import (
	"context"
	"sync"
)

const bufferSize = 256

// Memory is an in-process Feed for a single server
type Memory struct {
	subs   map[int64]map[chan Message]struct{}
	closed bool

	sync.Mutex // protects subs
}

func NewMemory() *Memory {
	return &Memory{subs: make(map[int64]map[chan Message]struct{})}
}

// Publish never blocks. Subscribers that fall behind by more than the
// buffer are dropped.
func (f *Memory) Publish(_ context.Context, thread int64, m Message) error {
	f.Lock()
	defer f.Unlock()

	for ch := range f.subs[thread] {
		select {
		case ch <- m:
		default:
			f.remove(thread, ch)
		}
	}
	return nil
}

func (f *Memory) Subscribe(_ context.Context, thread int64) (<-chan Message, func(), error) {
	f.Lock()
	defer f.Unlock()

	ch := make(chan Message, bufferSize)
	if f.closed {
		close(ch)
		return ch, func() {}, nil
	}
	if f.subs[thread] == nil {
		f.subs[thread] = make(map[chan Message]struct{})
	}
	f.subs[thread][ch] = struct{}{}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			f.Lock()
			f.remove(thread, ch)
			f.Unlock()
		})
	}
	return ch, cancel, nil
}

func (f *Memory) Close() error {
	f.Lock()
	defer f.Unlock()

	for thread, subs := range f.subs {
		for ch := range subs {
			f.remove(thread, ch)
		}
	}
	f.closed = true
	return nil
}

// called while holding lock
func (f *Memory) remove(thread int64, ch chan Message) {
	subs, ok := f.subs[thread]
	if !ok {
		return
	}
	if _, ok := subs[ch]; !ok {
		return
	}
	delete(subs, ch)
	close(ch)
	if len(subs) == 0 {
		delete(f.subs, thread)
	}
}
