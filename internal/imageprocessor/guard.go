package imageprocessor

import (
	"context"
	"errors"
	"io"
	"sync"
)

type serialized struct {
	mu   sync.Mutex
	next Client
}

// Serialize gates every Classify call on next behind one mutex. Use it for
// runtimes that cannot serve concurrent read-only inference on a shared handle.
func Serialize(next Client) Client {
	return &serialized{next: next}
}

func (s *serialized) Classify(ctx context.Context, imageBytes []byte) ([]Prediction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next.Classify(ctx, imageBytes)
}

func (s *serialized) Close() error {
	if closer, ok := s.next.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// Lazy defers construction of an expensive Client until the first Classify
// call. Construction runs at most once; its error is sticky.
type Lazy struct {
	once   sync.Once
	build  func() (Client, error)
	client Client
	err    error
}

// NewLazy returns a Lazy that calls build on first use.
func NewLazy(build func() (Client, error)) *Lazy {
	return &Lazy{build: build}
}

// Classify implements Client.
func (l *Lazy) Classify(ctx context.Context, imageBytes []byte) ([]Prediction, error) {
	client, err := l.get()
	if err != nil {
		return nil, err
	}
	return client.Classify(ctx, imageBytes)
}

func (l *Lazy) get() (Client, error) {
	l.once.Do(func() {
		if l.build == nil {
			l.err = errors.New("no classifier constructor")
		} else {
			l.client, l.err = l.build()
		}
		if l.err != nil {
			l.err = NewInferenceFailure("lazy", l.err)
		}
	})
	return l.client, l.err
}

// Close releases the underlying client if it was ever built.
func (l *Lazy) Close() error {
	if closer, ok := l.client.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
