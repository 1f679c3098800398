package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/confdb/confd/pkg/changeset"
)

// Local is a synchronous, single-goroutine Bus test double: calls and
// publishes run on the caller's goroutine with a plain mutex, without
// replicating Real's concurrency model. Use Local in unit tests that don't need to
// exercise cross-goroutine races.
type Local struct {
	mu          sync.Mutex
	handlers    map[string]Handler
	subscribers map[string][]chan Signal
}

// NewLocal returns an empty Local bus.
func NewLocal() *Local {
	return &Local{
		handlers:    make(map[string]Handler),
		subscribers: make(map[string][]chan Signal),
	}
}

func (l *Local) Handle(objectPath string, h Handler) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.handlers[objectPath] = h

	return nil
}

func (l *Local) Call(ctx context.Context, objectPath string, cs *changeset.Set) <-chan CallResult {
	reply := make(chan CallResult, 1)

	tag, err := l.CallSync(ctx, objectPath, cs)
	reply <- CallResult{Tag: tag, Err: err}

	return reply
}

func (l *Local) CallSync(ctx context.Context, objectPath string, cs *changeset.Set) (Tag, error) {
	l.mu.Lock()
	h, ok := l.handlers[objectPath]
	l.mu.Unlock()

	if !ok {
		return "", fmt.Errorf("transport: no handler for %s", objectPath)
	}

	return h(ctx, cs)
}

func (l *Local) Subscribe(ctx context.Context, objectPath string) (<-chan Signal, error) {
	ch := make(chan Signal, 16)

	l.mu.Lock()
	l.subscribers[objectPath] = append(l.subscribers[objectPath], ch)
	l.mu.Unlock()

	go func() {
		<-ctx.Done()

		l.mu.Lock()
		defer l.mu.Unlock()

		chans := l.subscribers[objectPath]
		for i, c := range chans {
			if c == ch {
				l.subscribers[objectPath] = append(chans[:i], chans[i+1:]...)

				break
			}
		}
	}()

	return ch, nil
}

func (l *Local) Publish(objectPath string, sig Signal) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, ch := range l.subscribers[objectPath] {
		select {
		case ch <- sig:
		default:
		}
	}

	return nil
}

func (l *Local) Close() error { return nil }

var _ Bus = (*Local)(nil)
