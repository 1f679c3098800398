package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/confdb/confd/pkg/changeset"
)

type callRequest struct {
	objectPath string
	cs         *changeset.Set
	reply      chan CallResult
}

type subscribeRequest struct {
	objectPath string
	ch         chan Signal
}

type unsubscribeRequest struct {
	objectPath string
	ch         chan Signal
}

type publishRequest struct {
	objectPath string
	sig        Signal
}

type handleRequest struct {
	objectPath string
	handler    Handler
	errCh      chan error
}

// Real is an in-process RPC bus whose state is owned by one dedicated
// goroutine (the "worker thread", spec.md §5: "the RPC transport runs on
// a dedicated worker thread"), so that synchronous calls from arbitrary
// caller goroutines never deadlock against signal delivery. It does not
// itself talk to a system bus daemon; a production deployment wires a
// [Handler]-compatible adapter to the actual session/system bus — this
// type stands in for that adapter's concurrency shape, per spec.md's
// explicit transport-product-agnosticism (§1 Non-goals).
type Real struct {
	kind BusKind

	calls       chan callRequest
	subscribe   chan subscribeRequest
	unsubscribe chan unsubscribeRequest
	publish     chan publishRequest
	handle      chan handleRequest

	closeOnce sync.Once
	closed    chan struct{}
}

// NewReal starts a Real bus's worker goroutine for the given kind.
func NewReal(kind BusKind) *Real {
	r := &Real{
		kind:        kind,
		calls:       make(chan callRequest),
		subscribe:   make(chan subscribeRequest),
		unsubscribe: make(chan unsubscribeRequest),
		publish:     make(chan publishRequest),
		handle:      make(chan handleRequest),
		closed:      make(chan struct{}),
	}

	go r.run()

	return r
}

func (r *Real) run() {
	handlers := make(map[string]Handler)
	subscribers := make(map[string][]chan Signal)

	for {
		select {
		case req := <-r.handle:
			handlers[req.objectPath] = req.handler
			req.errCh <- nil

		case req := <-r.calls:
			h, ok := handlers[req.objectPath]
			if !ok {
				req.reply <- CallResult{Err: fmt.Errorf("transport: no handler for %s", req.objectPath)}

				continue
			}

			// Run the handler inline: the worker goroutine serializes all
			// calls to a given object path the same way a real bus
			// daemon serializes method calls onto the service's own
			// dispatch, satisfying spec.md §4.6 "the writer object is not
			// thread-safe; the RPC dispatch layer is expected to
			// serialize calls per object".
			tag, err := h(context.Background(), req.cs)
			req.reply <- CallResult{Tag: tag, Err: err}

		case req := <-r.subscribe:
			subscribers[req.objectPath] = append(subscribers[req.objectPath], req.ch)

		case req := <-r.unsubscribe:
			chans := subscribers[req.objectPath]
			for i, ch := range chans {
				if ch == req.ch {
					subscribers[req.objectPath] = append(chans[:i], chans[i+1:]...)
					close(ch)

					break
				}
			}

		case req := <-r.publish:
			for _, ch := range subscribers[req.objectPath] {
				select {
				case ch <- req.sig:
				default:
					// Slow subscriber: drop rather than block the bus
					// worker. Signal delivery is best-effort for a
					// subscriber that isn't keeping up.
				}
			}

		case <-r.closed:
			return
		}
	}
}

// Handle registers h as the answerer for Call/CallSync on objectPath.
func (r *Real) Handle(objectPath string, h Handler) error {
	errCh := make(chan error, 1)

	select {
	case r.handle <- handleRequest{objectPath: objectPath, handler: h, errCh: errCh}:
	case <-r.closed:
		return fmt.Errorf("transport: bus closed")
	}

	return <-errCh
}

// Call dispatches cs to objectPath asynchronously.
func (r *Real) Call(ctx context.Context, objectPath string, cs *changeset.Set) <-chan CallResult {
	reply := make(chan CallResult, 1)

	select {
	case r.calls <- callRequest{objectPath: objectPath, cs: cs, reply: reply}:
	case <-ctx.Done():
		reply <- CallResult{Err: ctx.Err()}
	case <-r.closed:
		reply <- CallResult{Err: fmt.Errorf("transport: bus closed")}
	}

	return reply
}

// CallSync dispatches cs to objectPath and blocks for the reply.
func (r *Real) CallSync(ctx context.Context, objectPath string, cs *changeset.Set) (Tag, error) {
	result := <-r.Call(ctx, objectPath, cs)

	return result.Tag, result.Err
}

// Subscribe installs a signal listener for objectPath, active until ctx
// is cancelled.
func (r *Real) Subscribe(ctx context.Context, objectPath string) (<-chan Signal, error) {
	ch := make(chan Signal, 16)

	select {
	case r.subscribe <- subscribeRequest{objectPath: objectPath, ch: ch}:
	case <-r.closed:
		return nil, fmt.Errorf("transport: bus closed")
	}

	go func() {
		<-ctx.Done()

		select {
		case r.unsubscribe <- unsubscribeRequest{objectPath: objectPath, ch: ch}:
		case <-r.closed:
		}
	}()

	return ch, nil
}

// Publish delivers sig to every current subscriber of objectPath.
func (r *Real) Publish(objectPath string, sig Signal) error {
	select {
	case r.publish <- publishRequest{objectPath: objectPath, sig: sig}:
		return nil
	case <-r.closed:
		return fmt.Errorf("transport: bus closed")
	}
}

// Close stops the worker goroutine. Idempotent.
func (r *Real) Close() error {
	r.closeOnce.Do(func() { close(r.closed) })

	return nil
}

var _ Bus = (*Real)(nil)
