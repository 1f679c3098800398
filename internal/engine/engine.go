// Package engine implements the client-facing read/write API: layered
// reads across a profile of sources honoring lock precedence, an
// in-flight write overlay for read-your-writes, and signal routing with
// anti-expose suppression (spec.md §4.1-§4.3, "THE CORE" item 1).
package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/confdb/confd/internal/confderrors"
	"github.com/confdb/confd/internal/pathutil"
	"github.com/confdb/confd/internal/source"
	"github.com/confdb/confd/internal/transport"
	"github.com/confdb/confd/pkg/changeset"
	"github.com/confdb/confd/pkg/variant"
)

// maxInflight bounds the in-flight write queue to the one request
// currently dispatched plus at most one coalesced successor (spec.md
// §4.2 invariant).
const maxInflight = 2

// recentTagHistory bounds how many recently-completed write tags the
// engine remembers for Notify anti-expose matching after their queue
// entry has already been popped.
const recentTagHistory = 8

type inflightEntry struct {
	cs         *changeset.Set
	tag        transport.Tag
	dispatched bool
	done       chan struct{} // closed once this entry's reply has been processed
	replyErr   error
}

// Signal is a change notification delivered to watchers: the set of keys
// that may have changed under a watched path.
type Signal struct {
	Keys []string
}

// Engine holds one profile's worth of sources plus write/subscription
// state. The zero Engine is not usable; construct with [New].
type Engine struct {
	mu sync.Mutex

	sources          []*source.Source
	writerObjectPath string // set iff sources[0] is writable

	bus transport.Bus

	stateSeq atomic.Uint64

	inflight   []*inflightEntry
	recentTags []transport.Tag

	watchRefs   map[string]int
	watchCancel map[string]context.CancelFunc

	listeners []chan Signal
}

// New constructs an Engine over sources (layer 0 first) using bus for RPC.
// writerObjectPath is the bus path of sources[0]'s writer object; pass ""
// if layer 0 is not writable (a read-only profile).
func New(sources []*source.Source, bus transport.Bus, writerObjectPath string) *Engine {
	return &Engine{
		sources:          sources,
		writerObjectPath: writerObjectPath,
		bus:              bus,
		watchRefs:        make(map[string]int),
		watchCancel:      make(map[string]context.CancelFunc),
	}
}

// Subscribe registers ch to receive every [Signal] the engine emits
// (local synthetic signals and re-emitted, non-suppressed Notify
// signals) until the caller stops reading from it. Callers should read
// ch promptly; slow readers miss signals rather than blocking the engine.
func (e *Engine) Subscribe(ch chan Signal) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.listeners = append(e.listeners, ch)
}

func (e *Engine) emit(keys []string) {
	if len(keys) == 0 {
		return
	}

	for _, ch := range e.listeners {
		select {
		case ch <- Signal{Keys: keys}:
		default:
		}
	}
}

// refreshAll refreshes every source, per §4.1 step 1.
func (e *Engine) refreshAll() {
	for _, s := range e.sources {
		s.Refresh()
	}
}

// lockBarrier returns the index of the lowest-numbered source that
// carries a lock record matching key, scanning from the highest layer
// downwards; 0 if no source locks key.
func (e *Engine) lockBarrier(key string) int {
	for i := len(e.sources) - 1; i >= 1; i-- {
		if e.sources[i].HasLock(key) {
			return i
		}
	}

	return 0
}

// Read returns the highest-priority value visible for key, or ok=false.
func (e *Engine) Read(key string) (variant.Value, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.refreshAll()

	i := e.lockBarrier(key)

	for _, entry := range e.inflight {
		if v, ok, matched := inflightLookup(entry.cs, key); matched {
			return v, ok
		}
	}

	for j := i; j < len(e.sources); j++ {
		if v, ok := e.sources[j].Lookup(key); ok {
			return v, true
		}
	}

	return variant.Value{}, false
}

// inflightLookup reports whether cs binds key (directly, or via a
// containing dir-reset), and if so, its bound value (ok=false for a
// reset/null binding).
func inflightLookup(cs *changeset.Set, key string) (value variant.Value, ok bool, matched bool) {
	if v, found := cs.Get(key); found {
		if v == nil {
			return variant.Value{}, false, true
		}

		return *v, true, true
	}

	root, paths, values := cs.Describe()

	for i, rel := range paths {
		full := root + rel
		if pathutil.IsDir(full) && pathutil.HasPrefix(key, full) {
			v := values[i]
			if v == nil {
				return variant.Value{}, false, true
			}

			return *v, true, true
		}
	}

	return variant.Value{}, false, false
}

func rootOf(cs *changeset.Set) string {
	root, _, _ := cs.Describe()

	return root
}

// List returns the sorted, deduplicated union of direct children of dir
// across every source, overlaid with in-flight writes.
func (e *Engine) List(dir string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.refreshAll()

	names := make(map[string]struct{})

	for _, s := range e.sources {
		for _, n := range s.List(dir) {
			names[n] = struct{}{}
		}
	}

	for _, entry := range e.inflight {
		applyInflightToListing(entry.cs, dir, names)
	}

	out := make([]string, 0, len(names))
	for n := range names {
		out = append(out, n)
	}

	sort.Strings(out)

	return out
}

func applyInflightToListing(cs *changeset.Set, dir string, names map[string]struct{}) {
	_, paths, values := cs.Describe()
	root := rootOf(cs)

	for i, rel := range paths {
		full := root + rel

		if pathutil.IsDir(full) && pathutil.HasPrefix(full, dir) && full != dir {
			names[full[len(dir):len(dir)+childSegmentLen(full[len(dir):])]] = struct{}{}

			continue
		}

		if !pathutil.HasPrefix(full, dir) || full == dir {
			continue
		}

		rest := full[len(dir):]
		seg := rest[:childSegmentLen(rest)]

		if values[i] == nil && seg == rest {
			delete(names, seg)
		} else {
			names[seg] = struct{}{}
		}
	}
}

func childSegmentLen(rest string) int {
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			return i + 1
		}
	}

	return len(rest)
}

// IsWritable reports whether key is writable: true iff no source at
// index >= 1 carries a lock matching key. Layer 0 is never consulted for
// locks (spec.md §4.1).
func (e *Engine) IsWritable(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.lockBarrier(key) == 0
}

// touchedPaths returns every path recorded in cs, in describe order.
func touchedPaths(cs *changeset.Set) []string {
	root, rel, _ := cs.Describe()

	out := make([]string, len(rel))
	for i, r := range rel {
		out[i] = root + r
	}

	return out
}

// ChangeFast enqueues cs, emits a synthetic local signal immediately, and
// returns without waiting for the writer's acknowledgement (spec.md §4.2
// "fast path").
func (e *Engine) ChangeFast(cs *changeset.Set) error {
	e.mu.Lock()

	for _, p := range touchedPaths(cs) {
		if e.lockBarrier(p) != 0 {
			e.mu.Unlock()

			return fmt.Errorf("%w: %s", confderrors.ErrNotWritable, p)
		}
	}

	entry := &inflightEntry{cs: cs, done: make(chan struct{})}
	e.pushLocked(entry)
	e.emit(touchedPaths(cs))
	e.dispatchHeadLocked()

	e.mu.Unlock()

	return nil
}

// ChangeSync enqueues cs exactly like ChangeFast, then blocks until the
// writer's reply is known and returns its tag (spec.md §4.2 "change_sync").
func (e *Engine) ChangeSync(ctx context.Context, cs *changeset.Set) (transport.Tag, error) {
	e.mu.Lock()

	for _, p := range touchedPaths(cs) {
		if e.lockBarrier(p) != 0 {
			e.mu.Unlock()

			return "", fmt.Errorf("%w: %s", confderrors.ErrNotWritable, p)
		}
	}

	entry := &inflightEntry{cs: cs, done: make(chan struct{})}
	e.pushLocked(entry)
	e.emit(touchedPaths(cs))
	e.dispatchHeadLocked()

	e.mu.Unlock()

	select {
	case <-entry.done:
		return entry.tag, entry.replyErr
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// pushLocked appends entry to the in-flight queue, coalescing it into an
// existing second (not-yet-dispatched) slot if that slot's change-set is
// similar (same touched keys), per spec.md §4.2 step 4.
func (e *Engine) pushLocked(entry *inflightEntry) {
	if len(e.inflight) >= 2 {
		second := e.inflight[1]
		if !second.dispatched && second.cs.IsSimilarTo(entry.cs) {
			e.inflight[1] = entry

			return
		}
	}

	if len(e.inflight) < maxInflight {
		e.inflight = append(e.inflight, entry)

		return
	}

	// Queue already has a dispatched head and a dissimilar pending
	// successor: spec.md bounds the queue to two entries, so the new
	// write replaces the non-dispatched slot outright rather than
	// growing past the bound.
	e.inflight[len(e.inflight)-1] = entry
}

// dispatchHeadLocked issues the RPC for the queue head if nothing is
// currently in flight.
func (e *Engine) dispatchHeadLocked() {
	if len(e.inflight) == 0 || e.inflight[0].dispatched {
		return
	}

	if e.writerObjectPath == "" {
		e.inflight[0].dispatched = true
		e.inflight[0].replyErr = fmt.Errorf("%w: no writable layer in profile", confderrors.ErrNotWritable)
		close(e.inflight[0].done)
		e.popAndAdvanceLocked()

		return
	}

	head := e.inflight[0]
	head.dispatched = true

	resultCh := e.bus.Call(context.Background(), e.writerObjectPath, head.cs)

	go func() {
		result := <-resultCh

		e.mu.Lock()
		defer e.mu.Unlock()

		e.onReplyLocked(head, result)
	}()
}

func (e *Engine) onReplyLocked(head *inflightEntry, result transport.CallResult) {
	if len(e.inflight) == 0 || e.inflight[0] != head {
		return
	}

	if result.Err == nil {
		head.tag = result.Tag
		e.rememberTagLocked(result.Tag)
	} else {
		e.emit(touchedPaths(head.cs))
	}

	head.replyErr = result.Err
	close(head.done)

	e.popAndAdvanceLocked()
}

func (e *Engine) popAndAdvanceLocked() {
	if len(e.inflight) > 0 {
		e.inflight = e.inflight[1:]
	}

	e.dispatchHeadLocked()
}

func (e *Engine) rememberTagLocked(tag transport.Tag) {
	e.recentTags = append(e.recentTags, tag)
	if len(e.recentTags) > recentTagHistory {
		e.recentTags = e.recentTags[len(e.recentTags)-recentTagHistory:]
	}
}

// HandleNotify processes an incoming Notify signal from the writer
// service: if its tag matches a currently in-flight or recently-completed
// write, it is suppressed (the local signal already fired); otherwise it
// is re-emitted to subscribers (spec.md §4.2 "Notify signal handling").
func (e *Engine) HandleNotify(sig transport.Signal) {
	e.mu.Lock()

	suppress := false

	for _, entry := range e.inflight {
		if entry.tag != "" && entry.tag == sig.Tag {
			suppress = true

			break
		}
	}

	if !suppress {
		for _, t := range e.recentTags {
			if t == sig.Tag {
				suppress = true

				break
			}
		}
	}

	e.mu.Unlock()

	if suppress {
		return
	}

	keys := make([]string, len(sig.Paths))
	for i, p := range sig.Paths {
		keys[i] = sig.Prefix + p
	}

	e.emit(keys)
}

// Watch increments the reference count on path, installing a bus
// subscription on the first reference. The subscription completion
// carries the engine's current state sequence number; if the engine's
// state advances before establishment completes, a synthetic signal is
// emitted for path because a change may have been missed mid-establishment
// (spec.md §4.3).
func (e *Engine) Watch(ctx context.Context, path string) error {
	e.mu.Lock()

	e.watchRefs[path]++
	if e.watchRefs[path] > 1 {
		e.mu.Unlock()

		return nil
	}

	sampledSeq := e.stateSeq.Load()
	watchCtx, cancel := context.WithCancel(ctx)
	e.watchCancel[path] = cancel

	busPath := e.writerObjectPath
	e.mu.Unlock()

	if e.bus == nil || busPath == "" {
		return nil
	}

	sigs, err := e.bus.Subscribe(watchCtx, busPath)
	if err != nil {
		return fmt.Errorf("%w: subscribing to %s: %v", confderrors.ErrTransportFailure, path, err)
	}

	if e.stateSeq.Load() != sampledSeq {
		e.emit([]string{path})
	}

	go func() {
		for sig := range sigs {
			e.HandleNotify(sig)
		}
	}()

	return nil
}

// Unwatch decrements the reference count on path, cancelling the bus
// subscription once it reaches zero.
func (e *Engine) Unwatch(path string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.watchRefs[path] == 0 {
		return
	}

	e.watchRefs[path]--
	if e.watchRefs[path] > 0 {
		return
	}

	delete(e.watchRefs, path)

	if cancel, ok := e.watchCancel[path]; ok {
		cancel()
		delete(e.watchCancel, path)
	}
}

// BumpState advances the engine's state sequence number, called whenever
// profile-affecting state changes (e.g. a successful write commits).
func (e *Engine) BumpState() {
	e.stateSeq.Add(1)
}

