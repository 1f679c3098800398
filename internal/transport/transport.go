// Package transport abstracts the RPC bus the engine and writer service
// communicate over (spec.md §4: "RPC transport abstraction"; the spec
// deliberately leaves the transport product unspecified). It follows the
// same capability-set-as-interface idiom as pkg/fs: one interface with a
// Real implementation backed by a worker goroutine, and a Local in-memory
// double for tests, rather than a class hierarchy.
package transport

import (
	"context"

	"github.com/confdb/confd/pkg/changeset"
)

// BusKind selects which of the two buses a Bus instance talks on.
type BusKind int

const (
	// SessionBus carries user-writable and service-writable database
	// traffic — the bus identity of a logged-in session.
	SessionBus BusKind = iota
	// SystemBus carries system-readonly database traffic.
	SystemBus
)

func (k BusKind) String() string {
	if k == SystemBus {
		return "system"
	}

	return "session"
}

// Tag is the opaque identifier a writer service attaches to a committed
// change, used to suppress the echo of a client's own write (spec.md
// §4.2 "anti-expose", §4.6 "Tag format").
type Tag string

// Signal is a Notify delivered by a writer service: common_prefix plus the
// relative paths that changed, tagged with the write that caused it (empty
// Tag for changes originating outside this process).
type Signal struct {
	Prefix string
	Paths  []string
	Tag    Tag
}

// Handler answers a Call or CallSync addressed to an object path. It is
// how a subtree router exposes a writer object on the bus (spec.md §4.6).
type Handler func(ctx context.Context, cs *changeset.Set) (Tag, error)

// Bus is the capability set the engine and writer service need from an
// RPC transport: async and sync request/reply, plus signal pub/sub.
//
// Call dispatches cs to objectPath and returns without waiting for the
// reply; the reply (or error) arrives on the returned channel. CallSync
// blocks until the reply arrives or ctx is done.
//
// Subscribe installs a match rule for objectPath and delivers every
// Signal published on it (by any Publish call, including this process's
// own writer service) to the returned channel until the context is
// cancelled.
//
// Handle registers the object that answers Call/CallSync for objectPath;
// it is how the writer-side subtree router publishes a writer object.
type Bus interface {
	Handle(objectPath string, h Handler) error
	Call(ctx context.Context, objectPath string, cs *changeset.Set) <-chan CallResult
	CallSync(ctx context.Context, objectPath string, cs *changeset.Set) (Tag, error)
	Subscribe(ctx context.Context, objectPath string) (<-chan Signal, error)
	Publish(objectPath string, sig Signal) error
	Close() error
}

// CallResult is the outcome of an asynchronous [Bus.Call].
type CallResult struct {
	Tag Tag
	Err error
}
