package writerservice

import (
	"context"
	"fmt"
	"path"
	"sync"

	"github.com/confdb/confd/internal/transport"
	"github.com/confdb/confd/pkg/changeset"
)

// DatabaseSpec describes one database a [Router] is prepared to serve,
// supplied by the daemon's configuration (SPEC_FULL.md §3).
type DatabaseSpec struct {
	Name     string
	Kind     Kind
	DataPath string
	FlagPath string // "" for KindService
}

// Router is the subtree router of spec.md §4.6: a name-keyed map from
// database name to its [Writer], guarded by a plain mutex (the same
// shape as the teacher's lazy-singleton idiom, generalized from a single
// sync.Once-guarded value to many independently created entries).
type Router struct {
	mu            sync.Mutex
	bus           transport.Bus
	busUniqueName string
	specs         map[string]DatabaseSpec
	writers       map[string]*Writer
	blame         *Blame
	blamePath     string
}

// NewRouter constructs a Router over bus. busUniqueName feeds every
// Writer's tag generation (spec.md §4.6 "Tag format"). blame may be nil
// to disable transaction history.
func NewRouter(bus transport.Bus, busUniqueName string, blame *Blame) *Router {
	return &Router{
		bus:           bus,
		busUniqueName: busUniqueName,
		specs:         make(map[string]DatabaseSpec),
		writers:       make(map[string]*Writer),
		blame:         blame,
	}
}

// ObjectPath returns the bus object path a database's writer answers on.
func ObjectPath(name string) string {
	return path.Join("/db", name)
}

// Register creates the Writer for spec and installs its bus handler
// immediately: the Router's "first reference" (spec.md §4.6) is the
// daemon registering a database out of its configuration at startup,
// since the underlying Bus requires a Handle call before it will route
// any RPC to that object path at all — there is no wildcard-subtree
// dispatch to defer creation until the first incoming Call. Registering
// the same name twice is an error: a database's identity (kind, paths)
// must not change after it is known.
func (rt *Router) Register(spec DatabaseSpec) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if _, ok := rt.specs[spec.Name]; ok {
		return fmt.Errorf("writerservice: database %q already registered", spec.Name)
	}

	rt.specs[spec.Name] = spec

	w := New(spec.Name, spec.Kind, spec.DataPath, spec.FlagPath, rt.busUniqueName, rt.blame)

	objectPath := ObjectPath(spec.Name)
	if err := rt.bus.Handle(objectPath, rt.handlerFor(w, objectPath)); err != nil {
		delete(rt.specs, spec.Name)

		return fmt.Errorf("writerservice: registering handler for %s: %w", objectPath, err)
	}

	rt.writers[spec.Name] = w

	return nil
}

// Writer returns the already-registered Writer for name.
func (rt *Router) Writer(name string) (*Writer, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	w, ok := rt.writers[name]
	if !ok {
		return nil, fmt.Errorf("writerservice: unknown database %q", name)
	}

	return w, nil
}

// handlerFor adapts w.Change to the bus's Handler shape, publishing the
// Notify signals w.Change returns (spec.md §4.6 step 5).
func (rt *Router) handlerFor(w *Writer, objectPath string) transport.Handler {
	return func(ctx context.Context, cs *changeset.Set) (transport.Tag, error) {
		tag, signals, err := w.Change(cs)
		if err != nil {
			return "", err
		}

		for _, sig := range signals {
			if pubErr := rt.bus.Publish(objectPath, sig); pubErr != nil {
				return tag, fmt.Errorf("writerservice: publishing notify for %s: %w", objectPath, pubErr)
			}
		}

		if len(signals) > 0 {
			rt.mu.Lock()
			path := rt.blamePath
			rt.mu.Unlock()

			if werr := rt.blame.WriteFile(path); werr != nil {
				return tag, fmt.Errorf("writerservice: writing blame log: %w", werr)
			}
		}

		return tag, nil
	}
}

// Init forces a database's file into existence (the "Init" RPC of
// spec.md §4.6's table), used by service-kind clients to materialize an
// as-yet-absent ephemeral database.
func (rt *Router) Init(name string) error {
	w, err := rt.Writer(name)
	if err != nil {
		return err
	}

	return w.Init()
}

// Blame returns the Router's transaction history, or nil if diagnostics
// were not enabled at construction.
func (rt *Router) Blame() []BlameEntry {
	return rt.blame.Entries()
}

// SetBlamePath makes every future committed transaction flush the
// Blame log to path, read by a separate cmd/confd-blame invocation.
func (rt *Router) SetBlamePath(path string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	rt.blamePath = path
}

// Close releases every registered Writer's held mappings.
func (rt *Router) Close() error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	var err error

	for _, w := range rt.writers {
		if cerr := w.Close(); err == nil {
			err = cerr
		}
	}

	return err
}
