package engine_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/confdb/confd/internal/engine"
	"github.com/confdb/confd/internal/mapfile"
	"github.com/confdb/confd/internal/source"
	"github.com/confdb/confd/internal/transport"
	"github.com/confdb/confd/pkg/changeset"
	"github.com/confdb/confd/pkg/variant"
)

func buildSource(t *testing.T, name string, entries map[string]variant.Value, locks []string) *source.Source {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, name)

	b := mapfile.NewBuilder()
	for k, v := range entries {
		b.Put(k, v)
	}

	for _, l := range locks {
		b.Lock(l)
	}

	require.NoError(t, mapfile.WriteFile(path, b))

	s := source.New(name, source.KindUser, path, "")
	require.True(t, s.Refresh())

	return s
}

func TestReadLayeringAndLockPrecedence(t *testing.T) {
	user := buildSource(t, "user", map[string]variant.Value{
		"/a/b": variant.Int32(1),
	}, nil)

	system := buildSource(t, "system", map[string]variant.Value{
		"/a/b": variant.Int32(99),
	}, []string{"/a/b"})

	e := engine.New([]*source.Source{user, system}, transport.NewLocal(), "/db/user")

	v, ok := e.Read("/a/b")
	require.True(t, ok)
	require.True(t, variant.Equal(v, variant.Int32(99)), "locked key must read from the locking layer, not layer 0")

	require.False(t, e.IsWritable("/a/b"))
}

func TestReadUnlockedPrefersLayerZero(t *testing.T) {
	user := buildSource(t, "user", map[string]variant.Value{
		"/a/b": variant.Int32(1),
	}, nil)

	system := buildSource(t, "system", map[string]variant.Value{
		"/a/b": variant.Int32(99),
		"/a/c": variant.Int32(2),
	}, nil)

	e := engine.New([]*source.Source{user, system}, transport.NewLocal(), "/db/user")

	v, ok := e.Read("/a/b")
	require.True(t, ok)
	require.True(t, variant.Equal(v, variant.Int32(1)))

	v, ok = e.Read("/a/c")
	require.True(t, ok)
	require.True(t, variant.Equal(v, variant.Int32(2)))

	require.True(t, e.IsWritable("/a/b"))
}

func TestChangeSyncRoundTrip(t *testing.T) {
	user := buildSource(t, "user", nil, nil)

	// Real, not Local: its worker goroutine answers Call asynchronously,
	// so the handler can withhold its reply and open a genuine in-flight
	// window for the read-your-writes overlay to be observed in.
	bus := transport.NewReal(transport.SessionBus)
	defer bus.Close()

	release := make(chan struct{})
	require.NoError(t, bus.Handle("/db/user", func(ctx context.Context, cs *changeset.Set) (transport.Tag, error) {
		<-release

		return transport.Tag("bus:user:1"), nil
	}))

	e := engine.New([]*source.Source{user}, bus, "/db/user")

	var (
		tag     transport.Tag
		callErr error
	)

	done := make(chan struct{})

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		tag, callErr = e.ChangeSync(ctx, changeset.NewWrite("/a/b", ptr(variant.Int32(5))))
		close(done)
	}()

	require.Eventually(t, func() bool {
		v, ok := e.Read("/a/b")

		return ok && variant.Equal(v, variant.Int32(5))
	}, time.Second, 5*time.Millisecond, "in-flight write should be visible before the writer replies")

	close(release)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ChangeSync did not complete")
	}

	require.NoError(t, callErr)
	require.Equal(t, transport.Tag("bus:user:1"), tag)
}

func TestChangeFastRejectsLockedKey(t *testing.T) {
	user := buildSource(t, "user", nil, nil)
	system := buildSource(t, "system", nil, []string{"/a/b"})

	e := engine.New([]*source.Source{user, system}, transport.NewLocal(), "/db/user")

	err := e.ChangeFast(changeset.NewWrite("/a/b", ptr(variant.Int32(5))))
	require.Error(t, err)
}

func TestChangeSyncWithoutWriterObjectFails(t *testing.T) {
	user := buildSource(t, "user", nil, nil)

	e := engine.New([]*source.Source{user}, transport.NewLocal(), "")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := e.ChangeSync(ctx, changeset.NewWrite("/a/b", ptr(variant.Int32(5))))
	require.Error(t, err)
}

func TestHandleNotifySuppressesOwnTag(t *testing.T) {
	user := buildSource(t, "user", nil, nil)

	bus := transport.NewLocal()
	require.NoError(t, bus.Handle("/db/user", func(ctx context.Context, cs *changeset.Set) (transport.Tag, error) {
		return transport.Tag("bus:user:1"), nil
	}))

	e := engine.New([]*source.Source{user}, bus, "/db/user")

	sigs := make(chan engine.Signal, 4)
	e.Subscribe(sigs)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := e.ChangeSync(ctx, changeset.NewWrite("/a/b", ptr(variant.Int32(5))))
	require.NoError(t, err)

	// drain the synthetic local signal from ChangeSync itself
	select {
	case <-sigs:
	case <-time.After(time.Second):
		t.Fatal("expected local synthetic signal")
	}

	e.HandleNotify(transport.Signal{Prefix: "/a/", Paths: []string{"b"}, Tag: "bus:user:1"})

	select {
	case sig := <-sigs:
		t.Fatalf("expected own-write Notify to be suppressed, got %+v", sig)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHandleNotifyForwardsForeignTag(t *testing.T) {
	user := buildSource(t, "user", nil, nil)

	e := engine.New([]*source.Source{user}, transport.NewLocal(), "/db/user")

	sigs := make(chan engine.Signal, 4)
	e.Subscribe(sigs)

	e.HandleNotify(transport.Signal{Prefix: "/a/", Paths: []string{"b"}, Tag: "some-other-client:1"})

	select {
	case sig := <-sigs:
		require.Equal(t, []string{"/a/b"}, sig.Keys)
	case <-time.After(time.Second):
		t.Fatal("expected foreign Notify to be forwarded")
	}
}

func TestWatchUnwatchRefCounting(t *testing.T) {
	user := buildSource(t, "user", nil, nil)

	bus := transport.NewLocal()
	require.NoError(t, bus.Handle("/db/user", func(ctx context.Context, cs *changeset.Set) (transport.Tag, error) {
		return transport.Tag("bus:user:1"), nil
	}))

	e := engine.New([]*source.Source{user}, bus, "/db/user")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, e.Watch(ctx, "/a/"))
	require.NoError(t, e.Watch(ctx, "/a/"))

	e.Unwatch("/a/")
	e.Unwatch("/a/")

	// a third Unwatch with no outstanding ref is a no-op, not a panic
	e.Unwatch("/a/")
}

func ptr(v variant.Value) *variant.Value { return &v }
