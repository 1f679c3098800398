package transport_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/confdb/confd/internal/transport"
	"github.com/confdb/confd/pkg/changeset"
)

func testCallReply(t *testing.T, bus transport.Bus) {
	t.Helper()

	require.NoError(t, bus.Handle("/db/user", func(ctx context.Context, cs *changeset.Set) (transport.Tag, error) {
		return transport.Tag("bus:user:1"), nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	tag, err := bus.CallSync(ctx, "/db/user", changeset.New())
	require.NoError(t, err)
	require.Equal(t, transport.Tag("bus:user:1"), tag)
}

func testSignalDelivery(t *testing.T, bus transport.Bus) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs, err := bus.Subscribe(ctx, "/db/user")
	require.NoError(t, err)

	require.NoError(t, bus.Publish("/db/user", transport.Signal{Prefix: "/a/", Paths: []string{"b"}}))

	select {
	case sig := <-sigs:
		require.Equal(t, "/a/", sig.Prefix)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for signal")
	}
}

func TestReal(t *testing.T) {
	bus := transport.NewReal(transport.SessionBus)
	defer bus.Close()

	testCallReply(t, bus)
	testSignalDelivery(t, bus)
}

func TestLocal(t *testing.T) {
	bus := transport.NewLocal()
	defer bus.Close()

	testCallReply(t, bus)
	testSignalDelivery(t, bus)
}

func TestCallWithoutHandlerErrors(t *testing.T) {
	bus := transport.NewReal(transport.SessionBus)
	defer bus.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := bus.CallSync(ctx, "/db/missing", changeset.New())
	require.Error(t, err)
}
