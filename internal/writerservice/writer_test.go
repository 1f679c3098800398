package writerservice_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/confdb/confd/internal/shmflag"
	"github.com/confdb/confd/internal/transport"
	"github.com/confdb/confd/internal/writerservice"
	"github.com/confdb/confd/pkg/changeset"
	"github.com/confdb/confd/pkg/variant"
)

func TestChangeCreatesFileAndNotifies(t *testing.T) {
	dir := t.TempDir()
	dataPath := filepath.Join(dir, "user")
	flagPath := shmflag.Path(dir, "user")

	w := writerservice.New("user", writerservice.KindUser, dataPath, flagPath, "bus:1", nil)

	ptr := func(v variant.Value) *variant.Value { return &v }

	tag, sigs, err := w.Change(changeset.NewWrite("/a/b", ptr(variant.Int32(1))))
	require.NoError(t, err)
	require.Equal(t, transport.Tag("bus:1:user:1"), tag)
	require.Len(t, sigs, 1)
	require.Equal(t, transport.Tag("bus:1:user:1"), sigs[0].Tag)

	r, err := shmflag.OpenReader(flagPath)
	require.NoError(t, err, "commit must leave a fresh, valid flag file behind")
	defer r.Close()
	require.False(t, r.Invalid())
}

func TestChangeNoOpEmitsNoSignal(t *testing.T) {
	dir := t.TempDir()
	dataPath := filepath.Join(dir, "user")

	w := writerservice.New("user", writerservice.KindUser, dataPath, "", "bus:1", nil)

	ptr := func(v variant.Value) *variant.Value { return &v }

	_, sigs, err := w.Change(changeset.NewWrite("/a/b", ptr(variant.Int32(1))))
	require.NoError(t, err)
	require.Len(t, sigs, 1)

	// Re-applying the exact same binding is a no-op against committed
	// state: nothing to write, nothing to notify.
	_, sigs, err = w.Change(changeset.NewWrite("/a/b", ptr(variant.Int32(1))))
	require.NoError(t, err)
	require.Empty(t, sigs)
}

func TestChangePersistsAcrossWriters(t *testing.T) {
	dir := t.TempDir()
	dataPath := filepath.Join(dir, "user")

	ptr := func(v variant.Value) *variant.Value { return &v }

	w1 := writerservice.New("user", writerservice.KindUser, dataPath, "", "bus:1", nil)
	_, _, err := w1.Change(changeset.NewWrite("/a/b", ptr(variant.Int32(7))))
	require.NoError(t, err)

	// A fresh Writer instance over the same data path must load what
	// the first one committed.
	w2 := writerservice.New("user", writerservice.KindUser, dataPath, "", "bus:1", nil)
	_, sigs, err := w2.Change(changeset.NewWrite("/a/b", ptr(variant.Int32(7))))
	require.NoError(t, err)
	require.Empty(t, sigs, "w2 should see /a/b=7 as already committed")
}

func TestInitCreatesMissingFile(t *testing.T) {
	dir := t.TempDir()
	dataPath := filepath.Join(dir, "svc")

	w := writerservice.New("svc", writerservice.KindService, dataPath, "", "bus:1", nil)
	require.NoError(t, w.Init())

	_, sigs, err := w.Change(changeset.New())
	require.NoError(t, err)
	require.Empty(t, sigs)
}

func TestBlameRecordsCommittedTransactions(t *testing.T) {
	dir := t.TempDir()
	dataPath := filepath.Join(dir, "user")

	blame := writerservice.NewBlame()
	w := writerservice.New("user", writerservice.KindUser, dataPath, "", "bus:1", blame)

	ptr := func(v variant.Value) *variant.Value { return &v }

	_, _, err := w.Change(changeset.NewWrite("/a/b", ptr(variant.Int32(1))))
	require.NoError(t, err)

	entries := blame.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, "user", entries[0].Database)
}

func TestRouterDispatchesAndPublishesNotify(t *testing.T) {
	dir := t.TempDir()

	bus := transport.NewLocal()
	defer bus.Close()

	rt := writerservice.NewRouter(bus, "bus:1", writerservice.NewBlame())
	defer rt.Close()

	require.NoError(t, rt.Register(writerservice.DatabaseSpec{
		Name:     "user",
		Kind:     writerservice.KindUser,
		DataPath: filepath.Join(dir, "user"),
		FlagPath: shmflag.Path(dir, "user"),
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs, err := bus.Subscribe(ctx, writerservice.ObjectPath("user"))
	require.NoError(t, err)

	ptr := func(v variant.Value) *variant.Value { return &v }

	tag, err := bus.CallSync(ctx, writerservice.ObjectPath("user"), changeset.NewWrite("/a/b", ptr(variant.Int32(1))))
	require.NoError(t, err)
	require.NotEmpty(t, tag)

	select {
	case sig := <-sigs:
		require.Equal(t, tag, sig.Tag)
	default:
		t.Fatal("expected a Notify to have been published synchronously by the Local bus")
	}

	require.Len(t, rt.Blame(), 1)
}

func TestRouterUnknownDatabaseErrors(t *testing.T) {
	bus := transport.NewLocal()
	defer bus.Close()

	rt := writerservice.NewRouter(bus, "bus:1", nil)

	_, err := rt.Writer("nonexistent")
	require.Error(t, err)
}
