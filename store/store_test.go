package store_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"go.vigilo.io/connector/log"
	"go.vigilo.io/connector/store"
)

func TestPutPopFIFO(t *testing.T) {
	f, err := os.CreateTemp("", "retry-*.db")
	require.NoError(t, err)
	path := f.Name()
	require.NoError(t, f.Close())
	defer os.Remove(path)

	s, err := store.Open(path, "tmp_table", log.Discard())
	require.NoError(t, err)

	ctx := context.Background()
	msgs := [][]byte{
		[]byte(`<abc foo="bar">def</abc>`),
		[]byte(`<root />`),
		[]byte(`<toto><tutu/><titi><tata/></titi></toto>`),
	}
	for _, m := range msgs {
		require.NoError(t, s.Put(ctx, m))
	}

	for _, want := range msgs {
		got, ok, err := s.Pop(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, want, got)
	}

	_, ok, err := s.Pop(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Close(ctx))
}

func TestSizeReflectsBuffersAndDisk(t *testing.T) {
	f, err := os.CreateTemp("", "retry-*.db")
	require.NoError(t, err)
	path := f.Name()
	require.NoError(t, f.Close())
	defer os.Remove(path)

	s, err := store.Open(path, "tmp_table", log.Discard())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, []byte("one")))
	require.NoError(t, s.Put(ctx, []byte("two")))

	n, err := s.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	_, ok, err := s.Pop(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	n, err = s.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.NoError(t, s.Close(ctx))
}

// TestPutFrontPreservesOrderAcrossPartialFlushFailure proves the fix for
// endpoint.LineSocketClient.flushBacklog's partial-flush failure case: a
// message popped for delivery but not actually delivered must come back
// out ahead of anything popped after it, not behind it as appending to the
// tail via Put would produce.
func TestPutFrontPreservesOrderAcrossPartialFlushFailure(t *testing.T) {
	f, err := os.CreateTemp("", "retry-*.db")
	require.NoError(t, err)
	path := f.Name()
	require.NoError(t, f.Close())
	defer os.Remove(path)

	s, err := store.Open(path, "tmp_table", log.Discard())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, []byte("a")))
	require.NoError(t, s.Put(ctx, []byte("b")))
	require.NoError(t, s.Put(ctx, []byte("c")))

	// flushBacklog pops "a" to deliver it, but the write fails.
	got, ok, err := s.Pop(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("a"), got)
	s.PutFront(got)

	// the retried delivery must see "a" again before "b"/"c", not after.
	for _, want := range [][]byte{[]byte("a"), []byte("b"), []byte("c")} {
		got, ok, err := s.Pop(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, want, got)
	}

	require.NoError(t, s.Close(ctx))
}

func TestRestartPreservesOrder(t *testing.T) {
	f, err := os.CreateTemp("", "retry-*.db")
	require.NoError(t, err)
	path := f.Name()
	require.NoError(t, f.Close())
	defer os.Remove(path)

	ctx := context.Background()

	s1, err := store.Open(path, "tmp_table", log.Discard())
	require.NoError(t, err)
	require.NoError(t, s1.Put(ctx, []byte("first")))
	require.NoError(t, s1.Put(ctx, []byte("second")))
	require.NoError(t, s1.Close(ctx))

	s2, err := store.Open(path, "tmp_table", log.Discard())
	require.NoError(t, err)

	got, ok, err := s2.Pop(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("first"), got)

	got, ok, err = s2.Pop(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("second"), got)

	require.NoError(t, s2.Close(ctx))
}
