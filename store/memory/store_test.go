package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	Value string `json:"value"`
}

func TestPutGetRoundTrip(t *testing.T) {
	st := New()
	defer st.Close()
	ctx := context.Background()

	require.NoError(t, st.Put(ctx, "k1", &record{Value: "v1"}, time.Minute))

	var got record
	found, err := st.Get(ctx, "k1", &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "v1", got.Value)
}

func TestGetAbsentKey(t *testing.T) {
	st := New()
	defer st.Close()

	var got record
	found, err := st.Get(context.Background(), "missing", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPutOverwrites(t *testing.T) {
	st := New()
	defer st.Close()
	ctx := context.Background()

	require.NoError(t, st.Put(ctx, "k1", &record{Value: "old"}, time.Minute))
	require.NoError(t, st.Put(ctx, "k1", &record{Value: "new"}, time.Minute))

	var got record
	found, err := st.Get(ctx, "k1", &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "new", got.Value)
}

func TestGetDelConsumesRecord(t *testing.T) {
	st := New()
	defer st.Close()
	ctx := context.Background()

	require.NoError(t, st.Put(ctx, "k1", &record{Value: "v1"}, time.Minute))

	var got record
	found, err := st.GetDel(ctx, "k1", &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "v1", got.Value)

	// The record was consumed: a second read observes it absent.
	found, err = st.GetDel(ctx, "k1", &got)
	require.NoError(t, err)
	assert.False(t, found)

	found, err = st.Get(ctx, "k1", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestExpiry(t *testing.T) {
	st := New()
	defer st.Close()
	ctx := context.Background()

	require.NoError(t, st.Put(ctx, "k1", &record{Value: "v1"}, 20*time.Millisecond))

	time.Sleep(50 * time.Millisecond)

	var got record
	found, err := st.Get(ctx, "k1", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDelete(t *testing.T) {
	st := New()
	defer st.Close()
	ctx := context.Background()

	require.NoError(t, st.Put(ctx, "k1", &record{Value: "v1"}, time.Minute))
	require.NoError(t, st.Delete(ctx, "k1"))

	var got record
	found, err := st.Get(ctx, "k1", &got)
	require.NoError(t, err)
	assert.False(t, found)

	// Deleting an absent key is not an error.
	assert.NoError(t, st.Delete(ctx, "k1"))
}
