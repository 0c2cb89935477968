package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/grid-pipeline/internal/model"
	"github.com/sells-group/grid-pipeline/internal/objstore"
)

func TestCheckpointStore_RoundTrip(t *testing.T) {
	st, err := objstore.NewFS(t.TempDir())
	require.NoError(t, err)
	cs := NewCheckpointStore(st)
	ctx := context.Background()

	cp, err := cs.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, cp, "absent on first run")

	at := time.Date(2024, 5, 1, 5, 0, 0, 0, time.UTC)
	require.NoError(t, cs.Save(ctx, model.Checkpoint{LastIngestedUTC: at}))
	require.NoError(t, cs.Save(ctx, model.Checkpoint{LastIngestedUTC: at.Add(time.Hour)}))

	raw, err := st.Get(ctx, CheckpointKey)
	require.NoError(t, err)
	assert.JSONEq(t, `{"last_ingested_utc":"2024-05-01T06:00:00Z"}`, string(raw))

	cp, err = cs.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, at.Add(time.Hour), cp.LastIngestedUTC)
}

func TestCheckpointStore_AcceptsOffsetTimestamps(t *testing.T) {
	st, err := objstore.NewFS(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, st.Put(ctx, CheckpointKey, []byte(`{"last_ingested_utc":"2024-05-01T05:00:00+00:00"}`), objstore.PutOptions{}))

	cp, err := NewCheckpointStore(st).Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 1, 5, 0, 0, 0, time.UTC), cp.LastIngestedUTC)
}

func TestCheckpointStore_Corrupt(t *testing.T) {
	st, err := objstore.NewFS(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, st.Put(ctx, CheckpointKey, []byte(`not json`), objstore.PutOptions{}))

	_, err = NewCheckpointStore(st).Load(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode checkpoint")
}

func TestCheckpointStore_MissingField(t *testing.T) {
	st, err := objstore.NewFS(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, st.Put(ctx, CheckpointKey, []byte(`{}`), objstore.PutOptions{}))

	_, err = NewCheckpointStore(st).Load(ctx)
	require.Error(t, err)
}
