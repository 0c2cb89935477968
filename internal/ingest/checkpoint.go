package ingest

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rotisserie/eris"

	"github.com/sells-group/grid-pipeline/internal/model"
	"github.com/sells-group/grid-pipeline/internal/objstore"
)

// CheckpointKey is where the ingestion checkpoint lives in the object store.
const CheckpointKey = "metadata/last_ingested.json"

// CheckpointStore persists the checkpoint as a small JSON object.
type CheckpointStore struct {
	store objstore.Store
}

// NewCheckpointStore creates a checkpoint store on st.
func NewCheckpointStore(st objstore.Store) *CheckpointStore {
	return &CheckpointStore{store: st}
}

// Load returns the checkpoint, or nil when none has been written yet.
func (c *CheckpointStore) Load(ctx context.Context) (*model.Checkpoint, error) {
	data, err := c.store.Get(ctx, CheckpointKey)
	if err != nil {
		if errors.Is(err, objstore.ErrNotFound) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "ingest: load checkpoint")
	}
	var cp model.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, eris.Wrapf(err, "ingest: decode checkpoint %s", CheckpointKey)
	}
	if cp.LastIngestedUTC.IsZero() {
		return nil, eris.Errorf("ingest: checkpoint %s has no last_ingested_utc", CheckpointKey)
	}
	cp.LastIngestedUTC = cp.LastIngestedUTC.UTC()
	return &cp, nil
}

// Save overwrites the checkpoint.
func (c *CheckpointStore) Save(ctx context.Context, cp model.Checkpoint) error {
	cp.LastIngestedUTC = cp.LastIngestedUTC.UTC()
	data, err := json.Marshal(cp)
	if err != nil {
		return eris.Wrap(err, "ingest: encode checkpoint")
	}
	if err := c.store.Put(ctx, CheckpointKey, data, objstore.PutOptions{
		Overwrite:   true,
		ContentType: "application/json",
	}); err != nil {
		return eris.Wrap(err, "ingest: save checkpoint")
	}
	return nil
}
