// Package tracker keeps run documents in Redis so concurrent trainers and
// dashboards can follow progress. Documents are updated under a distributed
// lock with JSON merge patches, so fields written by other tools survive.
package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	jsonpatch "github.com/evanphx/json-patch"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"legalner.dev/lnt/logger"
	"legalner.dev/lnt/train"
	"legalner.dev/lnt/types"
)

type RunStatus string

const (
	RunStatusStarted   RunStatus = "started"
	RunStatusTraining  RunStatus = "training"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// RunDocument mirrors what is stored under run:<runID>.
type RunDocument struct {
	RunID      string               `json:"run_id,omitempty"`
	Name       string               `json:"name,omitempty"`
	ConfigHash string               `json:"config_hash,omitempty"`
	Status     RunStatus            `json:"status,omitempty"`
	StartedAt  string               `json:"started_at,omitempty"`
	UpdatedAt  string               `json:"updated_at,omitempty"`
	Error      string               `json:"error,omitempty"`
	Epochs     []train.EpochMetrics `json:"epochs,omitempty"`
	Best       *BestCheckpoint      `json:"best,omitempty"`
}

type BestCheckpoint struct {
	StrictF1      float64 `json:"f1_strict"`
	CheckpointKey string  `json:"checkpoint_key"`
}

type Tracker struct {
	client *redisClient
	now    func() time.Time
	log    zerolog.Logger
}

// New connects to the runs database.
func New() (*Tracker, error) {
	client, err := newRedisClient(RunsDB)
	if err != nil {
		return nil, err
	}
	return &Tracker{client: client, now: time.Now, log: logger.NewLogger("tracker")}, nil
}

func (t *Tracker) Close() error {
	return t.client.close()
}

func runKey(runID string) string {
	return fmt.Sprintf("run:%s", runID)
}

// Start registers a fresh run document, overwriting any previous run with the
// same id.
func (t *Tracker) Start(ctx context.Context, cfg types.RunConfig) error {
	doc := RunDocument{
		RunID:      cfg.RunID(),
		Name:       cfg.Name,
		ConfigHash: fmt.Sprintf("%016x", cfg.GetHashCode()),
		Status:     RunStatusStarted,
		StartedAt:  t.now().UTC().Format(time.RFC3339),
		UpdatedAt:  t.now().UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return t.client.set(ctx, runKey(doc.RunID), data)
}

// RecordEpoch appends epoch metrics to the run history and marks the run as
// training.
func (t *Tracker) RecordEpoch(ctx context.Context, runID string, m train.EpochMetrics) error {
	return t.update(ctx, runID, func(doc *RunDocument) {
		doc.Status = RunStatusTraining
		doc.Epochs = append(doc.Epochs, m)
	})
}

// RecordBest stores the checkpoint key of the best strict F1 seen so far.
func (t *Tracker) RecordBest(ctx context.Context, runID string, strictF1 float64, checkpointKey string) error {
	return t.update(ctx, runID, func(doc *RunDocument) {
		doc.Best = &BestCheckpoint{StrictF1: strictF1, CheckpointKey: checkpointKey}
	})
}

// Complete marks the run finished.
func (t *Tracker) Complete(ctx context.Context, runID string) error {
	return t.update(ctx, runID, func(doc *RunDocument) {
		doc.Status = RunStatusCompleted
	})
}

// Fail marks the run failed with the error message.
func (t *Tracker) Fail(ctx context.Context, runID string, cause error) error {
	return t.update(ctx, runID, func(doc *RunDocument) {
		doc.Status = RunStatusFailed
		if cause != nil {
			doc.Error = cause.Error()
		}
	})
}

// Get fetches the current run document, or nil when the run is unknown.
func (t *Tracker) Get(ctx context.Context, runID string) (*RunDocument, error) {
	raw, err := t.client.get(ctx, runKey(runID))
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var doc RunDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// update applies updateFunc under the run lock. The stored raw document is
// merge-patched rather than replaced, so fields this process never touched
// stay intact.
func (t *Tracker) update(ctx context.Context, runID string, updateFunc func(doc *RunDocument)) (err error) {
	key := runKey(runID)
	releaseLock, err := t.client.lock(ctx, key)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = releaseLock()
			return
		}
		err = releaseLock()
	}()

	original, err := t.client.get(ctx, key)
	if errors.Is(err, redis.Nil) {
		t.log.Warn().Str("run_id", runID).Msg("run document missing, creating one")
		original = []byte(`{}`)
	} else if err != nil {
		return err
	}

	merged, err := mergeRunDocument(original, updateFunc, t.now().UTC())
	if err != nil {
		return err
	}
	return t.client.set(ctx, key, merged)
}

// mergeRunDocument decodes the stored document, applies the update and
// produces the merged raw JSON.
func mergeRunDocument(original []byte, updateFunc func(doc *RunDocument), now time.Time) ([]byte, error) {
	var doc RunDocument
	if err := json.Unmarshal(original, &doc); err != nil {
		return nil, fmt.Errorf("run document is not valid JSON: %w", err)
	}
	updateFunc(&doc)
	doc.UpdatedAt = now.Format(time.RFC3339)

	patch, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return jsonpatch.MergePatch(original, patch)
}
