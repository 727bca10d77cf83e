// Package workqueue holds pending per-lot work for the two pipeline stages
// and turns a bounded slice of it into one bulk submission. Queues are
// shared-store lists: enqueue appends to the tail, drain pops from the head.
package workqueue

import (
	"context"
	"encoding/json"
	"fmt"

	"lot-describe-pipeline/models"
	"lot-describe-pipeline/store"
)

const (
	analysisQueueKey    = "analysis_pending_queue"
	translationQueueKey = "translation_pending_queue"
)

// BodyBuilder constructs the inference request body for one work unit.
type BodyBuilder func(unit *models.WorkUnit) (json.RawMessage, error)

// Limits are the submission ceilings checked over the fully serialized
// representation, not estimates.
type Limits struct {
	MaxLines      int
	MaxLineBytes  int64
	MaxTotalBytes int64
}

// Line is one bulk submission line in the external service's format.
type Line struct {
	CustomID string          `json:"custom_id"`
	Method   string          `json:"method"`
	URL      string          `json:"url"`
	Body     json.RawMessage `json:"body"`
}

// Batch is the result of one drain: the serialized JSONL plus the
// correlation map covering every submitted unit. Oversized holds drained
// units whose serialized line can never fit the per-line ceiling; they are
// not part of the submission and need a terminal outcome from the caller.
type Batch struct {
	Stage     string
	CallerKey string
	Lines     []Line
	JSONL     []byte
	Units     map[string]models.WorkUnit
	Oversized []models.WorkUnit
}

// Queue wraps the two stage queues.
type Queue struct {
	store     store.KeyedStore
	endpoint  string
	limits    Limits
	buildBody BodyBuilder
}

// New creates a queue. endpoint is the inference endpoint every submission
// line targets.
func New(st store.KeyedStore, endpoint string, limits Limits, buildBody BodyBuilder) *Queue {
	return &Queue{store: st, endpoint: endpoint, limits: limits, buildBody: buildBody}
}

func queueKey(stage string) (string, error) {
	switch stage {
	case models.StageAnalysis:
		return analysisQueueKey, nil
	case models.StageTranslation:
		return translationQueueKey, nil
	default:
		return "", fmt.Errorf("unknown stage %q", stage)
	}
}

// Enqueue appends a work unit to the tail of its stage's queue.
func (q *Queue) Enqueue(ctx context.Context, unit models.WorkUnit) error {
	key, err := queueKey(unit.Stage)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(unit)
	if err != nil {
		return fmt.Errorf("failed to serialize work unit %s: %w", unit.CustomID, err)
	}
	return q.store.RPush(ctx, key, string(raw))
}

// Depth returns the pending unit count for one stage.
func (q *Queue) Depth(ctx context.Context, stage string) (int64, error) {
	key, err := queueKey(stage)
	if err != nil {
		return 0, err
	}
	return q.store.LLen(ctx, key)
}

// TotalDepth returns the pending unit count across both stages.
func (q *Queue) TotalDepth(ctx context.Context) (int64, error) {
	analysis, err := q.store.LLen(ctx, analysisQueueKey)
	if err != nil {
		return 0, err
	}
	translation, err := q.store.LLen(ctx, translationQueueKey)
	if err != nil {
		return 0, err
	}
	return analysis + translation, nil
}

// DrainUpTo pops up to maxCount units from the head of the stage's queue and
// builds one bulk submission. A unit whose serialized line exceeds the
// per-line ceiling is set aside in Oversized rather than failing the drain;
// it can never fit any submission. When adding a line would push the
// submission over the total-byte ceiling, that unit goes back on the queue
// and the drain stops with what fits. Drained units are otherwise not
// restored; the caller owns drain+submit as a single unit of work. Returns
// nil when the queue is empty.
func (q *Queue) DrainUpTo(ctx context.Context, stage string, maxCount int) (*Batch, error) {
	key, err := queueKey(stage)
	if err != nil {
		return nil, err
	}
	if maxCount > q.limits.MaxLines {
		maxCount = q.limits.MaxLines
	}

	batch := &Batch{
		Stage: stage,
		Units: make(map[string]models.WorkUnit),
	}
	var jsonl []byte
	var totalBytes int64

	for len(batch.Lines) < maxCount {
		raw, ok, err := q.store.LPop(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("failed to pop from %s: %w", key, err)
		}
		if !ok {
			break
		}

		var unit models.WorkUnit
		if err := json.Unmarshal([]byte(raw), &unit); err != nil {
			return nil, fmt.Errorf("corrupt work unit in %s: %w", key, err)
		}

		body, err := q.buildBody(&unit)
		if err != nil {
			return nil, fmt.Errorf("failed to build body for %s: %w", unit.CustomID, err)
		}

		line := Line{CustomID: unit.CustomID, Method: "POST", URL: q.endpoint, Body: body}
		serialized, err := json.Marshal(line)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize line %s: %w", unit.CustomID, err)
		}

		lineBytes := int64(len(serialized)) + 1 // trailing newline
		if int64(len(serialized)) > q.limits.MaxLineBytes {
			batch.Oversized = append(batch.Oversized, unit)
			continue
		}
		if totalBytes+lineBytes > q.limits.MaxTotalBytes {
			if len(batch.Lines) == 0 {
				// Fits the per-line ceiling but not the submission at all;
				// requeueing it would poison every future drain.
				batch.Oversized = append(batch.Oversized, unit)
				continue
			}
			if err := q.Enqueue(ctx, unit); err != nil {
				return nil, fmt.Errorf("failed to requeue %s after size cutoff: %w", unit.CustomID, err)
			}
			break
		}

		if batch.CallerKey == "" {
			batch.CallerKey = unit.Lot.CallerKey
		}
		batch.Lines = append(batch.Lines, line)
		batch.Units[unit.CustomID] = unit
		jsonl = append(jsonl, serialized...)
		jsonl = append(jsonl, '\n')
		totalBytes += lineBytes
	}

	if len(batch.Lines) == 0 && len(batch.Oversized) == 0 {
		return nil, nil
	}
	batch.JSONL = jsonl
	return batch, nil
}
