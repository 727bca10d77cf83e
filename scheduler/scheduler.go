// Package scheduler decides, on every external tick, whether to submit a new
// bulk job now. The tick itself is cheap and frequent; the scheduler
// self-throttles against a load-adaptive interval so actual dispatch cadence
// follows queue depth, not the trigger.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"

	"lot-describe-pipeline/limiter"
	"lot-describe-pipeline/metrics"
	"lot-describe-pipeline/models"
	"lot-describe-pipeline/store"
	"lot-describe-pipeline/workqueue"
)

const (
	lastDispatchKey = "dispatch_last_run"
	intervalKey     = "dispatch_interval"
	jobKeyPrefix    = "batch_jobs:"

	// cadenceStateTTL bounds how long stale cadence state can linger.
	cadenceStateTTL = time.Hour
	// jobRecordTTL is a safety net; completion handling removes job records
	// long before this in the normal path. Must outlive the 24h batch window.
	jobRecordTTL = 72 * time.Hour
)

// oversizedCode is the error code delivered for work that can never fit a
// submission's size ceilings.
const oversizedCode = "submission_too_large"

// Submitter starts a bulk job from serialized JSONL and returns the job id
// assigned by the external service.
type Submitter interface {
	StartBatch(ctx context.Context, jsonl []byte, endpoint string) (string, error)
}

// ErrorNotifier delivers a terminal error callback for one lot.
type ErrorNotifier interface {
	DeliverError(ctx context.Context, lot *models.Lot, message, code string) error
}

// LostJobSink records bulk jobs whose bookkeeping could not be kept.
type LostJobSink interface {
	SaveLostJob(jobID, stage, reason string) error
}

// Scheduler owns the dispatch decision.
type Scheduler struct {
	store     store.KeyedStore
	queue     *workqueue.Queue
	limiter   *limiter.Limiter
	submitter Submitter
	notifier  ErrorNotifier
	lostJobs  LostJobSink
	cadence   CadenceFunc
	endpoint  string
	maxLines  int
	now       func() time.Time
}

// New creates a scheduler. lostJobs may be nil; cadence may be nil, in
// which case StepCadence is used.
func New(st store.KeyedStore, queue *workqueue.Queue, lim *limiter.Limiter, submitter Submitter, notifier ErrorNotifier, lostJobs LostJobSink, endpoint string, maxLines int, cadence CadenceFunc) *Scheduler {
	if cadence == nil {
		cadence = StepCadence
	}
	return &Scheduler{
		store:     st,
		queue:     queue,
		limiter:   lim,
		submitter: submitter,
		notifier:  notifier,
		lostJobs:  lostJobs,
		cadence:   cadence,
		endpoint:  endpoint,
		maxLines:  maxLines,
		now:       time.Now,
	}
}

// JobKey returns the bookkeeping key for a bulk job id.
func JobKey(jobID string) string {
	return jobKeyPrefix + jobID
}

// JobKeyPattern matches all tracked bulk job keys.
func JobKeyPattern() string {
	return jobKeyPrefix + "*"
}

// LastDispatch reads the most recent dispatch time from shared state.
func LastDispatch(ctx context.Context, st store.KeyedStore) (time.Time, bool, error) {
	raw, ok, err := st.Get(ctx, lastDispatchKey)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	millis, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(millis), true, nil
}

// CurrentInterval reads the persisted dispatch interval from shared state.
func CurrentInterval(ctx context.Context, st store.KeyedStore) (time.Duration, bool, error) {
	raw, ok, err := st.Get(ctx, intervalKey)
	if err != nil || !ok {
		return 0, false, err
	}
	interval, err := time.ParseDuration(raw)
	if err != nil {
		return 0, false, nil
	}
	return interval, true, nil
}

// Tick runs one dispatch decision. Most ticks are no-ops: either the
// computed interval has not elapsed, capacity is saturated, or the queues
// are empty.
func (s *Scheduler) Tick(ctx context.Context) error {
	depth, err := s.queue.TotalDepth(ctx)
	if err != nil {
		return fmt.Errorf("failed to read queue depth: %w", err)
	}

	interval := s.cadence(depth)
	metrics.DispatchIntervalSeconds.Set(interval.Seconds())

	lastRaw, hasLast, err := s.store.Get(ctx, lastDispatchKey)
	if err != nil {
		return fmt.Errorf("failed to read last dispatch time: %w", err)
	}
	now := s.now()
	if hasLast {
		if lastMillis, err := strconv.ParseInt(lastRaw, 10, 64); err == nil {
			if now.Sub(time.UnixMilli(lastMillis)) < interval {
				return nil
			}
		}
	}

	// Saturation and empty queues must not consume the dispatch slot; a
	// tick that cannot dispatch leaves the cadence state untouched so the
	// next eligible tick fires immediately.
	saturated, err := s.limiter.Saturated(ctx)
	if err != nil {
		return fmt.Errorf("failed to check admission state: %w", err)
	}
	if saturated {
		log.Debug("Active batch ceiling reached, skipping dispatch")
		return nil
	}

	stage, err := s.pickStage(ctx)
	if err != nil {
		return err
	}
	if stage == "" {
		return nil
	}

	// Claim this dispatch slot. If another tick got there first, the CAS
	// fails and this tick becomes a no-op.
	expected := ""
	if hasLast {
		expected = lastRaw
	}
	claimed, err := s.store.CompareAndSet(ctx, lastDispatchKey, expected, strconv.FormatInt(now.UnixMilli(), 10), cadenceStateTTL)
	if err != nil {
		return fmt.Errorf("failed to claim dispatch slot: %w", err)
	}
	if !claimed {
		return nil
	}
	if err := s.store.SetEx(ctx, intervalKey, interval.String(), cadenceStateTTL); err != nil {
		log.WithError(err).Warn("Failed to persist dispatch interval")
	}

	return s.dispatch(ctx, stage)
}

// pickStage prefers translation work: those units are further along the
// pipeline, so dispatching them first shortens caller-visible latency.
func (s *Scheduler) pickStage(ctx context.Context) (string, error) {
	translationDepth, err := s.queue.Depth(ctx, models.StageTranslation)
	if err != nil {
		return "", fmt.Errorf("failed to read translation queue depth: %w", err)
	}
	if translationDepth > 0 {
		return models.StageTranslation, nil
	}
	analysisDepth, err := s.queue.Depth(ctx, models.StageAnalysis)
	if err != nil {
		return "", fmt.Errorf("failed to read analysis queue depth: %w", err)
	}
	if analysisDepth > 0 {
		return models.StageAnalysis, nil
	}
	return "", nil
}

func (s *Scheduler) dispatch(ctx context.Context, stage string) error {
	batch, err := s.queue.DrainUpTo(ctx, stage, s.maxLines)
	if err != nil {
		return fmt.Errorf("failed to drain %s queue: %w", stage, err)
	}
	if batch == nil {
		return nil
	}

	// Units that can never fit a submission get a terminal callback now;
	// requeueing them would fail the same way on every drain.
	for i := range batch.Oversized {
		unit := &batch.Oversized[i]
		log.Errorf("Dropping oversized %s unit %s", stage, unit.CustomID)
		if s.notifier == nil {
			continue
		}
		message := fmt.Sprintf("Work item %s exceeds the submission size limits", unit.CustomID)
		if err := s.notifier.DeliverError(ctx, &unit.Lot, message, oversizedCode); err != nil {
			log.WithError(err).Errorf("Failed to deliver oversize callback for lot %s", unit.Lot.LotID)
		}
	}
	if len(batch.Lines) == 0 {
		return nil
	}

	// The admission slot is claimed before submission so a rejected
	// registration costs nothing but the drain. The per-caller scope is the
	// first drained unit's credential; batches are drained FIFO so a batch
	// holds one caller's burst in the common case.
	admissionID := uuid.NewString()
	if err := s.limiter.Register(ctx, batch.CallerKey, admissionID); err != nil {
		s.requeue(ctx, batch)
		return err
	}

	jobID, err := s.submitter.StartBatch(ctx, batch.JSONL, s.endpoint)
	if err != nil {
		if finishErr := s.limiter.Finish(ctx, batch.CallerKey, admissionID); finishErr != nil {
			log.WithError(finishErr).Error("Failed to release admission slot after submit failure")
		}
		s.requeue(ctx, batch)
		return fmt.Errorf("failed to start %s batch: %w", stage, err)
	}

	job := models.BatchJob{
		JobID:       jobID,
		Stage:       stage,
		CallerKey:   batch.CallerKey,
		AdmissionID: admissionID,
		Units:       batch.Units,
		SubmittedAt: s.now(),
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return s.dropUntracked(ctx, &job, fmt.Errorf("failed to serialize job record %s: %w", jobID, err))
	}
	if err := s.store.SetEx(ctx, JobKey(jobID), string(raw), jobRecordTTL); err != nil {
		return s.dropUntracked(ctx, &job, fmt.Errorf("failed to store job record %s: %w", jobID, err))
	}

	metrics.BatchesStartedTotal.WithLabelValues(stage).Inc()
	log.Infof("Started %s batch %s with %d lines", stage, jobID, len(batch.Lines))
	return nil
}

// dropUntracked handles a batch that was submitted but whose bookkeeping
// could not be written: the poller will never see it, so the admission slot
// is released and the job is recorded as lost.
func (s *Scheduler) dropUntracked(ctx context.Context, job *models.BatchJob, cause error) error {
	if err := s.limiter.Finish(ctx, job.CallerKey, job.AdmissionID); err != nil {
		log.WithError(err).Errorf("Failed to release admission slot for untracked batch %s", job.JobID)
	}
	metrics.BatchesLostTotal.Inc()
	if s.lostJobs != nil {
		if err := s.lostJobs.SaveLostJob(job.JobID, job.Stage, cause.Error()); err != nil {
			log.WithError(err).Errorf("Failed to record lost batch %s", job.JobID)
		}
	}
	return cause
}

// requeue puts drained units back at the tail. Order within the batch is
// preserved; position relative to units enqueued meanwhile is not.
func (s *Scheduler) requeue(ctx context.Context, batch *workqueue.Batch) {
	for _, line := range batch.Lines {
		unit := batch.Units[line.CustomID]
		if err := s.queue.Enqueue(ctx, unit); err != nil {
			log.WithError(err).Errorf("Failed to requeue unit %s after dispatch failure", unit.CustomID)
		}
	}
}
