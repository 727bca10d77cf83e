// Package poller tracks open bulk jobs to their terminal status and drives
// completion handling. Each poll tick fans out one status check per open job;
// terminal jobs are claimed through a write-once marker so completion runs
// exactly once even with concurrent pollers.
package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"

	"lot-describe-pipeline/limiter"
	"lot-describe-pipeline/metrics"
	"lot-describe-pipeline/models"
	"lot-describe-pipeline/openai"
	"lot-describe-pipeline/scheduler"
	"lot-describe-pipeline/store"
)

// completingTTL bounds how long a claim can outlive a crashed worker.
const completingTTL = time.Hour

// StatusChecker fetches the current status of one bulk job.
type StatusChecker interface {
	RetrieveBatch(ctx context.Context, batchID string) (*openai.BatchStatus, error)
}

// CompletionScheduler receives jobs whose status became terminal.
type CompletionScheduler interface {
	Schedule(job *models.BatchJob, status *openai.BatchStatus)
}

// LostJobSink records jobs dropped after an unrecoverable status-check
// failure. May be nil.
type LostJobSink interface {
	SaveLostJob(jobID, stage, reason string) error
}

// Poller polls every tracked bulk job and hands terminal ones to completion.
type Poller struct {
	store        store.KeyedStore
	limiter      *limiter.Limiter
	checker      StatusChecker
	completions  CompletionScheduler
	lostJobs     LostJobSink
	checkTimeout time.Duration
}

// New creates a poller.
func New(st store.KeyedStore, lim *limiter.Limiter, checker StatusChecker, completions CompletionScheduler, lostJobs LostJobSink, checkTimeout time.Duration) *Poller {
	return &Poller{
		store:        st,
		limiter:      lim,
		checker:      checker,
		completions:  completions,
		lostJobs:     lostJobs,
		checkTimeout: checkTimeout,
	}
}

func completingKey(jobID string) string {
	return "completing:" + jobID
}

// Tick polls every open job once. All status checks run concurrently and the
// tick waits for every one to resolve; a stuck check is cut off by the
// per-check timeout so it cannot stall its siblings.
func (p *Poller) Tick(ctx context.Context) error {
	keys, err := p.store.ScanKeys(ctx, scheduler.JobKeyPattern())
	if err != nil {
		return fmt.Errorf("failed to list open jobs: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	for _, key := range keys {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			p.checkOne(ctx, key)
		}(key)
	}
	wg.Wait()
	return nil
}

func (p *Poller) checkOne(ctx context.Context, jobKey string) {
	raw, ok, err := p.store.Get(ctx, jobKey)
	if err != nil {
		log.WithError(err).Errorf("Failed to load job record %s", jobKey)
		return
	}
	if !ok {
		// Removed by completion handling between scan and read.
		return
	}
	var job models.BatchJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		log.WithError(err).Errorf("Corrupt job record %s, dropping", jobKey)
		if delErr := p.store.Del(ctx, jobKey); delErr != nil {
			log.WithError(delErr).Errorf("Failed to drop corrupt job record %s", jobKey)
		}
		return
	}

	checkCtx, cancel := context.WithTimeout(ctx, p.checkTimeout)
	defer cancel()
	status, err := p.checker.RetrieveBatch(checkCtx, job.JobID)
	if err != nil {
		p.dropLost(ctx, &job, err)
		return
	}
	if !isTerminal(status.Status) {
		return
	}

	// Claim completion for this job. A concurrent poller observing the same
	// transition loses the claim and does nothing.
	claimed, err := p.store.SetNX(ctx, completingKey(job.JobID), "1", completingTTL)
	if err != nil {
		log.WithError(err).Errorf("Failed to claim completion for job %s", job.JobID)
		return
	}
	if !claimed {
		return
	}

	log.Infof("Batch %s reached terminal status %s", job.JobID, status.Status)
	p.completions.Schedule(&job, status)
}

// dropLost removes a job whose status can no longer be checked. The slot is
// freed and the loss recorded; the job's results are never correlated.
func (p *Poller) dropLost(ctx context.Context, job *models.BatchJob, cause error) {
	log.WithError(cause).Errorf("Dropping unreachable batch %s, its results are lost", job.JobID)

	if err := p.limiter.Finish(ctx, job.CallerKey, job.AdmissionID); err != nil {
		log.WithError(err).Errorf("Failed to release admission slot for lost batch %s", job.JobID)
	}
	if err := p.store.Del(ctx, scheduler.JobKey(job.JobID)); err != nil {
		log.WithError(err).Errorf("Failed to delete record of lost batch %s", job.JobID)
	}
	metrics.BatchesLostTotal.Inc()
	if p.lostJobs != nil {
		if err := p.lostJobs.SaveLostJob(job.JobID, job.Stage, cause.Error()); err != nil {
			log.WithError(err).Errorf("Failed to persist lost-job record for %s", job.JobID)
		}
	}
}

func isTerminal(status string) bool {
	switch status {
	case "completed", "failed", "expired", "cancelled":
		return true
	}
	return false
}
