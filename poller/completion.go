package poller

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/apex/log"

	"lot-describe-pipeline/limiter"
	"lot-describe-pipeline/metrics"
	"lot-describe-pipeline/models"
	"lot-describe-pipeline/openai"
	"lot-describe-pipeline/parser"
	"lot-describe-pipeline/scheduler"
	"lot-describe-pipeline/store"
	"lot-describe-pipeline/workqueue"
)

// processingFailedCode is the error code delivered for per-line failures.
const processingFailedCode = "processing_failed"

// FileFetcher downloads a finished job's output or error stream.
type FileFetcher interface {
	FileContent(ctx context.Context, fileID string) ([]byte, error)
}

// ResultSink receives per-language results and failure notices for lots.
type ResultSink interface {
	StoreResult(ctx context.Context, lotID, language, text string) error
	CheckAndDeliver(ctx context.Context, lot *models.Lot) error
	DeliverError(ctx context.Context, lot *models.Lot, message, code string) error
}

// Handler processes one terminal bulk job: releases its admission slot,
// walks both output streams, fans analysis results out into translation
// work, and removes the job's bookkeeping.
type Handler struct {
	store        store.KeyedStore
	limiter      *limiter.Limiter
	files        FileFetcher
	queue        *workqueue.Queue
	results      ResultSink
	baseLanguage string
}

// NewHandler creates a completion handler.
func NewHandler(st store.KeyedStore, lim *limiter.Limiter, files FileFetcher, queue *workqueue.Queue, results ResultSink, baseLanguage string) *Handler {
	return &Handler{
		store:        st,
		limiter:      lim,
		files:        files,
		queue:        queue,
		results:      results,
		baseLanguage: baseLanguage,
	}
}

// Handle processes one terminal job. Bookkeeping is removed unconditionally
// at the end, even when either output stream was absent or failed to
// download, so a finished job can never be re-triggered.
func (h *Handler) Handle(ctx context.Context, job *models.BatchJob, status *openai.BatchStatus) {
	// Free the admission slot first; output processing can be slow and must
	// not hold capacity.
	if err := h.limiter.Finish(ctx, job.CallerKey, job.AdmissionID); err != nil {
		log.WithError(err).Errorf("Failed to release admission slot for batch %s", job.JobID)
	}

	if status.OutputFileID != "" {
		h.processOutput(ctx, job, status.OutputFileID)
	}
	if status.ErrorFileID != "" {
		h.processErrors(ctx, job, status.ErrorFileID)
	}
	if status.OutputFileID == "" && status.ErrorFileID == "" && status.Status != "completed" {
		// The whole job died without producing any stream. Tell every
		// affected lot once instead of going silent.
		h.failWholeJob(ctx, job, status.Status)
	}

	h.close(ctx, job, status.Status)
}

func (h *Handler) processOutput(ctx context.Context, job *models.BatchJob, fileID string) {
	data, err := h.files.FileContent(ctx, fileID)
	if err != nil {
		log.WithError(err).Errorf("Failed to download output of batch %s", job.JobID)
		return
	}

	for _, raw := range splitLines(data) {
		customID, text, err := parser.ParseOutputLine(raw)
		if err != nil {
			log.WithError(err).Errorf("Skipping bad output line in batch %s", job.JobID)
			continue
		}
		unit, ok := job.Units[customID]
		if !ok {
			log.Warnf("Batch %s returned unknown correlation id %s", job.JobID, customID)
			continue
		}
		h.processLine(ctx, &unit, text)
	}
}

func (h *Handler) processLine(ctx context.Context, unit *models.WorkUnit, text string) {
	lot := unit.Lot
	switch unit.Stage {
	case models.StageAnalysis:
		if err := h.results.StoreResult(ctx, lot.LotID, h.baseLanguage, text); err != nil {
			log.WithError(err).Errorf("Failed to store %s result for lot %s", h.baseLanguage, lot.LotID)
			return
		}
		h.fanOutTranslations(ctx, &lot, text)
	case models.StageTranslation:
		if err := h.results.StoreResult(ctx, lot.LotID, unit.Language, text); err != nil {
			log.WithError(err).Errorf("Failed to store %s result for lot %s", unit.Language, lot.LotID)
			return
		}
	default:
		log.Errorf("Work unit %s has unknown stage %q", unit.CustomID, unit.Stage)
		return
	}

	if err := h.results.CheckAndDeliver(ctx, &lot); err != nil {
		log.WithError(err).Errorf("Correlation failed for lot %s", lot.LotID)
	}
}

// fanOutTranslations enqueues one translation unit per requested non-base
// language, carrying the analysis text as source.
func (h *Handler) fanOutTranslations(ctx context.Context, lot *models.Lot, sourceText string) {
	for _, lang := range lot.Languages {
		if lang == h.baseLanguage {
			continue
		}
		unit := models.WorkUnit{
			Stage:      models.StageTranslation,
			CustomID:   TranslationID(lot.LotID, lang),
			Lot:        *lot,
			SourceText: sourceText,
			Language:   lang,
		}
		if err := h.queue.Enqueue(ctx, unit); err != nil {
			log.WithError(err).Errorf("Failed to enqueue %s translation for lot %s", lang, lot.LotID)
		}
	}
}

func (h *Handler) processErrors(ctx context.Context, job *models.BatchJob, fileID string) {
	data, err := h.files.FileContent(ctx, fileID)
	if err != nil {
		log.WithError(err).Errorf("Failed to download errors of batch %s", job.JobID)
		return
	}

	for _, raw := range splitLines(data) {
		customID, message := parser.ParseErrorLine(raw)
		unit, ok := job.Units[customID]
		if !ok {
			log.Warnf("Batch %s error stream has unknown correlation id %s", job.JobID, customID)
			continue
		}
		// An error line is terminal for its own identifier only; siblings
		// keep correlating normally.
		if err := h.results.DeliverError(ctx, &unit.Lot, message, processingFailedCode); err != nil {
			log.WithError(err).Errorf("Failed to deliver error callback for lot %s", unit.Lot.LotID)
		}
	}
}

// failWholeJob delivers one error callback per distinct lot in the job.
func (h *Handler) failWholeJob(ctx context.Context, job *models.BatchJob, status string) {
	message := fmt.Sprintf("Batch processing ended with status %s", status)
	seen := make(map[string]bool)
	for _, unit := range job.Units {
		if seen[unit.Lot.LotID] {
			continue
		}
		seen[unit.Lot.LotID] = true
		if err := h.results.DeliverError(ctx, &unit.Lot, message, "batch_"+status); err != nil {
			log.WithError(err).Errorf("Failed to deliver error callback for lot %s", unit.Lot.LotID)
		}
	}
}

func (h *Handler) close(ctx context.Context, job *models.BatchJob, status string) {
	if err := h.store.Del(ctx, scheduler.JobKey(job.JobID)); err != nil {
		log.WithError(err).Errorf("Failed to delete job record %s", job.JobID)
	}
	if err := h.store.Del(ctx, completingKey(job.JobID)); err != nil {
		log.WithError(err).Errorf("Failed to delete completion marker for %s", job.JobID)
	}
	metrics.BatchesCompletedTotal.WithLabelValues(status).Inc()
}

// TranslationID builds the correlation identifier for one translation unit.
func TranslationID(lotID, language string) string {
	return fmt.Sprintf("tr:%s:%s", lotID, language)
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	for _, line := range bytes.Split(data, []byte("\n")) {
		if len(bytes.TrimSpace(line)) > 0 {
			lines = append(lines, line)
		}
	}
	return lines
}

type task struct {
	job    *models.BatchJob
	status *openai.BatchStatus
}

// Pool runs completion handling on a fixed set of workers. Different jobs
// may complete concurrently; the poller's claim marker keeps any single job
// on exactly one worker.
type Pool struct {
	handler *Handler
	tasks   chan task
	wg      sync.WaitGroup
}

// NewPool creates a completion pool with the given worker count.
func NewPool(handler *Handler, workers int) *Pool {
	p := &Pool{
		handler: handler,
		tasks:   make(chan task, workers*2),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for t := range p.tasks {
		p.handler.Handle(context.Background(), t.job, t.status)
	}
}

// Schedule queues one terminal job for handling. Blocks when all workers are
// busy and the buffer is full.
func (p *Pool) Schedule(job *models.BatchJob, status *openai.BatchStatus) {
	p.tasks <- task{job: job, status: status}
}

// Stop drains queued work and waits for the workers to exit.
func (p *Pool) Stop() {
	close(p.tasks)
	p.wg.Wait()
}
