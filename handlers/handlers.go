package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/apex/log"
	"github.com/gin-gonic/gin"

	"lot-describe-pipeline/intake"
	"lot-describe-pipeline/limiter"
	"lot-describe-pipeline/models"
	"lot-describe-pipeline/scheduler"
	"lot-describe-pipeline/store"
	"lot-describe-pipeline/workqueue"
)

const (
	callerKeyHeader = "X-Api-Key"
	anonymousCaller = "anonymous"
	deadLetterLimit = 50
)

// DeadLetterLister reads persisted delivery failures.
type DeadLetterLister interface {
	ListDeadLetters(limit int) ([]models.DeadLetter, error)
}

// Handlers represents the HTTP handlers
type Handlers struct {
	intake      *intake.Intake
	queue       *workqueue.Queue
	limiter     *limiter.Limiter
	store       store.KeyedStore
	deadLetters DeadLetterLister
}

// NewHandlers creates new HTTP handlers
func NewHandlers(in *intake.Intake, queue *workqueue.Queue, lim *limiter.Limiter, st store.KeyedStore, deadLetters DeadLetterLister) *Handlers {
	return &Handlers{
		intake:      in,
		queue:       queue,
		limiter:     lim,
		store:       st,
		deadLetters: deadLetters,
	}
}

// HealthCheck handles health check requests
func (h *Handlers) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "lot-describe-pipeline",
	})
}

// Describe accepts a multi-lot submission and enqueues its analysis work.
// Lots are accepted for asynchronous processing; results arrive on each
// lot's webhook.
func (h *Handlers) Describe(c *gin.Context) {
	var req models.RequestIn
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	callerKey := c.GetHeader(callerKeyHeader)
	if callerKey == "" {
		callerKey = anonymousCaller
	}

	n, err := h.intake.Submit(c.Request.Context(), &req, callerKey, "http")
	if err != nil {
		switch {
		case errors.Is(err, intake.ErrBadSignature):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		case errors.Is(err, intake.ErrUnsupportedVersion), errors.Is(err, intake.ErrEmptySubmission):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			log.WithError(err).Error("Failed to accept submission")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to accept submission"})
		}
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"accepted": n,
		"version":  models.PayloadVersion,
	})
}

// GetStatus returns the pipeline's current queue and dispatch state
func (h *Handlers) GetStatus(c *gin.Context) {
	ctx := c.Request.Context()

	analysisDepth, err := h.queue.Depth(ctx, models.StageAnalysis)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read queue state"})
		return
	}
	translationDepth, err := h.queue.Depth(ctx, models.StageTranslation)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read queue state"})
		return
	}
	openBatches, err := h.limiter.OpenCount(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read admission state"})
		return
	}

	status := gin.H{
		"service":                 "lot-describe-pipeline",
		"analysis_queue_depth":    analysisDepth,
		"translation_queue_depth": translationDepth,
		"open_batches":            openBatches,
	}

	if interval, ok, err := scheduler.CurrentInterval(ctx, h.store); err == nil && ok {
		status["dispatch_interval"] = interval.String()
	}
	if last, ok, err := scheduler.LastDispatch(ctx, h.store); err == nil && ok {
		status["last_dispatch"] = last.UTC().Format(time.RFC3339)
	}

	c.JSON(http.StatusOK, status)
}

// GetDeadLetters returns recent callback deliveries that exhausted retries
func (h *Handlers) GetDeadLetters(c *gin.Context) {
	limit := deadLetterLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
			return
		}
		limit = n
	}

	letters, err := h.deadLetters.ListDeadLetters(limit)
	if err != nil {
		log.WithError(err).Error("Failed to list dead letters")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list dead letters"})
		return
	}
	if letters == nil {
		letters = []models.DeadLetter{}
	}

	c.JSON(http.StatusOK, gin.H{"dead_letters": letters})
}
