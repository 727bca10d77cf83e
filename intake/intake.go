// Package intake turns verified lot submissions into analysis work units.
// Both entry points (HTTP and RabbitMQ) share this path so a submission is
// validated the same way regardless of how it arrived.
package intake

import (
	"context"
	"errors"
	"fmt"

	"github.com/apex/log"

	"lot-describe-pipeline/metrics"
	"lot-describe-pipeline/models"
	"lot-describe-pipeline/signature"
	"lot-describe-pipeline/workqueue"
)

var (
	// ErrUnsupportedVersion is returned for a payload version this service
	// does not speak.
	ErrUnsupportedVersion = errors.New("unsupported payload version")
	// ErrBadSignature is returned when the submission signature does not
	// match the lots array.
	ErrBadSignature = errors.New("invalid submission signature")
	// ErrEmptySubmission is returned when a submission carries no lots or
	// no languages.
	ErrEmptySubmission = errors.New("submission has no lots or no languages")
)

// Intake validates submissions and enqueues their analysis work.
type Intake struct {
	queue  *workqueue.Queue
	signer *signature.Signer
}

// New creates an intake.
func New(queue *workqueue.Queue, signer *signature.Signer) *Intake {
	return &Intake{queue: queue, signer: signer}
}

// Submit validates req and enqueues one analysis work unit per lot.
// callerKey scopes the submission for admission control; source labels the
// intake path in metrics. Returns the number of lots enqueued.
func (i *Intake) Submit(ctx context.Context, req *models.RequestIn, callerKey, source string) (int, error) {
	if req.Version != models.PayloadVersion {
		return 0, fmt.Errorf("version %q: %w", req.Version, ErrUnsupportedVersion)
	}
	if len(req.Lots) == 0 || len(req.Languages) == 0 {
		return 0, ErrEmptySubmission
	}
	if !i.signer.Verify(req.Lots, req.Signature) {
		return 0, ErrBadSignature
	}

	enqueued := 0
	for _, in := range req.Lots {
		lot := models.Lot{
			LotID:            in.LotID,
			Webhook:          in.Webhook,
			AdditionalInfo:   in.AdditionalInfo,
			Images:           in.Images,
			Languages:        req.Languages,
			PriorityLanguage: req.PriorityLanguage,
			CallerKey:        callerKey,
		}
		unit := models.WorkUnit{
			Stage:    models.StageAnalysis,
			CustomID: lot.LotID,
			Lot:      lot,
		}
		if err := i.queue.Enqueue(ctx, unit); err != nil {
			return enqueued, fmt.Errorf("failed to enqueue lot %s: %w", lot.LotID, err)
		}
		enqueued++
		metrics.LotsSubmittedTotal.WithLabelValues(source).Inc()
	}

	log.Infof("Accepted %d lots from %s intake", enqueued, source)
	return enqueued, nil
}
