// Package correlator decides when a lot's per-language results are complete,
// assembles the signed callback payload and hands it to delivery. Partial
// results are write-once expiring keys; the delivered marker makes the final
// send at-most-once even when the completeness check races.
package correlator

import (
	"context"
	"fmt"
	"time"

	"github.com/apex/log"

	"lot-describe-pipeline/metrics"
	"lot-describe-pipeline/models"
	"lot-describe-pipeline/signature"
	"lot-describe-pipeline/store"
)

// Deliverer sends one callback payload.
type Deliverer interface {
	Deliver(ctx context.Context, url string, payload interface{}) error
}

// Correlator correlates partial results back to lots.
type Correlator struct {
	store     store.KeyedStore
	signer    *signature.Signer
	sender    Deliverer
	resultTTL time.Duration
}

// New creates a correlator.
func New(st store.KeyedStore, signer *signature.Signer, sender Deliverer, resultTTL time.Duration) *Correlator {
	return &Correlator{store: st, signer: signer, sender: sender, resultTTL: resultTTL}
}

func resultKey(lotID, language string) string {
	return fmt.Sprintf("result:%s:%s", lotID, language)
}

func deliveredKey(lotID string) string {
	return "delivered:" + lotID
}

func sentLangsKey(lotID string) string {
	return "sent_langs:" + lotID
}

// StoreResult writes one per-language partial result. Results expire on
// their own; retention is independent of correlation progress.
func (c *Correlator) StoreResult(ctx context.Context, lotID, language, text string) error {
	return c.store.SetEx(ctx, resultKey(lotID, language), text, c.resultTTL)
}

// CheckAndDeliver delivers the assembled payload if every requested language
// now has a stored result. Languages already delivered through the immediate
// path are excluded from both the completeness check and the payload.
// Re-invocation before completion is a no-op; re-invocation after delivery
// is blocked by the write-once delivered marker.
func (c *Correlator) CheckAndDeliver(ctx context.Context, lot *models.Lot) error {
	if len(lot.Languages) == 0 {
		return nil
	}

	alreadySent, err := c.store.SMembers(ctx, sentLangsKey(lot.LotID))
	if err != nil {
		return fmt.Errorf("failed to read delivered languages for %s: %w", lot.LotID, err)
	}
	sentSet := make(map[string]bool, len(alreadySent))
	for _, lang := range alreadySent {
		sentSet[lang] = true
	}

	pending := make([]string, 0, len(lot.Languages))
	for _, lang := range lot.Languages {
		if !sentSet[lang] {
			pending = append(pending, lang)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	keys := make([]string, len(pending))
	for i, lang := range pending {
		keys[i] = resultKey(lot.LotID, lang)
	}
	values, err := c.store.MGet(ctx, keys...)
	if err != nil {
		return fmt.Errorf("failed to read partial results for %s: %w", lot.LotID, err)
	}
	for _, v := range values {
		if v == nil {
			return nil
		}
	}

	claimed, err := c.store.SetNX(ctx, deliveredKey(lot.LotID), "1", c.resultTTL)
	if err != nil {
		return fmt.Errorf("failed to claim delivery for %s: %w", lot.LotID, err)
	}
	if !claimed {
		return nil
	}

	descriptions := make([]models.DamageDesc, len(pending))
	for i, lang := range pending {
		descriptions[i] = models.DamageDesc{Language: lang, Damages: *values[i]}
	}
	orderByPriority(descriptions, lot.PriorityLanguage)

	lots := []models.LotOut{{LotID: lot.LotID, Descriptions: descriptions}}
	sig, err := c.signer.Calc(lots)
	if err != nil {
		return fmt.Errorf("failed to sign payload for %s: %w", lot.LotID, err)
	}
	payload := models.ResponseOut{Signature: sig, Version: models.PayloadVersion, Lots: lots}

	if err := c.sender.Deliver(ctx, lot.Webhook, payload); err != nil {
		// The delivered marker stays set: the sender already exhausted its
		// own retry budget and recorded the failure.
		return err
	}
	metrics.WebhooksSentTotal.WithLabelValues("success").Inc()
	log.Infof("Delivered %d languages for lot %s", len(descriptions), lot.LotID)
	return nil
}

// DeliverError sends a signed error callback for one lot immediately,
// bypassing correlation.
func (c *Correlator) DeliverError(ctx context.Context, lot *models.Lot, message, code string) error {
	lots := []models.LotError{{
		LotID: lot.LotID,
		Error: models.ErrorInfo{Message: message, Code: code},
	}}
	sig, err := c.signer.Calc(lots)
	if err != nil {
		return fmt.Errorf("failed to sign error payload for %s: %w", lot.LotID, err)
	}
	payload := models.ErrorOut{Signature: sig, Version: models.PayloadVersion, Lots: lots}

	if err := c.sender.Deliver(ctx, lot.Webhook, payload); err != nil {
		return err
	}
	metrics.WebhooksSentTotal.WithLabelValues("error").Inc()
	return nil
}

// orderByPriority moves the priority language to the front, keeping the
// requested order for the rest.
func orderByPriority(descriptions []models.DamageDesc, priority string) {
	if priority == "" {
		return
	}
	for i, d := range descriptions {
		if d.Language == priority {
			copy(descriptions[1:i+1], descriptions[:i])
			descriptions[0] = d
			return
		}
	}
}
