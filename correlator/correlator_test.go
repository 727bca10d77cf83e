package correlator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lot-describe-pipeline/models"
	"lot-describe-pipeline/signature"
	"lot-describe-pipeline/store"
)

type recordingSender struct {
	mu       sync.Mutex
	payloads []interface{}
	urls     []string
}

func (r *recordingSender) Deliver(ctx context.Context, url string, payload interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.urls = append(r.urls, url)
	r.payloads = append(r.payloads, payload)
	return nil
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.payloads)
}

func newFixture() (*Correlator, *store.MemoryStore, *recordingSender) {
	st := store.NewMemoryStore()
	sender := &recordingSender{}
	c := New(st, signature.NewSigner("test-key"), sender, 48*time.Hour)
	return c, st, sender
}

func testLot(languages ...string) *models.Lot {
	return &models.Lot{
		LotID:     "lot-1",
		Webhook:   "https://example.com/hook",
		Languages: languages,
	}
}

func TestCheckAndDeliverWaitsForAllLanguages(t *testing.T) {
	ctx := context.Background()
	c, _, sender := newFixture()
	lot := testLot("en", "fr", "de")

	require.NoError(t, c.StoreResult(ctx, "lot-1", "en", "<p>en</p>"))
	require.NoError(t, c.StoreResult(ctx, "lot-1", "fr", "<p>fr</p>"))

	require.NoError(t, c.CheckAndDeliver(ctx, lot))
	assert.Equal(t, 0, sender.count())

	require.NoError(t, c.StoreResult(ctx, "lot-1", "de", "<p>de</p>"))
	require.NoError(t, c.CheckAndDeliver(ctx, lot))
	require.Equal(t, 1, sender.count())

	payload, ok := sender.payloads[0].(models.ResponseOut)
	require.True(t, ok)
	assert.Equal(t, models.PayloadVersion, payload.Version)
	assert.NotEmpty(t, payload.Signature)
	require.Len(t, payload.Lots, 1)
	require.Len(t, payload.Lots[0].Descriptions, 3)

	seen := map[string]int{}
	for _, d := range payload.Lots[0].Descriptions {
		seen[d.Language]++
	}
	assert.Equal(t, map[string]int{"en": 1, "fr": 1, "de": 1}, seen)
}

func TestCheckAndDeliverIsAtMostOnce(t *testing.T) {
	ctx := context.Background()
	c, _, sender := newFixture()
	lot := testLot("en", "fr")

	require.NoError(t, c.StoreResult(ctx, "lot-1", "en", "<p>en</p>"))
	require.NoError(t, c.StoreResult(ctx, "lot-1", "fr", "<p>fr</p>"))

	require.NoError(t, c.CheckAndDeliver(ctx, lot))
	require.NoError(t, c.CheckAndDeliver(ctx, lot))
	require.NoError(t, c.CheckAndDeliver(ctx, lot))

	assert.Equal(t, 1, sender.count())
}

func TestCheckAndDeliverExcludesAlreadySentLanguages(t *testing.T) {
	ctx := context.Background()
	c, st, sender := newFixture()
	lot := testLot("en", "fr", "de")

	// "en" went out through the immediate path already.
	_, err := st.SAddCapped(ctx, "sent_langs:lot-1", "en", 100)
	require.NoError(t, err)

	require.NoError(t, c.StoreResult(ctx, "lot-1", "fr", "<p>fr</p>"))
	require.NoError(t, c.StoreResult(ctx, "lot-1", "de", "<p>de</p>"))

	require.NoError(t, c.CheckAndDeliver(ctx, lot))
	require.Equal(t, 1, sender.count())

	payload := sender.payloads[0].(models.ResponseOut)
	require.Len(t, payload.Lots[0].Descriptions, 2)
	for _, d := range payload.Lots[0].Descriptions {
		assert.NotEqual(t, "en", d.Language, "already delivered language must not repeat")
	}
}

func TestCheckAndDeliverAllLanguagesAlreadySent(t *testing.T) {
	ctx := context.Background()
	c, st, sender := newFixture()
	lot := testLot("en")

	_, err := st.SAddCapped(ctx, "sent_langs:lot-1", "en", 100)
	require.NoError(t, err)

	require.NoError(t, c.CheckAndDeliver(ctx, lot))
	assert.Equal(t, 0, sender.count())
}

func TestCheckAndDeliverPriorityLanguageFirst(t *testing.T) {
	ctx := context.Background()
	c, _, sender := newFixture()
	lot := testLot("en", "fr", "de")
	lot.PriorityLanguage = "de"

	require.NoError(t, c.StoreResult(ctx, "lot-1", "en", "<p>en</p>"))
	require.NoError(t, c.StoreResult(ctx, "lot-1", "fr", "<p>fr</p>"))
	require.NoError(t, c.StoreResult(ctx, "lot-1", "de", "<p>de</p>"))

	require.NoError(t, c.CheckAndDeliver(ctx, lot))
	require.Equal(t, 1, sender.count())

	payload := sender.payloads[0].(models.ResponseOut)
	descriptions := payload.Lots[0].Descriptions
	require.Len(t, descriptions, 3)
	assert.Equal(t, "de", descriptions[0].Language)
	assert.Equal(t, "en", descriptions[1].Language)
	assert.Equal(t, "fr", descriptions[2].Language)
}

func TestDeliverError(t *testing.T) {
	ctx := context.Background()
	c, _, sender := newFixture()
	lot := testLot("en", "fr")

	require.NoError(t, c.DeliverError(ctx, lot, "image too large", "processing_failed"))
	require.Equal(t, 1, sender.count())

	payload, ok := sender.payloads[0].(models.ErrorOut)
	require.True(t, ok)
	assert.NotEmpty(t, payload.Signature)
	require.Len(t, payload.Lots, 1)
	assert.Equal(t, "lot-1", payload.Lots[0].LotID)
	assert.Equal(t, "image too large", payload.Lots[0].Error.Message)
	assert.Equal(t, "processing_failed", payload.Lots[0].Error.Code)
}

func TestSignatureMatchesPayloadLots(t *testing.T) {
	ctx := context.Background()
	c, _, sender := newFixture()
	lot := testLot("en")

	require.NoError(t, c.StoreResult(ctx, "lot-1", "en", "<p>en</p>"))
	require.NoError(t, c.CheckAndDeliver(ctx, lot))
	require.Equal(t, 1, sender.count())

	payload := sender.payloads[0].(models.ResponseOut)
	assert.True(t, signature.NewSigner("test-key").Verify(payload.Lots, payload.Signature))
}
