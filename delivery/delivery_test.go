package delivery

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lot-describe-pipeline/models"
)

type recordingSink struct {
	mu      sync.Mutex
	letters []*models.DeadLetter
}

func (r *recordingSink) SaveDeadLetter(dl *models.DeadLetter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.letters = append(r.letters, dl)
	return nil
}

func newTestSender(maxRetries int, sink DeadLetterSink) (*Sender, *[]time.Duration) {
	var delays []time.Duration
	s := NewSender(maxRetries, 2*time.Second, sink)
	s.sleep = func(d time.Duration) { delays = append(delays, d) }
	return s, &delays
}

func TestDeliverSucceedsFirstAttempt(t *testing.T) {
	posts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posts++
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s, delays := newTestSender(5, nil)
	err := s.Deliver(context.Background(), srv.URL, models.ResponseOut{Version: models.PayloadVersion})
	require.NoError(t, err)
	assert.Equal(t, 1, posts)
	assert.Empty(t, *delays)
}

func TestDeliverRetriesThenSucceeds(t *testing.T) {
	posts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posts++
		if posts < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s, delays := newTestSender(5, nil)
	err := s.Deliver(context.Background(), srv.URL, map[string]string{"hello": "world"})
	require.NoError(t, err)

	// Exactly one successful delivery and no POSTs after success.
	assert.Equal(t, 3, posts)
	// Backoff doubles from the base delay.
	require.Len(t, *delays, 2)
	assert.Equal(t, 2*time.Second, (*delays)[0])
	assert.Equal(t, 4*time.Second, (*delays)[1])
}

func TestDeliverExhaustsBudget(t *testing.T) {
	posts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posts++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	sink := &recordingSink{}
	s, _ := newTestSender(3, sink)
	err := s.Deliver(context.Background(), srv.URL, map[string]string{"hello": "world"})

	assert.ErrorIs(t, err, ErrDeliveryFailed)
	assert.Equal(t, 3, posts)

	require.Len(t, sink.letters, 1)
	assert.Equal(t, srv.URL, sink.letters[0].URL)
	assert.Contains(t, sink.letters[0].Reason, "502")
	assert.NotEmpty(t, sink.letters[0].ID)
}

func TestDeliverTransportErrorCountsTowardBudget(t *testing.T) {
	// A server that is immediately closed produces connection errors.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	s, _ := newTestSender(2, nil)
	err := s.Deliver(context.Background(), url, map[string]string{"hello": "world"})
	assert.ErrorIs(t, err, ErrDeliveryFailed)
}

func TestDeliverNon2xxIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMovedPermanently)
	}))
	defer srv.Close()

	s, _ := newTestSender(1, nil)
	err := s.Deliver(context.Background(), srv.URL, map[string]string{})
	assert.ErrorIs(t, err, ErrDeliveryFailed)
}
