package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lot-describe-pipeline/limiter"
	"lot-describe-pipeline/models"
	"lot-describe-pipeline/store"
	"lot-describe-pipeline/workqueue"
)

type fakeSubmitter struct {
	calls   int
	lastRaw []byte
	err     error
}

func (f *fakeSubmitter) StartBatch(ctx context.Context, jsonl []byte, endpoint string) (string, error) {
	f.calls++
	f.lastRaw = jsonl
	if f.err != nil {
		return "", f.err
	}
	return fmt.Sprintf("batch_%d", f.calls), nil
}

type fakeNotifier struct {
	lots  []string
	codes []string
}

func (f *fakeNotifier) DeliverError(ctx context.Context, lot *models.Lot, message, code string) error {
	f.lots = append(f.lots, lot.LotID)
	f.codes = append(f.codes, code)
	return nil
}

type fakeLostSink struct {
	jobs    []string
	reasons []string
}

func (f *fakeLostSink) SaveLostJob(jobID, stage, reason string) error {
	f.jobs = append(f.jobs, jobID)
	f.reasons = append(f.reasons, reason)
	return nil
}

type fixture struct {
	store     *store.MemoryStore
	queue     *workqueue.Queue
	limiter   *limiter.Limiter
	submitter *fakeSubmitter
	notifier  *fakeNotifier
	lost      *fakeLostSink
	scheduler *Scheduler
	clock     time.Time
}

func newFixture(t *testing.T, globalLimit int64) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	q := workqueue.New(st, "/v1/responses", workqueue.Limits{
		MaxLines:      1000,
		MaxLineBytes:  1 << 20,
		MaxTotalBytes: 16 << 20,
	}, func(u *models.WorkUnit) (json.RawMessage, error) {
		return json.Marshal(map[string]string{"custom_id": u.CustomID})
	})
	lim := limiter.New(st, globalLimit, globalLimit)
	sub := &fakeSubmitter{}

	f := &fixture{
		store: st, queue: q, limiter: lim, submitter: sub,
		notifier: &fakeNotifier{}, lost: &fakeLostSink{},
		clock: time.Unix(1700000000, 0),
	}
	f.scheduler = New(st, q, lim, sub, f.notifier, f.lost, "/v1/responses", 1000, nil)
	f.scheduler.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) enqueueAnalysis(t *testing.T, lotID string) {
	t.Helper()
	require.NoError(t, f.queue.Enqueue(context.Background(), models.WorkUnit{
		Stage:    models.StageAnalysis,
		CustomID: lotID,
		Lot:      models.Lot{LotID: lotID, Webhook: "https://example.com/hook", Languages: []string{"en"}, CallerKey: "caller-a"},
	}))
}

func (f *fixture) enqueueTranslation(t *testing.T, lotID, lang string) {
	t.Helper()
	require.NoError(t, f.queue.Enqueue(context.Background(), models.WorkUnit{
		Stage:      models.StageTranslation,
		CustomID:   fmt.Sprintf("tr:%s:%s", lotID, lang),
		Lot:        models.Lot{LotID: lotID, Webhook: "https://example.com/hook", Languages: []string{"en", lang}, CallerKey: "caller-a"},
		SourceText: "<p>dent on hood</p>",
		Language:   lang,
	}))
}

func TestTickDispatchesAndRecordsJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	f.enqueueAnalysis(t, "lot-1")
	f.enqueueAnalysis(t, "lot-2")

	require.NoError(t, f.scheduler.Tick(ctx))
	assert.Equal(t, 1, f.submitter.calls)

	raw, ok, err := f.store.Get(ctx, JobKey("batch_1"))
	require.NoError(t, err)
	require.True(t, ok)

	var job models.BatchJob
	require.NoError(t, json.Unmarshal([]byte(raw), &job))
	assert.Equal(t, models.StageAnalysis, job.Stage)
	assert.Equal(t, "caller-a", job.CallerKey)
	assert.Len(t, job.Units, 2)
	assert.NotEmpty(t, job.AdmissionID)

	count, err := f.limiter.OpenCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestTickSelfThrottles(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	f.enqueueAnalysis(t, "lot-1")

	require.NoError(t, f.scheduler.Tick(ctx))
	assert.Equal(t, 1, f.submitter.calls)

	// Depth is now low, so the interval is 30s; ticks inside it are no-ops.
	f.enqueueAnalysis(t, "lot-2")
	f.clock = f.clock.Add(10 * time.Second)
	require.NoError(t, f.scheduler.Tick(ctx))
	assert.Equal(t, 1, f.submitter.calls)

	f.clock = f.clock.Add(25 * time.Second)
	require.NoError(t, f.scheduler.Tick(ctx))
	assert.Equal(t, 2, f.submitter.calls)
}

func TestTickPrefersTranslationStage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	f.enqueueAnalysis(t, "lot-1")
	f.enqueueTranslation(t, "lot-0", "fr")

	require.NoError(t, f.scheduler.Tick(ctx))
	require.Equal(t, 1, f.submitter.calls)

	raw, ok, err := f.store.Get(ctx, JobKey("batch_1"))
	require.NoError(t, err)
	require.True(t, ok)
	var job models.BatchJob
	require.NoError(t, json.Unmarshal([]byte(raw), &job))
	assert.Equal(t, models.StageTranslation, job.Stage)

	// The analysis unit is still queued for a later dispatch.
	depth, err := f.queue.Depth(ctx, models.StageAnalysis)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestTickNoOpWhenSaturated(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	require.NoError(t, f.limiter.Register(ctx, "caller-x", "already-open"))
	f.enqueueAnalysis(t, "lot-1")

	require.NoError(t, f.scheduler.Tick(ctx))
	assert.Equal(t, 0, f.submitter.calls)

	// Nothing was drained and the dispatch slot is still free.
	depth, err := f.queue.Depth(ctx, models.StageAnalysis)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
	_, ok, err := LastDispatch(ctx, f.store)
	require.NoError(t, err)
	assert.False(t, ok)

	// As soon as capacity frees up, the same tick time can dispatch.
	require.NoError(t, f.limiter.Finish(ctx, "caller-x", "already-open"))
	require.NoError(t, f.scheduler.Tick(ctx))
	assert.Equal(t, 1, f.submitter.calls)
}

func TestTickNoOpWhenQueuesEmpty(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)

	require.NoError(t, f.scheduler.Tick(ctx))
	assert.Equal(t, 0, f.submitter.calls)

	// An empty tick leaves the cadence state untouched.
	_, ok, err := LastDispatch(ctx, f.store)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSubmitFailureReleasesSlotAndRequeues(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	f.submitter.err = errors.New("upstream down")
	f.enqueueAnalysis(t, "lot-1")
	f.enqueueAnalysis(t, "lot-2")

	err := f.scheduler.Tick(ctx)
	require.Error(t, err)

	count, err2 := f.limiter.OpenCount(ctx)
	require.NoError(t, err2)
	assert.Equal(t, int64(0), count)

	// Drained units went back on the queue.
	depth, err2 := f.queue.Depth(ctx, models.StageAnalysis)
	require.NoError(t, err2)
	assert.Equal(t, int64(2), depth)
}

func TestDispatchSendsTerminalCallbackForOversizedUnit(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	q := workqueue.New(st, "/v1/responses", workqueue.Limits{
		MaxLines:      1000,
		MaxLineBytes:  160,
		MaxTotalBytes: 16 << 20,
	}, func(u *models.WorkUnit) (json.RawMessage, error) {
		return json.Marshal(map[string]string{"text": u.SourceText})
	})
	lim := limiter.New(st, 10, 10)
	sub := &fakeSubmitter{}
	notifier := &fakeNotifier{}
	sched := New(st, q, lim, sub, notifier, &fakeLostSink{}, "/v1/responses", 1000, nil)

	require.NoError(t, q.Enqueue(ctx, models.WorkUnit{
		Stage:    models.StageAnalysis,
		CustomID: "lot-ok",
		Lot:      models.Lot{LotID: "lot-ok", Webhook: "https://example.com/hook", Languages: []string{"en"}, CallerKey: "caller-a"},
	}))
	require.NoError(t, q.Enqueue(ctx, models.WorkUnit{
		Stage:      models.StageAnalysis,
		CustomID:   "lot-big",
		Lot:        models.Lot{LotID: "lot-big", Webhook: "https://example.com/hook", Languages: []string{"en"}, CallerKey: "caller-a"},
		SourceText: strings.Repeat("x", 512),
	}))

	require.NoError(t, sched.Tick(ctx))

	// The valid unit was submitted; the oversized one got a terminal error.
	assert.Equal(t, 1, sub.calls)
	assert.Equal(t, []string{"lot-big"}, notifier.lots)
	assert.Equal(t, []string{"submission_too_large"}, notifier.codes)

	depth, err := q.Depth(ctx, models.StageAnalysis)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)
}

type jobRecordFailStore struct {
	store.KeyedStore
}

func (s *jobRecordFailStore) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	if strings.HasPrefix(key, jobKeyPrefix) {
		return errors.New("write refused")
	}
	return s.KeyedStore.SetEx(ctx, key, value, ttl)
}

func TestJobRecordWriteFailureReleasesSlotAndRecordsLoss(t *testing.T) {
	ctx := context.Background()
	st := &jobRecordFailStore{KeyedStore: store.NewMemoryStore()}
	q := workqueue.New(st, "/v1/responses", workqueue.Limits{
		MaxLines:      1000,
		MaxLineBytes:  1 << 20,
		MaxTotalBytes: 16 << 20,
	}, func(u *models.WorkUnit) (json.RawMessage, error) {
		return json.Marshal(map[string]string{"custom_id": u.CustomID})
	})
	lim := limiter.New(st, 10, 10)
	sub := &fakeSubmitter{}
	lost := &fakeLostSink{}
	sched := New(st, q, lim, sub, &fakeNotifier{}, lost, "/v1/responses", 1000, nil)

	require.NoError(t, q.Enqueue(ctx, models.WorkUnit{
		Stage:    models.StageAnalysis,
		CustomID: "lot-1",
		Lot:      models.Lot{LotID: "lot-1", Webhook: "https://example.com/hook", Languages: []string{"en"}, CallerKey: "caller-a"},
	}))

	err := sched.Tick(ctx)
	require.Error(t, err)
	assert.Equal(t, 1, sub.calls)

	// The batch runs upstream but can never be polled; the slot must not
	// stay occupied and the loss must be recorded.
	count, err := lim.OpenCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	require.Len(t, lost.jobs, 1)
	assert.Equal(t, "batch_1", lost.jobs[0])
	assert.Contains(t, lost.reasons[0], "job record")
}

func TestTickPersistsCadenceState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	f.enqueueAnalysis(t, "lot-1")

	require.NoError(t, f.scheduler.Tick(ctx))

	_, ok, err := f.store.Get(ctx, lastDispatchKey)
	require.NoError(t, err)
	assert.True(t, ok)

	interval, ok, err := f.store.Get(ctx, intervalKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "30s", interval)
}
