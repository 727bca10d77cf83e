// Package service wires the pipeline together and runs its background
// loops: the dispatch tick, the poll tick, the completion worker pool, the
// metrics updater and the optional RabbitMQ intake.
package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/apex/log"

	"lot-describe-pipeline/config"
	"lot-describe-pipeline/correlator"
	"lot-describe-pipeline/database"
	"lot-describe-pipeline/delivery"
	"lot-describe-pipeline/intake"
	"lot-describe-pipeline/limiter"
	"lot-describe-pipeline/metrics"
	"lot-describe-pipeline/models"
	"lot-describe-pipeline/openai"
	"lot-describe-pipeline/poller"
	"lot-describe-pipeline/rabbitmq"
	"lot-describe-pipeline/scheduler"
	"lot-describe-pipeline/signature"
	"lot-describe-pipeline/store"
	"lot-describe-pipeline/workqueue"
)

const metricsUpdateInterval = 15 * time.Second

// amqpCallerKey scopes broker submissions for admission control; broker
// messages carry no per-caller credential.
const amqpCallerKey = "amqp"

// Service represents the lot describe pipeline service
type Service struct {
	config      *config.Config
	db          *database.Database
	store       store.KeyedStore
	queue       *workqueue.Queue
	limiter     *limiter.Limiter
	intake      *intake.Intake
	scheduler   *scheduler.Scheduler
	poller      *poller.Poller
	completions *poller.Pool
	subscriber  *rabbitmq.Subscriber

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewService creates a new pipeline service
func NewService(cfg *config.Config, db *database.Database, st store.KeyedStore) *Service {
	client := openai.NewClient(
		cfg.OpenAIAPIKey, cfg.OpenAIBaseURL,
		cfg.VisionModel, cfg.TranslateModel,
		cfg.MaxRetries, cfg.BaseDelay,
	)

	queue := workqueue.New(st, openai.ResponsesEndpoint, workqueue.Limits{
		MaxLines:      cfg.MaxLinesPerBatch,
		MaxLineBytes:  cfg.LineSizeLimit,
		MaxTotalBytes: cfg.FileSizeLimit,
	}, client.BuildBody)

	lim := limiter.New(st, cfg.ActiveBatchLimit, cfg.PerKeyBatchLimit)
	signer := signature.NewSigner(cfg.SharedKey)

	// Typed nil guards: a nil *Database must not become a non-nil interface.
	var deadLetters delivery.DeadLetterSink
	var lostJobs poller.LostJobSink
	var dispatchLost scheduler.LostJobSink
	if db != nil {
		deadLetters = db
		lostJobs = db
		dispatchLost = db
	}

	sender := delivery.NewSender(cfg.MaxRetries, cfg.BaseDelay, deadLetters)
	corr := correlator.New(st, signer, sender, cfg.ResultTTL)

	completionHandler := poller.NewHandler(st, lim, client, queue, corr, cfg.BaseLanguage)
	completions := poller.NewPool(completionHandler, cfg.CompletionWorkers)

	return &Service{
		config:      cfg,
		db:          db,
		store:       st,
		queue:       queue,
		limiter:     lim,
		intake:      intake.New(queue, signer),
		scheduler:   scheduler.New(st, queue, lim, client, corr, dispatchLost, openai.ResponsesEndpoint, cfg.MaxLinesPerBatch, nil),
		poller:      poller.New(st, lim, client, completions, lostJobs, cfg.CheckTimeout),
		completions: completions,
		stopChan:    make(chan struct{}),
	}
}

// Intake returns the shared submission path for the HTTP surface.
func (s *Service) Intake() *intake.Intake { return s.intake }

// Queue returns the stage work queue.
func (s *Service) Queue() *workqueue.Queue { return s.queue }

// Limiter returns the admission limiter.
func (s *Service) Limiter() *limiter.Limiter { return s.limiter }

// Start starts the pipeline's background loops
func (s *Service) Start() error {
	log.Info("Starting lot describe pipeline...")

	if s.db != nil {
		if err := s.db.CreateTables(); err != nil {
			return err
		}
	}

	s.runLoop("dispatch", s.config.DispatchTick, func(ctx context.Context) {
		if err := s.scheduler.Tick(ctx); err != nil && !isCapacityError(err) {
			log.WithError(err).Error("Dispatch tick failed")
		}
	})
	s.runLoop("poll", s.config.PollInterval, func(ctx context.Context) {
		if err := s.poller.Tick(ctx); err != nil {
			log.WithError(err).Error("Poll tick failed")
		}
	})
	s.runLoop("metrics", metricsUpdateInterval, s.updateMetrics)

	if s.config.AMQPConfigured() {
		if err := s.startSubscriber(); err != nil {
			return err
		}
	}
	return nil
}

// runLoop runs fn every interval until Stop.
func (s *Service) runLoop(name string, interval time.Duration, fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		log.Debugf("Started %s loop (every %s)", name, interval)
		for {
			select {
			case <-s.stopChan:
				return
			case <-ticker.C:
				fn(context.Background())
			}
		}
	}()
}

func (s *Service) updateMetrics(ctx context.Context) {
	analysis, err := s.queue.Depth(ctx, models.StageAnalysis)
	if err != nil {
		return
	}
	translation, err := s.queue.Depth(ctx, models.StageTranslation)
	if err != nil {
		return
	}
	metrics.QueueDepth.WithLabelValues(models.StageAnalysis).Set(float64(analysis))
	metrics.QueueDepth.WithLabelValues(models.StageTranslation).Set(float64(translation))
	metrics.QueueDepthTotal.Set(float64(analysis + translation))

	if open, err := s.limiter.OpenCount(ctx); err == nil {
		metrics.ActiveBatches.Set(float64(open))
	}
}

func (s *Service) startSubscriber() error {
	sub, err := rabbitmq.NewSubscriber(
		s.config.RabbitMQURL,
		s.config.RabbitMQExchange,
		s.config.RabbitMQQueue,
		s.config.RabbitMQRoutingKey,
	)
	if err != nil {
		return err
	}
	s.subscriber = sub

	sub.Start(func(msg *rabbitmq.Message) error {
		var req models.RequestIn
		if err := msg.UnmarshalTo(&req); err != nil {
			return rabbitmq.Permanent(err)
		}
		_, err := s.intake.Submit(context.Background(), &req, amqpCallerKey, "amqp")
		if err != nil {
			// Validation failures can never succeed on redelivery.
			if errors.Is(err, intake.ErrBadSignature) ||
				errors.Is(err, intake.ErrUnsupportedVersion) ||
				errors.Is(err, intake.ErrEmptySubmission) {
				return rabbitmq.Permanent(err)
			}
			return err
		}
		return nil
	})
	log.Infof("RabbitMQ intake consuming %s/%s", s.config.RabbitMQExchange, s.config.RabbitMQQueue)
	return nil
}

// Stop stops the background loops and drains the completion pool
func (s *Service) Stop() {
	log.Info("Stopping lot describe pipeline...")
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()

	if s.subscriber != nil {
		if err := s.subscriber.Close(); err != nil {
			log.WithError(err).Error("Failed to close RabbitMQ subscriber")
		}
	}
	s.completions.Stop()
}

func isCapacityError(err error) bool {
	var capErr *limiter.CapacityExceededError
	return errors.As(err, &capErr)
}
