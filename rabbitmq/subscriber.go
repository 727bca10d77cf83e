// Package rabbitmq consumes lot submissions from a broker queue as the
// second intake path next to HTTP. The subscriber reconnects on broker
// restarts and processes deliveries on a bounded worker pool; ack/nack
// happens only after the callback returns.
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apex/log"
	"github.com/streadway/amqp"

	"lot-describe-pipeline/metrics"
)

const (
	defaultWorkers   = 8
	connectTimeout   = 60 * time.Second
	maxReconnectWait = 30 * time.Second
)

// Message is one received submission.
type Message struct {
	Body        []byte
	RoutingKey  string
	ContentType string
	Timestamp   time.Time
	Redelivered bool
}

// UnmarshalTo unmarshals the message body into v.
func (m *Message) UnmarshalTo(v any) error {
	return json.Unmarshal(m.Body, v)
}

// CallbackFunc processes one message. Return nil to ack, Permanent(err) to
// drop the message, any other error to requeue it once.
type CallbackFunc func(msg *Message) error

// PermanentError marks a processing failure as non-retriable.
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string {
	if e == nil || e.Err == nil {
		return "permanent error"
	}
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as a PermanentError.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func isPermanent(err error) bool {
	var perr *PermanentError
	return errors.As(err, &perr)
}

// Subscriber consumes one queue bound to one direct exchange.
type Subscriber struct {
	amqpURL    string
	exchange   string
	queue      string
	routingKey string
	workers    int

	// opMu serializes channel operations; amqp.Channel is not safe for
	// concurrent use.
	opMu    sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel

	startOnce sync.Once
	done      chan struct{}
	connected atomic.Bool
}

// NewSubscriber connects to the broker and declares the exchange and queue.
// Callers fail fast when the broker is unreachable at startup.
func NewSubscriber(amqpURL, exchange, queue, routingKey string) (*Subscriber, error) {
	s := &Subscriber{
		amqpURL:    amqpURL,
		exchange:   exchange,
		queue:      queue,
		routingKey: routingKey,
		workers:    defaultWorkers,
		done:       make(chan struct{}),
	}

	s.opMu.Lock()
	err := s.reconnectLocked()
	s.opMu.Unlock()
	if err != nil {
		return nil, err
	}
	return s, nil
}

// reconnectLocked tears down any existing channel/connection and recreates
// them. Caller must hold s.opMu.
func (s *Subscriber) reconnectLocked() error {
	if s.channel != nil {
		_ = s.channel.Close()
		s.channel = nil
	}
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.connected.Store(false)
	metrics.AMQPConnected.Set(0)

	conn, err := amqp.Dial(s.amqpURL)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(s.exchange, "direct", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("failed to declare exchange: %w", err)
	}
	q, err := ch.QueueDeclare(s.queue, true, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	s.queue = q.Name

	s.conn = conn
	s.channel = ch
	s.connected.Store(true)
	metrics.AMQPConnected.Set(1)
	return nil
}

// Start begins consuming and dispatching to callback. If the broker
// restarts, the delivery channel closes; the consume loop reconnects with
// backoff and resumes.
func (s *Subscriber) Start(callback CallbackFunc) {
	s.startOnce.Do(func() {
		jobs := make(chan amqp.Delivery, s.workers)
		for i := 0; i < s.workers; i++ {
			go s.worker(jobs, callback)
		}
		go s.consumeLoop(jobs)
	})
}

func (s *Subscriber) worker(jobs <-chan amqp.Delivery, callback CallbackFunc) {
	for delivery := range jobs {
		msg := &Message{
			Body:        delivery.Body,
			RoutingKey:  delivery.RoutingKey,
			ContentType: delivery.ContentType,
			Timestamp:   delivery.Timestamp,
			Redelivered: delivery.Redelivered,
		}

		err := s.invoke(callback, msg)
		switch {
		case err == nil:
			s.ack(delivery)
			metrics.AMQPMessagesTotal.WithLabelValues("success").Inc()
		case isPermanent(err):
			log.WithError(err).Errorf("Dropping intake message (routing key %s)", delivery.RoutingKey)
			s.nack(delivery, false)
			metrics.AMQPMessagesTotal.WithLabelValues("dropped").Inc()
		case delivery.Redelivered:
			// One requeue has already been spent on this message.
			log.WithError(err).Errorf("Dropping intake message after redelivery (routing key %s)", delivery.RoutingKey)
			s.nack(delivery, false)
			metrics.AMQPMessagesTotal.WithLabelValues("dropped").Inc()
		default:
			log.WithError(err).Warnf("Requeueing intake message (routing key %s)", delivery.RoutingKey)
			s.nack(delivery, true)
			metrics.AMQPMessagesTotal.WithLabelValues("requeued").Inc()
		}
	}
}

// invoke runs the callback, converting a panic into a permanent error so a
// poison message cannot kill the worker pool.
func (s *Subscriber) invoke(callback CallbackFunc, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Permanent(fmt.Errorf("callback panicked: %v", r))
		}
	}()
	return callback(msg)
}

func (s *Subscriber) ack(delivery amqp.Delivery) {
	s.opMu.Lock()
	err := delivery.Ack(false)
	s.opMu.Unlock()
	if err != nil {
		log.WithError(err).Error("Failed to ack intake message")
	}
}

func (s *Subscriber) nack(delivery amqp.Delivery, requeue bool) {
	s.opMu.Lock()
	err := delivery.Nack(false, requeue)
	s.opMu.Unlock()
	if err != nil {
		log.WithError(err).Error("Failed to nack intake message")
	}
}

func (s *Subscriber) consumeLoop(jobs chan<- amqp.Delivery) {
	backoff := time.Second
	for {
		select {
		case <-s.done:
			close(jobs)
			return
		default:
		}

		msgs, err := s.startConsuming()
		if err != nil {
			log.WithError(err).Errorf("RabbitMQ consume setup failed for queue %s", s.queue)
			time.Sleep(backoff)
			if backoff < maxReconnectWait {
				backoff *= 2
			}
			continue
		}

		log.Infof("Consuming lot submissions from %s/%s with %d workers", s.exchange, s.queue, s.workers)
		backoff = time.Second

		for {
			select {
			case <-s.done:
				close(jobs)
				return
			case delivery, ok := <-msgs:
				if !ok {
					s.connected.Store(false)
					metrics.AMQPConnected.Set(0)
					log.Warnf("RabbitMQ delivery channel closed for %s, reconnecting", s.queue)
					goto reconnect
				}
				jobs <- delivery
			}
		}

	reconnect:
		time.Sleep(backoff)
		if backoff < maxReconnectWait {
			backoff *= 2
		}
	}
}

// startConsuming (re)establishes the connection if needed, re-applies QoS
// and the queue binding, and opens the delivery channel.
func (s *Subscriber) startConsuming() (<-chan amqp.Delivery, error) {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.conn == nil || s.conn.IsClosed() || s.channel == nil {
		if err := s.reconnectLocked(); err != nil {
			return nil, err
		}
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if err := s.channel.Qos(s.workers, 0, false); err != nil {
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}
	if err := s.channel.QueueBind(s.queue, s.routingKey, s.exchange, false, nil); err != nil {
		return nil, fmt.Errorf("failed to bind queue: %w", err)
	}
	return s.channel.Consume(s.queue, "", false, false, false, false, nil)
}

// IsConnected indicates whether the subscriber currently holds a live
// connection (best-effort).
func (s *Subscriber) IsConnected() bool {
	return s.connected.Load()
}

// Close stops consumption and closes the channel and connection.
func (s *Subscriber) Close() error {
	select {
	case <-s.done:
	default:
		close(s.done)
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	var err error
	if s.channel != nil {
		if channelErr := s.channel.Close(); channelErr != nil {
			err = channelErr
		}
		s.channel = nil
	}
	if s.conn != nil {
		if connErr := s.conn.Close(); connErr != nil && err == nil {
			err = connErr
		}
		s.conn = nil
	}
	s.connected.Store(false)
	metrics.AMQPConnected.Set(0)
	return err
}
