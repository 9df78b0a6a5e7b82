package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// Outcome is what Handle did with a delivery.
type Outcome string

const (
	OutcomeApplied  Outcome = "applied"  // acked after apply
	OutcomeIgnored  Outcome = "ignored"  // unknown key, acked
	OutcomeRequeued Outcome = "requeued" // parse or apply failed, nacked with requeue
)

var eventsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "user_events_total",
		Help: "User events consumed by kind and outcome.",
	},
	[]string{"kind", "outcome"},
)

func init() {
	prometheus.MustRegister(eventsTotal)
}

// Options configures the subscriber.
type Options struct {
	URL         string
	Exchange    string
	Queue       string
	ConsumerTag string

	MinBackoff time.Duration
	MaxBackoff time.Duration

	Logger zerolog.Logger
}

// Subscriber owns one AMQP connection and consumes the replica queue.
type Subscriber struct {
	opts  Options
	store ReplicaStore
	log   zerolog.Logger

	dial func(url string) (*amqp.Connection, error)
}

// NewSubscriber returns a subscriber applying events to store.
func NewSubscriber(store ReplicaStore, opts Options) *Subscriber {
	if opts.ConsumerTag == "" {
		opts.ConsumerTag = "chat-service"
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = time.Second
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = 30 * time.Second
	}
	return &Subscriber{
		opts:  opts,
		store: store,
		log:   opts.Logger.With().Str("component", "user_events").Logger(),
		dial:  amqp.Dial,
	}
}

// Handle parses, applies and settles one delivery.
func (s *Subscriber) Handle(ctx context.Context, d amqp.Delivery) Outcome {
	log := s.log.With().Str("routing_key", d.RoutingKey).Uint64("tag", d.DeliveryTag).Logger()

	ev, err := Parse(d.RoutingKey, d.Body)
	if err != nil {
		log.Error().Err(err).Msg("malformed user event; requeueing")
		s.settle(log, d.Nack(false, true))
		return s.count(ev.Kind, OutcomeRequeued)
	}
	if ev.Kind == KindUnknown {
		log.Info().Msg("ignoring unknown routing key")
		s.settle(log, d.Ack(false))
		return s.count(ev.Kind, OutcomeIgnored)
	}

	if err := Apply(ctx, s.store, ev); err != nil {
		log.Error().Err(err).Str("public_id", ev.User.PublicID).Msg("apply user event failed; requeueing")
		s.settle(log, d.Nack(false, true))
		return s.count(ev.Kind, OutcomeRequeued)
	}

	log.Debug().Str("public_id", ev.User.PublicID).Str("kind", string(ev.Kind)).Msg("user event applied")
	s.settle(log, d.Ack(false))
	return s.count(ev.Kind, OutcomeApplied)
}

func (s *Subscriber) settle(log zerolog.Logger, err error) {
	if err != nil {
		log.Error().Err(err).Msg("settle delivery")
	}
}

func (s *Subscriber) count(k Kind, o Outcome) Outcome {
	eventsTotal.WithLabelValues(string(k), string(o)).Inc()
	return o
}

// Run consumes until ctx is cancelled, reconnecting with capped exponential
// backoff whenever the connection or channel drops.
func (s *Subscriber) Run(ctx context.Context) error {
	backoff := s.opts.MinBackoff
	for {
		consumed, err := s.consumeOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if consumed {
			backoff = s.opts.MinBackoff
		}
		s.log.Warn().Err(err).Dur("retry_in", backoff).Msg("user event consumer disconnected")

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		backoff *= 2
		if backoff > s.opts.MaxBackoff {
			backoff = s.opts.MaxBackoff
		}
	}
}

// consumeOnce runs one connection lifetime. consumed reports whether the
// consumer got as far as receiving deliveries.
func (s *Subscriber) consumeOnce(ctx context.Context) (consumed bool, err error) {
	conn, err := s.dial(s.opts.URL)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return false, fmt.Errorf("channel: %w", err)
	}
	defer ch.Close()

	deliveries, err := s.setup(ch)
	if err != nil {
		return false, err
	}
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))

	s.log.Info().Str("queue", s.opts.Queue).Str("exchange", s.opts.Exchange).Msg("consuming user events")
	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case aerr, ok := <-closed:
			if !ok || aerr == nil {
				return true, errors.New("channel closed")
			}
			return true, aerr
		case d, ok := <-deliveries:
			if !ok {
				return true, errors.New("delivery channel closed")
			}
			s.Handle(ctx, d)
		}
	}
}

func (s *Subscriber) setup(ch *amqp.Channel) (<-chan amqp.Delivery, error) {
	if err := ch.ExchangeDeclare(s.opts.Exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(s.opts.Queue, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(s.opts.Queue, BindingPattern, s.opts.Exchange, false, nil); err != nil {
		return nil, fmt.Errorf("bind queue: %w", err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		return nil, fmt.Errorf("qos: %w", err)
	}
	deliveries, err := ch.Consume(s.opts.Queue, s.opts.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume: %w", err)
	}
	return deliveries, nil
}
