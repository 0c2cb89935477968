package notify

import (
	"context"
	"encoding/json"
	"errors"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/grid-pipeline/internal/model"
	"github.com/sells-group/grid-pipeline/internal/monitoring"
	"github.com/sells-group/grid-pipeline/internal/resilience"
)

// Handler processes one bronze-created event.
type Handler func(ctx context.Context, ref model.RawObjectRef) error

// acknowledger is the part of amqp.Delivery the consumer settles messages with.
type acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

// Consumer reads bronze-created events one at a time.
type Consumer struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

// DialConsumer connects, declares the queue and limits prefetch to a single
// unacknowledged message.
func DialConsumer(url string, opts QueueOptions) (*Consumer, error) {
	conn, ch, err := open(url, opts)
	if err != nil {
		return nil, err
	}
	if err := ch.Qos(1, 0, false); err != nil {
		_ = closeAll(ch, conn)
		return nil, eris.Wrap(err, "notify: set qos")
	}
	return &Consumer{conn: conn, ch: ch, queue: opts.Name}, nil
}

// Run delivers messages to h until ctx is cancelled or the broker closes the
// channel. Messages are processed sequentially.
func (c *Consumer) Run(ctx context.Context, h Handler) error {
	deliveries, err := c.ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return eris.Wrapf(err, "notify: consume %s", c.queue)
	}

	zap.L().Info("notify: consuming", zap.String("queue", c.queue))
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return eris.New("notify: delivery channel closed by broker")
			}
			if err := settle(ctx, d.Body, d.Redelivered, d, h); err != nil {
				return err
			}
		}
	}
}

// Close closes the channel and connection.
func (c *Consumer) Close() error {
	return closeAll(c.ch, c.conn)
}

// Decide maps a handler result to a message disposition. Permanent failures
// are dead-lettered at once; anything else gets one redelivery before it is
// dead-lettered too.
func Decide(err error, redelivered bool) string {
	if err == nil {
		return monitoring.DispositionAck
	}
	var pe *resilience.PermanentError
	if errors.As(err, &pe) {
		return monitoring.DispositionDeadLetter
	}
	if redelivered {
		return monitoring.DispositionDeadLetter
	}
	return monitoring.DispositionRequeue
}

// settle runs h on one message body and acknowledges it accordingly. Only a
// failure to talk to the broker is returned.
func settle(ctx context.Context, body []byte, redelivered bool, ack acknowledger, h Handler) error {
	log := zap.L().With(zap.String("component", "notify.consumer"))

	var ref model.RawObjectRef
	var herr error
	if err := json.Unmarshal(body, &ref); err != nil || ref.Key == "" {
		herr = resilience.NewPermanentError(eris.Errorf("notify: undecodable message %q", truncate(body, 200)))
	} else {
		herr = h(ctx, ref)
	}

	disposition := Decide(herr, redelivered)
	monitoring.MessagesTotal.WithLabelValues(disposition).Inc()

	var err error
	switch disposition {
	case monitoring.DispositionAck:
		err = ack.Ack(false)
	case monitoring.DispositionRequeue:
		log.Warn("notify: handler failed, requeueing", zap.String("key", ref.Key), zap.Error(herr))
		err = ack.Nack(false, true)
	default:
		log.Error("notify: dead-lettering message", zap.String("key", ref.Key), zap.Bool("redelivered", redelivered), zap.Error(herr))
		err = ack.Nack(false, false)
	}
	if err != nil {
		return eris.Wrapf(err, "notify: settle message (%s)", disposition)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
