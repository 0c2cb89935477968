// Package notify carries bronze-created events from the ingestor to the
// reshaper over RabbitMQ.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rotisserie/eris"

	"github.com/sells-group/grid-pipeline/internal/model"
)

// QueueOptions names the durable queue and its dead-letter exchange.
type QueueOptions struct {
	Name               string
	DeadLetterExchange string
}

// Publisher announces newly written bronze objects.
type Publisher interface {
	Publish(ctx context.Context, ref model.RawObjectRef) error
	Close() error
}

// NopPublisher drops every event. Used when no queue is configured.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(context.Context, model.RawObjectRef) error { return nil }

// Close implements Publisher.
func (NopPublisher) Close() error { return nil }

// AMQPPublisher publishes persistent JSON messages to a durable queue.
type AMQPPublisher struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

// DialPublisher connects to url and declares the queue.
func DialPublisher(url string, opts QueueOptions) (*AMQPPublisher, error) {
	conn, ch, err := open(url, opts)
	if err != nil {
		return nil, err
	}
	return &AMQPPublisher{conn: conn, ch: ch, queue: opts.Name}, nil
}

// Publish sends ref to the queue.
func (p *AMQPPublisher) Publish(ctx context.Context, ref model.RawObjectRef) error {
	msg, err := newMessage(ref)
	if err != nil {
		return err
	}
	if err := p.ch.PublishWithContext(ctx, "", p.queue, false, false, msg); err != nil {
		return eris.Wrapf(err, "notify: publish %s", ref.Key)
	}
	return nil
}

// Close closes the channel and connection.
func (p *AMQPPublisher) Close() error {
	return closeAll(p.ch, p.conn)
}

func newMessage(ref model.RawObjectRef) (amqp.Publishing, error) {
	body, err := json.Marshal(ref)
	if err != nil {
		return amqp.Publishing{}, eris.Wrap(err, "notify: marshal ref")
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Type:         "bronze.created",
		Body:         body,
	}, nil
}

// queueArgs returns the declare arguments for opts.
func queueArgs(opts QueueOptions) amqp.Table {
	if opts.DeadLetterExchange == "" {
		return nil
	}
	return amqp.Table{"x-dead-letter-exchange": opts.DeadLetterExchange}
}

func open(url string, opts QueueOptions) (*amqp.Connection, *amqp.Channel, error) {
	if opts.Name == "" {
		return nil, nil, eris.New("notify: queue name is required")
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, eris.Wrap(err, "notify: dial")
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, eris.Wrap(err, "notify: open channel")
	}
	if _, err := ch.QueueDeclare(opts.Name, true, false, false, false, queueArgs(opts)); err != nil {
		_ = closeAll(ch, conn)
		return nil, nil, eris.Wrapf(err, "notify: declare queue %s", opts.Name)
	}
	return conn, ch, nil
}

func closeAll(ch *amqp.Channel, conn *amqp.Connection) error {
	var errs []error
	if ch != nil {
		if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return eris.Wrap(errors.Join(errs...), "notify: close")
	}
	return nil
}
