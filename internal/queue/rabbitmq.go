// Package queue adapts the durable work queue collaborator (§6) to the
// shape the job processor and schedule ticker need: a FIFO queue
// carrying {reportJobId, tenantId}, a client-supplied dedupe id equal
// to the job id, and a 5-attempt exponential backoff retry policy
// (base 2000ms), modeled on the teacher's pkg/mq topology of a main
// exchange, a retry exchange with per-delay TTL queues, and a
// dead-letter exchange for exhausted retries.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/lorenzovborges/reportsys/internal/model"
)

const (
	JobsExchange    = "report.jobs.exchange"
	JobsQueue       = "report.jobs.queue"
	DLXExchange     = "report.jobs.dlx"
	DeadLetterQueue = "report.jobs.dead_letter.queue"
	RetryExchange   = "report.jobs.retry.exchange"
	RoutingKey      = "report.job"

	MaxAttempts       = 5
	BackoffBaseMs     = 2000
	RemoveOnComplete  = 100
	RemoveOnFail      = 1000
)

// Client wraps a single AMQP connection/channel pair, matching the
// teacher's pkg/mq.Client shape.
type Client struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

// Publisher is the narrow surface the schedule ticker and the intake
// HTTP server depend on; extracted so both can be exercised in tests
// against a fake rather than a live broker connection.
type Publisher interface {
	Publish(ctx context.Context, msg model.QueueMessage) error
}

// New dials url and opens one channel.
func New(url string) (*Client, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connecting to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening channel: %w", err)
	}
	return &Client{conn: conn, ch: ch}, nil
}

// Close tears down the channel and connection.
func (c *Client) Close() error {
	if err := c.ch.Close(); err != nil {
		c.conn.Close()
		return err
	}
	return c.conn.Close()
}

// retryDelays is the exponential backoff schedule for attempts 1..5,
// base 2000ms: 2s, 4s, 8s, 16s, 32s.
func retryDelays() []time.Duration {
	delays := make([]time.Duration, MaxAttempts)
	for i := 0; i < MaxAttempts; i++ {
		delays[i] = time.Duration(BackoffBaseMs<<uint(i)) * time.Millisecond
	}
	return delays
}

// SetupTopology declares the exchanges and queues. Idempotent.
func (c *Client) SetupTopology() error {
	if err := c.ch.ExchangeDeclare(JobsExchange, "direct", true, false, false, false, nil); err != nil {
		return err
	}
	if err := c.ch.ExchangeDeclare(DLXExchange, "fanout", true, false, false, false, nil); err != nil {
		return err
	}
	if err := c.ch.ExchangeDeclare(RetryExchange, "direct", true, false, false, false, nil); err != nil {
		return err
	}

	if _, err := c.ch.QueueDeclare(DeadLetterQueue, true, false, false, false, amqp.Table{
		"x-message-ttl": int64(RemoveOnFail * 1000), // best-effort approximation of removeOnFail retention
	}); err != nil {
		return err
	}
	if err := c.ch.QueueBind(DeadLetterQueue, "", DLXExchange, false, nil); err != nil {
		return err
	}

	if _, err := c.ch.QueueDeclare(JobsQueue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange": DLXExchange,
	}); err != nil {
		return err
	}
	if err := c.ch.QueueBind(JobsQueue, RoutingKey, JobsExchange, false, nil); err != nil {
		return err
	}

	for _, delay := range retryDelays() {
		queueName := retryQueueName(delay)
		routingKey := retryRoutingKey(delay)
		if _, err := c.ch.QueueDeclare(queueName, true, false, false, false, amqp.Table{
			"x-dead-letter-exchange":    JobsExchange,
			"x-dead-letter-routing-key": RoutingKey,
			"x-message-ttl":             int64(delay.Milliseconds()),
		}); err != nil {
			return err
		}
		if err := c.ch.QueueBind(queueName, routingKey, RetryExchange, false, nil); err != nil {
			return err
		}
	}
	return nil
}

func retryQueueName(delay time.Duration) string {
	return fmt.Sprintf("report.jobs.retry.%dms", delay.Milliseconds())
}

func retryRoutingKey(delay time.Duration) string {
	return fmt.Sprintf("retry.%dms", delay.Milliseconds())
}

// Publish enqueues a fresh job message whose MessageId is the job id.
// The broker does not drop a message whose MessageId it has already
// seen, so publishing the same job twice enqueues it twice.
func (c *Client) Publish(ctx context.Context, msg model.QueueMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.ch.PublishWithContext(ctx, JobsExchange, RoutingKey, false, false, amqp.Publishing{
		ContentType: "application/json",
		MessageId:   msg.ReportJobID,
		Body:        body,
	})
}

// PublishRetry re-enqueues msg after the backoff delay for the given
// 1-indexed attempt number (attempt 1 is the first retry).
func (c *Client) PublishRetry(ctx context.Context, msg model.QueueMessage, attempt int) error {
	delays := retryDelays()
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(delays) {
		idx = len(delays) - 1
	}
	delay := delays[idx]

	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.ch.PublishWithContext(ctx, RetryExchange, retryRoutingKey(delay), false, false, amqp.Publishing{
		ContentType: "application/json",
		MessageId:   msg.ReportJobID,
		Body:        body,
		Headers:     amqp.Table{"x-dead-letter-routing-key": RoutingKey},
	})
}

// Delivery is the decoded message plus the ack/nack handle the worker
// loop uses once processing is done.
type Delivery struct {
	Message model.QueueMessage
	Attempt int
	raw     amqp.Delivery
}

// Ack acknowledges successful (or silently-dropped, per §7 NotFound)
// processing.
func (d Delivery) Ack() error { return d.raw.Ack(false) }

// Nack rejects the delivery without requeueing onto the main queue; the
// caller is expected to have already published a retry or accepted
// dead-lettering via RemoveOnFail semantics.
func (d Delivery) Nack() error { return d.raw.Nack(false, false) }

// attemptFromHeaders derives the 1-indexed attempt number from the
// number of times this message round-tripped through a retry queue's
// dead-letter TTL, which RabbitMQ records as "x-death" entries.
func attemptFromHeaders(headers amqp.Table) int {
	deaths, ok := headers["x-death"].([]interface{})
	if !ok {
		return 1
	}
	return len(deaths) + 1
}

// Consume starts a consumer on the main jobs queue. deliveries is
// closed when the channel or connection is closed.
func (c *Client) Consume(consumerTag string) (<-chan Delivery, error) {
	raw, err := c.ch.Consume(JobsQueue, consumerTag, false, false, false, false, nil)
	if err != nil {
		return nil, err
	}
	out := make(chan Delivery)
	go func() {
		defer close(out)
		for d := range raw {
			var msg model.QueueMessage
			if err := json.Unmarshal(d.Body, &msg); err != nil {
				d.Nack(false, false)
				continue
			}
			out <- Delivery{Message: msg, Attempt: attemptFromHeaders(d.Headers), raw: d}
		}
	}()
	return out, nil
}
