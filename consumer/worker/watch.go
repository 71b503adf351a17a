package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/tnqbao/gau-workflow-monitor/infra"
	"github.com/tnqbao/gau-workflow-monitor/infra/produce"
	"github.com/tnqbao/gau-workflow-monitor/monitor"
)

// Deliveries is the part of *amqp.Channel the consumer needs.
type Deliveries interface {
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
}

// WatchConsumer starts one Watcher per watch request taken from the workflow.watch queue.
// A request is acked once its watch ends, so a crashed consumer leaves it for another replica.
type WatchConsumer struct {
	channel    Deliveries
	remote     monitor.StatusSource
	store      monitor.JobStore
	dispatcher *monitor.Dispatcher
	opts       monitor.WatcherOptions
	logger     *infra.LoggerClient
	telemetry  *infra.Telemetry

	mu     sync.Mutex
	active map[string]bool
	wg     sync.WaitGroup
}

func NewWatchConsumer(channel Deliveries, remote monitor.StatusSource, store monitor.JobStore, dispatcher *monitor.Dispatcher, opts monitor.WatcherOptions, logger *infra.LoggerClient, telemetry *infra.Telemetry) *WatchConsumer {
	if logger == nil {
		logger = infra.NewDiscardLogger()
	}
	return &WatchConsumer{
		channel:    channel,
		remote:     remote,
		store:      store,
		dispatcher: dispatcher,
		opts:       opts,
		logger:     logger,
		telemetry:  telemetry,
		active:     map[string]bool{},
	}
}

func (c *WatchConsumer) Start(ctx context.Context) error {
	msgs, err := c.channel.Consume(
		produce.WatchQueue,
		"",
		false, // manual ack
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register watch consumer: %w", err)
	}

	c.logger.InfoWithContextf(ctx, "[Watch Consumer] Started listening for watch requests on queue: %s", produce.WatchQueue)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.logger.InfoWithContextf(ctx, "[Watch Consumer] Shutting down...")
				return
			case msg, ok := <-msgs:
				if !ok {
					c.logger.WarningWithContextf(ctx, "[Watch Consumer] Channel closed")
					return
				}
				c.handleWatch(ctx, msg)
			}
		}
	}()

	return nil
}

// Wait blocks until every running watch has returned.
func (c *WatchConsumer) Wait() {
	c.wg.Wait()
}

func (c *WatchConsumer) handleWatch(ctx context.Context, msg amqp.Delivery) {
	var payload produce.WatchMessage
	if err := json.Unmarshal(msg.Body, &payload); err != nil {
		c.logger.ErrorWithContextf(ctx, err, "[Watch Consumer] Failed to unmarshal message")
		_ = msg.Nack(false, false)
		return
	}

	if _, err := uuid.Parse(payload.WorkflowID); err != nil {
		c.logger.ErrorWithContextf(ctx, err, "[Watch Consumer] Invalid workflow ID %q", payload.WorkflowID)
		_ = msg.Nack(false, false)
		return
	}

	if !c.claim(payload.WorkflowID) {
		c.logger.InfoWithContextf(ctx, "[Watch Consumer] %s is already being watched", payload.WorkflowID)
		_ = msg.Ack(false)
		return
	}

	opts := c.opts
	if payload.IntervalSeconds > 0 {
		opts.Interval = time.Duration(payload.IntervalSeconds) * time.Second
	}
	watcher := monitor.NewWatcher(c.remote, c.store, c.dispatcher, opts, c.logger, c.telemetry)

	c.logger.InfoWithContextf(ctx, "[Watch Consumer] Watching %s for %s", payload.WorkflowID, payload.User)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.release(payload.WorkflowID)

		result, err := watcher.Watch(ctx, payload.WorkflowID)
		switch {
		case err == nil:
			c.logger.InfoWithContextf(ctx, "[Watch Consumer] %s ended as %s", result.JobID, result.Status)
			_ = msg.Ack(false)
		case ctx.Err() != nil:
			// shutting down; leave the request for the next consumer
			_ = msg.Nack(false, true)
		case errors.Is(err, infra.ErrNotFound):
			c.logger.WarningWithContextf(ctx, "[Watch Consumer] Dropping watch for unknown workflow %s", payload.WorkflowID)
			_ = msg.Nack(false, false)
		default:
			c.logger.ErrorWithContextf(ctx, err, "[Watch Consumer] Watch of %s failed: %v", payload.WorkflowID, err)
			_ = msg.Nack(false, false)
		}
	}()
}

func (c *WatchConsumer) claim(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active[id] {
		return false
	}
	c.active[id] = true
	return true
}

func (c *WatchConsumer) release(id string) {
	c.mu.Lock()
	delete(c.active, id)
	c.mu.Unlock()
}
