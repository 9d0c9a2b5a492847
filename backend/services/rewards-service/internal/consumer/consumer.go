// Package consumer drains POS webhooks and location reports from RabbitMQ.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	reconnectDelay         = 5 * time.Second
	maxReconnectAttempts   = 10
	messageTimeout         = 30 * time.Second
	defaultPrefetch        = 32
	defaultWorkersPerQueue = 4
)

// Config describes the broker connection and queues.
type Config struct {
	URL           string
	WebhookQueue  string
	LocationQueue string
	Prefetch      int
	Workers       int
}

// deliverySource is the part of *amqp.Channel the worker pool consumes from.
type deliverySource interface {
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// Consumer owns one AMQP connection and runs a worker pool per queue.
type Consumer struct {
	cfg      Config
	handlers map[string]Handler
	logger   *zap.Logger

	conn    *amqp.Connection
	channel deliverySource
	mu      sync.Mutex

	// run is the context of the active Start call; nil when idle.
	run context.Context

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New dials the broker and declares the queues. Queues with an empty name are skipped.
func New(cfg Config, webhooks WebhookIngestor, locations LocationReporter, logger *zap.Logger) (*Consumer, error) {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = defaultPrefetch
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkersPerQueue
	}
	handlers := make(map[string]Handler, 2)
	if cfg.WebhookQueue != "" {
		handlers[cfg.WebhookQueue] = NewWebhookHandler(webhooks)
	}
	if cfg.LocationQueue != "" {
		handlers[cfg.LocationQueue] = NewLocationHandler(locations)
	}
	if len(handlers) == 0 {
		return nil, errors.New("consumer: no queues configured")
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Consumer{
		cfg:      cfg,
		handlers: handlers,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
	if err := c.connect(); err != nil {
		cancel()
		return nil, fmt.Errorf("consumer: connect: %w", err)
	}
	return c, nil
}

func (c *Consumer) connect() error {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	for queue := range c.handlers {
		if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return fmt.Errorf("declare queue %s: %w", queue, err)
		}
	}

	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("set qos: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.channel = ch
	c.mu.Unlock()

	c.logger.Info("connected to rabbitmq", zap.Int("queues", len(c.handlers)))

	go c.monitorConnection(conn)
	return nil
}

func (c *Consumer) monitorConnection(conn *amqp.Connection) {
	notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))

	select {
	case err := <-notifyClose:
		if err != nil {
			c.logger.Error("rabbitmq connection closed unexpectedly", zap.Error(err))
			c.reconnect()
		}
	case <-c.ctx.Done():
	}
}

func (c *Consumer) reconnect() {
	c.closeConn()

	for attempt := 1; attempt <= maxReconnectAttempts; attempt++ {
		if err := c.connect(); err == nil {
			c.logger.Info("reconnected to rabbitmq", zap.Int("attempt", attempt))
			if err := c.consume(); err != nil {
				c.logger.Error("resume consuming after reconnect", zap.Error(err))
			}
			return
		}

		delay := reconnectDelay * time.Duration(attempt)
		c.logger.Warn("rabbitmq reconnect failed", zap.Int("attempt", attempt), zap.Duration("delay", delay))

		select {
		case <-time.After(delay):
		case <-c.ctx.Done():
			return
		}
	}

	c.logger.Error("rabbitmq reconnect attempts exhausted")
}

// Start consumes every configured queue until ctx is cancelled or Close is called.
// Workers attached after a reconnect belong to the same run and are waited for on return.
func (c *Consumer) Start(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	defer context.AfterFunc(c.ctx, stop)()

	c.mu.Lock()
	if c.run != nil {
		c.mu.Unlock()
		return errors.New("consumer: already running")
	}
	c.run = ctx
	c.mu.Unlock()

	err := c.consume()
	if err == nil {
		c.logger.Info("consumer workers started", zap.Int("workers_per_queue", c.cfg.Workers))
		<-ctx.Done()
	}
	stop()

	c.mu.Lock()
	c.run = nil
	c.mu.Unlock()
	c.wg.Wait()
	return err
}

// consume attaches a worker pool per queue to the current channel. It is a no-op
// outside a run, so a late reconnect never adds workers after Start stopped waiting.
func (c *Consumer) consume() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.run == nil || c.run.Err() != nil {
		return nil
	}
	if c.channel == nil {
		return errors.New("consumer: channel is not initialized")
	}

	for queue, handler := range c.handlers {
		msgs, err := c.channel.Consume(queue, "", false, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("consumer: consume %s: %w", queue, err)
		}
		for i := 0; i < c.cfg.Workers; i++ {
			c.wg.Add(1)
			go c.worker(c.run, queue, handler, msgs)
		}
	}
	return nil
}

func (c *Consumer) worker(ctx context.Context, queue string, handler Handler, msgs <-chan amqp.Delivery) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				c.logger.Warn("delivery channel closed", zap.String("queue", queue))
				return
			}
			msgCtx, cancel := context.WithTimeout(ctx, messageTimeout)
			settle(msgCtx, queue, handler, msg, c.logger)
			cancel()
		}
	}
}

func (c *Consumer) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channel != nil {
		_ = c.channel.Close()
		c.channel = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// Close stops reconnect attempts and releases the connection.
func (c *Consumer) Close() {
	c.cancel()
	c.closeConn()
}
