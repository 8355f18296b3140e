package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/durable/id"
	"github.com/xraph/durable/world"
)

// Source is the storage side of a queue as seen by the pool.
type Source interface {
	// Receive claims up to limit visible messages whose queue name starts
	// with prefix and whose deployment is deploymentID, hiding them for
	// visibility. Each claimed message has its DeliveryCount incremented.
	Receive(ctx context.Context, prefix, deploymentID string, limit int, visibility time.Duration) ([]*world.Message, error)
	// Ack deletes a delivered message.
	Ack(ctx context.Context, msg *world.Message) error
	// Nack makes a delivered message visible again after delay.
	Nack(ctx context.Context, msg *world.Message, delay time.Duration) error
	// Extend pushes an in-flight message's visibility out by visibility.
	Extend(ctx context.Context, msg *world.Message, visibility time.Duration) error
	// Defer makes a claimed message visible again after delay and undoes
	// the DeliveryCount increment of its claim.
	Defer(ctx context.Context, msg *world.Message, delay time.Duration) error
}

// Pool runs concurrent delivery loops for one queue prefix. It implements
// world.Endpoint.
type Pool struct {
	source   Source
	prefix   string
	handler  world.MessageHandler
	config   world.HandlerConfig
	workerID id.ID
	logger   *slog.Logger

	stopCh   chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
	stopped  bool
	active   map[string]*inflight
	activeMu sync.Mutex
}

type inflight struct {
	msg    *world.Message
	cancel context.CancelFunc
}

var _ world.Endpoint = (*Pool)(nil)

// NewPool creates a pool delivering messages under prefix to handler.
func NewPool(source Source, prefix string, handler world.MessageHandler, cfg world.HandlerConfig) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		source:   source,
		prefix:   prefix,
		handler:  handler,
		config:   cfg,
		workerID: id.NewWorkerID(),
		logger:   logger,
		stopCh:   make(chan struct{}),
		active:   make(map[string]*inflight),
	}
}

// WorkerID returns the pool's unique identifier.
func (p *Pool) WorkerID() id.ID { return p.workerID }

// Prefix returns the queue prefix the pool serves.
func (p *Pool) Prefix() string { return p.prefix }

// Start launches the delivery goroutines. It returns immediately. A pool
// cannot be restarted after Stop.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	if p.stopped {
		return fmt.Errorf("worker: pool %s already stopped", p.workerID)
	}
	p.running = true

	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.workerID.String()),
		slog.String("prefix", p.prefix),
		slog.String("deployment_id", p.config.DeploymentID),
		slog.Int("concurrency", p.config.Concurrency),
	)

	for range p.config.Concurrency {
		p.wg.Add(1)
		go p.receiveLoop()
	}

	if p.config.HeartbeatInterval > 0 && p.config.VisibilityTimeout > 0 {
		p.wg.Add(1)
		go p.heartbeatLoop()
	}

	return nil
}

// Stop signals the loops to stop and waits for in-flight deliveries. When
// ctx expires first, in-flight deliveries are cancelled.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.stopped = true
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.String("worker_id", p.workerID.String()))
	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully", slog.String("worker_id", p.workerID.String()))
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active deliveries")
		p.cancelActive()
		p.wg.Wait()
	}
	return nil
}

// ActiveCount returns the number of in-flight deliveries.
func (p *Pool) ActiveCount() int {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	return len(p.active)
}

func (p *Pool) receiveLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		msgs, err := p.source.Receive(context.Background(), p.prefix, p.config.DeploymentID, 1, p.config.VisibilityTimeout)
		if err != nil {
			p.logger.Error("receive error",
				slog.String("prefix", p.prefix),
				slog.String("error", err.Error()),
			)
			p.sleep()
			continue
		}
		if len(msgs) == 0 {
			p.sleep()
			continue
		}

		for _, msg := range msgs {
			p.deliver(msg)
		}
	}
}

func (p *Pool) deliver(msg *world.Message) {
	limiter := p.config.Limiter
	if limiter != nil && !limiter.Acquire(msg.QueueName, msg.DeploymentID) {
		// Over the queue's limit: hand it back for a later poll. A throttled
		// claim is not a delivery.
		if err := p.source.Defer(context.Background(), msg, p.config.PollInterval); err != nil {
			p.logger.Error("failed to release rate-limited message",
				slog.String("message_id", msg.ID),
				slog.String("error", err.Error()),
			)
		}
		return
	}
	if limiter != nil {
		defer limiter.Release(msg.QueueName, msg.DeploymentID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.track(msg, cancel)
	err := p.invoke(ctx, msg)
	p.untrack(msg.ID)
	cancel()

	p.settle(msg, err)
}

func (p *Pool) invoke(ctx context.Context, msg *world.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker: handler panicked on %s: %v", msg.ID, r)
		}
	}()
	return p.handler(ctx, msg)
}

// settle acknowledges or releases msg after a delivery attempt.
func (p *Pool) settle(msg *world.Message, handlerErr error) {
	ctx := context.Background()

	if handlerErr == nil {
		if err := p.source.Ack(ctx, msg); err != nil {
			p.logger.Error("ack failed",
				slog.String("message_id", msg.ID),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	if p.config.MaxDeliveries > 0 && msg.DeliveryCount >= p.config.MaxDeliveries {
		p.logger.Warn("message exhausted deliveries",
			slog.String("message_id", msg.ID),
			slog.String("queue", msg.QueueName),
			slog.Int("delivery_count", msg.DeliveryCount),
			slog.String("error", handlerErr.Error()),
		)
		if p.config.OnDeadLetter != nil {
			p.config.OnDeadLetter(ctx, msg, handlerErr)
		}
		if err := p.source.Ack(ctx, msg); err != nil {
			p.logger.Error("dead-letter ack failed",
				slog.String("message_id", msg.ID),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	var delay time.Duration
	if p.config.Backoff != nil {
		delay = p.config.Backoff.Delay(msg.DeliveryCount)
	}
	p.logger.Debug("delivery failed, releasing message",
		slog.String("message_id", msg.ID),
		slog.String("queue", msg.QueueName),
		slog.Int("delivery_count", msg.DeliveryCount),
		slog.Duration("delay", delay),
		slog.String("error", handlerErr.Error()),
	)
	if err := p.source.Nack(ctx, msg, delay); err != nil {
		p.logger.Error("nack failed",
			slog.String("message_id", msg.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (p *Pool) heartbeatLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.sendHeartbeats()
		}
	}
}

func (p *Pool) sendHeartbeats() {
	p.activeMu.Lock()
	msgs := make([]*world.Message, 0, len(p.active))
	for _, f := range p.active {
		msgs = append(msgs, f.msg)
	}
	p.activeMu.Unlock()

	for _, msg := range msgs {
		if err := p.source.Extend(context.Background(), msg, p.config.VisibilityTimeout); err != nil {
			p.logger.Warn("heartbeat failed",
				slog.String("message_id", msg.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (p *Pool) sleep() {
	select {
	case <-time.After(p.config.PollInterval):
	case <-p.stopCh:
	}
}

func (p *Pool) track(msg *world.Message, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.active[msg.ID] = &inflight{msg: msg, cancel: cancel}
	p.activeMu.Unlock()
}

func (p *Pool) untrack(msgID string) {
	p.activeMu.Lock()
	delete(p.active, msgID)
	p.activeMu.Unlock()
}

func (p *Pool) cancelActive() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for msgID, f := range p.active {
		p.logger.Warn("cancelling active delivery", slog.String("message_id", msgID))
		f.cancel()
	}
}
