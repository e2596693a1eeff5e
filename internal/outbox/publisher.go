package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Envelope is the wire shape published to the broker for every domain
// event. Dispatch rows are published as their bare payload instead (see
// Publisher.deliver).
type Envelope struct {
	EventType string          `json:"event_type"`
	EventID   string          `json:"event_id"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// Broker publishes one envelope to a named exchange with a routing key. A
// nil error means the broker has accepted the message for delivery.
type Broker interface {
	Publish(ctx context.Context, exchange, routingKey string, headers map[string]any, body []byte) error
}

// PublisherConfig tunes the poll loop.
type PublisherConfig struct {
	PollInterval time.Duration
	BatchSize    int

	// DomainExchange receives rows whose EventType has no dispatch prefix.
	DomainExchange string
	// DispatchExchange receives rows whose EventType has the dispatch
	// prefix (see Event.IsDispatch).
	DispatchExchange string
}

func (c PublisherConfig) withDefaults() PublisherConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	return c
}

// Publisher polls Store for deliverable rows and hands them to Broker,
// applying exponential backoff and an eventual failed escalation on
// persistent delivery errors.
type Publisher struct {
	store  Store
	broker Broker
	logger *zap.Logger
	cfg    PublisherConfig

	stopCh chan struct{}
	doneCh chan struct{}
}

func NewPublisher(store Store, broker Broker, logger *zap.Logger, cfg PublisherConfig) *Publisher {
	return &Publisher{
		store:  store,
		broker: broker,
		logger: logger,
		cfg:    cfg.withDefaults(),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start runs the poll loop until ctx is cancelled or Stop is called.
func (p *Publisher) Start(ctx context.Context) {
	p.logger.Info("starting outbox publisher",
		zap.Duration("poll_interval", p.cfg.PollInterval),
		zap.Int("batch_size", p.cfg.BatchSize))

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	defer close(p.doneCh)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("outbox publisher stopping on context cancellation")
			return
		case <-p.stopCh:
			p.logger.Info("outbox publisher stopping")
			return
		case <-ticker.C:
			if err := p.pollOnce(ctx); err != nil {
				p.logger.Error("outbox poll cycle failed", zap.Error(err))
			}
		}
	}
}

// Stop signals the loop to exit and waits for it to return.
func (p *Publisher) Stop() {
	close(p.stopCh)
	<-p.doneCh
}

func (p *Publisher) pollOnce(ctx context.Context) error {
	events, err := p.store.ClaimBatch(ctx, p.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("outbox: claim batch: %w", err)
	}
	if len(events) == 0 {
		return nil
	}

	outcomes := make([]Outcome, 0, len(events))
	for _, evt := range events {
		outcomes = append(outcomes, p.deliver(ctx, evt))
	}

	if err := p.store.Resolve(ctx, outcomes); err != nil {
		return fmt.Errorf("outbox: resolve batch: %w", err)
	}

	p.logger.Info("outbox batch processed", zap.Int("count", len(events)))
	return nil
}

// deliver attempts to publish one event and classifies the result into an
// Outcome. It never returns an error: delivery failures become Retry or
// Failed outcomes instead, so one bad event never aborts the batch.
func (p *Publisher) deliver(ctx context.Context, evt Event) Outcome {
	exchange := p.cfg.DomainExchange
	routingKey := evt.EventType
	body := []byte(evt.Payload)
	if evt.IsDispatch() {
		// Dispatch rows go out as the bare task payload, routed by the
		// event type without its prefix (the dispatch queue's binding key).
		exchange = p.cfg.DispatchExchange
		routingKey = evt.EventType[len(DispatchEventTypePrefix):]
	} else {
		env := Envelope{
			EventType: evt.EventType,
			EventID:   evt.EventID.String(),
			Data:      evt.Payload,
			Timestamp: time.Now(),
		}
		var err error
		if body, err = json.Marshal(env); err != nil {
			return p.failureOutcome(evt, fmt.Errorf("marshal envelope: %w", err))
		}
	}

	headers := map[string]any{
		"event-type":     evt.EventType,
		"aggregate-id":   evt.AggregateID,
		"aggregate-type": evt.AggregateType,
		"message-id":     evt.EventID.String(),
	}

	if err := p.broker.Publish(ctx, exchange, routingKey, headers, body); err != nil {
		p.logger.Warn("outbox publish failed",
			zap.Int64("event_row_id", evt.ID),
			zap.String("event_type", evt.EventType),
			zap.Error(err))
		return p.failureOutcome(evt, err)
	}

	return Outcome{ID: evt.ID, Published: true}
}

func (p *Publisher) failureOutcome(evt Event, cause error) Outcome {
	retryCount := evt.RetryCount + 1
	if ShouldEscalate(retryCount) {
		return Outcome{ID: evt.ID, RetryCount: retryCount, LastError: cause.Error()}
	}
	return Outcome{
		ID:          evt.ID,
		Retry:       true,
		RetryCount:  retryCount,
		NextRetryAt: time.Now().Add(NextBackoff(retryCount)),
		LastError:   cause.Error(),
	}
}
