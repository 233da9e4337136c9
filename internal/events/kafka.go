// Package events streams ledger transfer events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"

	"github.com/example/ilp-node/internal/accounting"
	"github.com/example/ilp-node/internal/exchange"
)

const (
	EventTransferPosted = "transfer_posted"
	EventTransferVoided = "transfer_voided"

	DefaultTopic = "ilp_transfers"
)

var ErrQueueFull = errors.New("event queue full")

// TransferEvent is the JSON value of every message.
type TransferEvent struct {
	Type          string          `json:"type"`
	DebitAccount  string          `json:"debit_account"`
	CreditAccount string          `json:"credit_account"`
	Amount        string          `json:"amount"`
	Value         decimal.Decimal `json:"value"`
	AssetCode     string          `json:"asset_code,omitempty"`
	Immediate     bool            `json:"immediate"`
	CreatedAt     time.Time       `json:"created_at"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// MessageWriter is the part of *kafka.Writer used by the publisher.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// AssetLookup resolves the asset of a ledger.
type AssetLookup interface {
	Asset(id accounting.LedgerID) (exchange.Asset, bool)
}

// NewKafkaWriter returns a writer for topic on brokers.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	if topic == "" {
		topic = DefaultTopic
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
	}
}

// KafkaPublisher queues transfer events and writes them from Run. Ledger
// notifications never block on Kafka; events are dropped when the queue is
// full.
type KafkaPublisher struct {
	writer MessageWriter
	assets AssetLookup
	queue  chan kafka.Message
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	dropped int
}

func NewKafkaPublisher(writer MessageWriter, assets AssetLookup, buffer int, logger *slog.Logger) *KafkaPublisher {
	if buffer <= 0 {
		buffer = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaPublisher{
		writer: writer,
		assets: assets,
		queue:  make(chan kafka.Message, buffer),
		logger: logger,
		now:    time.Now,
	}
}

// Attach publishes every posted and voided transfer of l. The returned func
// detaches.
func (p *KafkaPublisher) Attach(l *accounting.Ledger) func() {
	unPosted := l.Posted().Subscribe(func(t accounting.Transfer) {
		p.enqueue(EventTransferPosted, t)
	})
	unVoided := l.Voided().Subscribe(func(t accounting.Transfer) {
		p.enqueue(EventTransferVoided, t)
	})
	return func() {
		unPosted()
		unVoided()
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (p *KafkaPublisher) Dropped() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

func (p *KafkaPublisher) enqueue(kind string, t accounting.Transfer) {
	if err := p.Publish(p.event(kind, t)); err != nil {
		p.logger.Warn("transfer event dropped", "type", kind, "error", err)
	}
}

func (p *KafkaPublisher) event(kind string, t accounting.Transfer) TransferEvent {
	ev := TransferEvent{
		Type:          kind,
		DebitAccount:  t.DebitAccount.String(),
		CreditAccount: t.CreditAccount.String(),
		Amount:        t.Amount.String(),
		Value:         decimal.NewFromBigInt(t.Amount, 0),
		Immediate:     t.Immediate,
		CreatedAt:     t.CreatedAt,
		OccurredAt:    p.now().UTC(),
	}
	if p.assets != nil {
		if asset, ok := p.assets.Asset(t.DebitAccount.LedgerID()); ok {
			ev.Value = decimal.NewFromBigInt(t.Amount, -asset.Scale)
			ev.AssetCode = asset.Code
		}
	}
	return ev
}

// Publish queues ev. It never blocks.
func (p *KafkaPublisher) Publish(ev TransferEvent) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	msg := kafka.Message{Key: []byte(ev.DebitAccount), Value: value}
	select {
	case p.queue <- msg:
		return nil
	default:
		p.mu.Lock()
		p.dropped++
		p.mu.Unlock()
		return ErrQueueFull
	}
}

// Run writes queued events until ctx is done, then flushes what is left
// and closes the writer.
func (p *KafkaPublisher) Run(ctx context.Context) error {
	for {
		select {
		case msg := <-p.queue:
			p.write(ctx, msg)
		case <-ctx.Done():
			p.flush()
			return p.writer.Close()
		}
	}
}

func (p *KafkaPublisher) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case msg := <-p.queue:
			p.write(ctx, msg)
		default:
			return
		}
	}
}

func (p *KafkaPublisher) write(ctx context.Context, msg kafka.Message) {
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("write transfer event failed", "key", string(msg.Key), "error", err)
	}
}
