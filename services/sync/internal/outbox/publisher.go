// Package outbox relays committed sync events to NATS JetStream.
package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/example/learnsync/services/sync/internal/metrics"
	"github.com/example/learnsync/services/sync/internal/store"
)

// Source yields unpublished outbox rows. Both store backends implement it.
type Source interface {
	DrainOutbox(ctx context.Context, limit int, fn store.DrainFunc) (int, error)
}

// JetStream is the subset of nats.JetStreamContext used by the publisher.
type JetStream interface {
	StreamInfo(stream string, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	UpdateStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

type Publisher struct {
	Log          *zap.Logger
	Source       Source
	JS           JetStream
	Metrics      *metrics.Metrics
	BatchSize    int
	PollInterval time.Duration
}

func NewPublisher(log *zap.Logger, src Source, nc *nats.Conn, m *metrics.Metrics) (*Publisher, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, err
	}
	return &Publisher{
		Log:          log,
		Source:       src,
		JS:           js,
		Metrics:      m,
		BatchSize:    100,
		PollInterval: 2 * time.Second,
	}, nil
}

func (p *Publisher) EnsureStream(context.Context) error {
	info, err := p.JS.StreamInfo(StreamName)
	if err == nil {
		for _, s := range info.Config.Subjects {
			if s == StreamSubject {
				return nil
			}
		}
		cfg := info.Config
		cfg.Subjects = []string{StreamSubject}
		_, err := p.JS.UpdateStream(&cfg)
		return err
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return err
	}
	_, err = p.JS.AddStream(&nats.StreamConfig{
		Name:     StreamName,
		Subjects: []string{StreamSubject},
		Storage:  nats.FileStorage,
		MaxAge:   7 * 24 * time.Hour,
	})
	return err
}

// Run polls the outbox until ctx is done.
func (p *Publisher) Run(ctx context.Context) error {
	if err := p.EnsureStream(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(p.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := p.FlushOnce(ctx); err != nil {
				p.Metrics.OutboxFailed()
				p.Log.Warn("outbox flush failed", zap.Error(err))
			}
		}
	}
}

// FlushOnce publishes one batch. Rows stay unpublished if any publish fails,
// so delivery is at least once; consumers dedupe on event_id.
func (p *Publisher) FlushOnce(ctx context.Context) (int, error) {
	n, err := p.Source.DrainOutbox(ctx, p.BatchSize, func(_ context.Context, events []store.OutboxEvent) error {
		for _, ev := range events {
			if _, err := p.JS.Publish(ev.Subject, ev.Payload, nats.MsgId(ev.ID)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	p.Metrics.OutboxPublished(n)
	return n, nil
}
