// Package natsq adapts a NATS JetStream stream to the crawler.Queue contract
// so stages can run on separate nodes.
package natsq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/JakeFAU/stagecrawler/internal/crawler"
)

// DefaultFetchWait bounds each blocking pull so cancellation is observed promptly.
const DefaultFetchWait = time.Second

// Config describes one stage queue on a JetStream stream.
type Config struct {
	Stream  string
	Subject string
	// FetchWait bounds a single pull request inside Dequeue.
	FetchWait time.Duration
}

// Queue is a JetStream-backed work queue. Messages are acknowledged when they
// are handed to a consumer.
type Queue struct {
	js        jetstream.JetStream
	consumer  jetstream.Consumer
	subject   string
	fetchWait time.Duration
	logger    *zap.Logger
}

var _ crawler.Queue = (*Queue)(nil)

// Connect dials the NATS server with reconnect logging attached.
func Connect(url string, logger *zap.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("disconnected from nats", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected to nats", zap.String("server", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Info("nats connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return nc, nil
}

// New ensures the stream and a durable consumer for cfg.Subject exist.
func New(ctx context.Context, nc *nats.Conn, cfg Config, logger *zap.Logger) (*Queue, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Stream == "" || cfg.Subject == "" {
		return nil, errors.New("natsq: stream and subject are required")
	}
	if cfg.FetchWait <= 0 {
		cfg.FetchWait = DefaultFetchWait
	}
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}
	stream, err := ensureStream(ctx, js, cfg.Stream, cfg.Subject)
	if err != nil {
		return nil, err
	}
	name := "consumer_" + strings.ReplaceAll(cfg.Subject, ".", "-")
	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          name,
		Durable:       name,
		FilterSubject: cfg.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer %s: %w", name, err)
	}
	logger.Info("jetstream queue ready",
		zap.String("stream", cfg.Stream),
		zap.String("subject", cfg.Subject),
		zap.String("consumer", name),
	)
	return &Queue{
		js:        js,
		consumer:  consumer,
		subject:   cfg.Subject,
		fetchWait: cfg.FetchWait,
		logger:    logger,
	}, nil
}

func ensureStream(ctx context.Context, js jetstream.JetStream, name, subject string) (jetstream.Stream, error) {
	stream, err := js.Stream(ctx, name)
	if err != nil {
		if !errors.Is(err, jetstream.ErrStreamNotFound) {
			return nil, fmt.Errorf("lookup stream %s: %w", name, err)
		}
		stream, err = js.CreateStream(ctx, jetstream.StreamConfig{Name: name, Subjects: []string{subject}})
		if err != nil {
			return nil, fmt.Errorf("create stream %s: %w", name, err)
		}
		return stream, nil
	}
	info, err := stream.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("stream info %s: %w", name, err)
	}
	for _, s := range info.Config.Subjects {
		if s == subject {
			return stream, nil
		}
	}
	cfg := info.Config
	cfg.Subjects = append(cfg.Subjects, subject)
	stream, err = js.UpdateStream(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("add subject %s to stream %s: %w", subject, name, err)
	}
	return stream, nil
}

// Enqueue publishes req and waits for the stream acknowledgement.
func (q *Queue) Enqueue(ctx context.Context, req crawler.Request) error {
	data, err := Encode(req)
	if err != nil {
		return err
	}
	if _, err := q.js.Publish(ctx, q.subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", q.subject, err)
	}
	return nil
}

// TryDequeue returns a message only when one is immediately available.
// Undecodable messages are terminated and skipped.
func (q *Queue) TryDequeue(ctx context.Context) (crawler.Request, bool, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, false, fmt.Errorf("dequeue canceled: %w", err)
		}
		batch, err := q.consumer.FetchNoWait(1)
		if err != nil {
			return nil, false, fmt.Errorf("fetch from %s: %w", q.subject, err)
		}
		msg, ok := <-batch.Messages()
		if !ok {
			if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
				return nil, false, fmt.Errorf("fetch from %s: %w", q.subject, err)
			}
			return nil, false, nil
		}
		req, err := q.accept(msg)
		if errors.Is(err, errSkipped) {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		return req, true, nil
	}
}

// Dequeue pulls in FetchWait slices until a message arrives or ctx ends.
// Connection trouble is retried with backoff for as long as ctx allows.
func (q *Queue) Dequeue(ctx context.Context) (crawler.Request, error) {
	retries := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("dequeue canceled: %w", err)
		}
		msg, err := q.consumer.Next(jetstream.FetchMaxWait(q.fetchWait))
		switch {
		case err == nil:
			retries = 0
		case errors.Is(err, nats.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
			retries = 0
			continue
		case transient(err):
			retries++
			q.logger.Warn("jetstream pull failed, retrying",
				zap.String("subject", q.subject),
				zap.Int("attempt", retries),
				zap.Error(err),
			)
			if !sleepCtx(ctx, backoff(retries)) {
				return nil, fmt.Errorf("dequeue canceled: %w", ctx.Err())
			}
			continue
		default:
			return nil, fmt.Errorf("next from %s: %w", q.subject, err)
		}

		req, err := q.accept(msg)
		if errors.Is(err, errSkipped) {
			continue
		}
		return req, err
	}
}

// errSkipped marks a message that was consumed without yielding a request.
var errSkipped = errors.New("message skipped")

func (q *Queue) accept(msg jetstream.Msg) (crawler.Request, error) {
	req, err := Decode(msg.Data())
	if err != nil {
		// Poison messages are terminated so they are not redelivered forever.
		q.logger.Error("dropping undecodable message", zap.String("subject", q.subject), zap.Error(err))
		if termErr := msg.Term(); termErr != nil {
			q.logger.Warn("terminate undecodable message", zap.Error(termErr))
		}
		return nil, errSkipped
	}
	if err := msg.Ack(); err != nil {
		// Unacked messages are redelivered after the ack wait.
		q.logger.Warn("ack failed, leaving message for redelivery", zap.String("subject", q.subject), zap.Error(err))
		return nil, errSkipped
	}
	return req, nil
}

func transient(err error) bool {
	return errors.Is(err, nats.ErrConnectionReconnecting) ||
		errors.Is(err, nats.ErrNoResponders) ||
		errors.Is(err, nats.ErrNoServers) ||
		errors.Is(err, jetstream.ErrNoHeartbeat)
}

func backoff(attempt int) time.Duration {
	d := time.Duration(attempt) * 200 * time.Millisecond
	return min(d, 5*time.Second)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Count reports messages not yet delivered to the consumer.
func (q *Queue) Count(ctx context.Context) (int, error) {
	info, err := q.consumer.Info(ctx)
	if err != nil {
		return 0, fmt.Errorf("consumer info for %s: %w", q.subject, err)
	}
	return int(info.NumPending), nil
}
