// Authledger - Authentication Event Accounting for SAML2 and OIDC Deployments
// Copyright 2026 M. Korva (mkorva)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkorva/authledger

// Package natsqueue implements the job queue on NATS JetStream for
// multi-node deployments where producers and the runner live in different
// processes. Jobs are published to per-type subjects under a work-queue
// stream and consumed through a durable pull consumer; failed jobs are
// republished to a parking stream before the live copy is acknowledged.
//
// Delivery semantics differ slightly from the embedded backends: a
// dequeued job stays invisible to further Dequeue calls until its ack
// deadline passes, instead of remaining immediately visible. At-least-once
// delivery and FIFO order per type are preserved.
package natsqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/mkorva/authledger/internal/codec"
	"github.com/mkorva/authledger/internal/config"
	"github.com/mkorva/authledger/internal/hashing"
	"github.com/mkorva/authledger/internal/logging"
	"github.com/mkorva/authledger/internal/metrics"
	"github.com/mkorva/authledger/internal/queue"
	"github.com/mkorva/authledger/internal/store"
)

const backendName = "nats"

// Store is the JetStream queue backend.
type Store struct {
	conn      *natsgo.Conn
	js        jetstream.JetStream
	publisher message.Publisher
	codec     codec.Codec

	cfg        config.NATSQueueConfig
	maxTypeLen int
	now        func() time.Time

	mu        sync.Mutex
	inflight  map[int64]jetstream.Msg
	consumers map[string]jetstream.Consumer
}

// Open connects to the broker and prepares the watermill publisher. Stream
// provisioning happens in Setup.
func Open(cfg *config.NATSQueueConfig, c codec.Codec, maxTypeLen int) (*Store, error) {
	wmLogger := logging.NewWatermillAdapter()

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.DisconnectErrHandler(func(nc *natsgo.Conn, err error) {
			if err != nil {
				logging.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logging.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	}

	conn, err := natsgo.Connect(cfg.URL, natsOpts...)
	if err != nil {
		return nil, store.NewError("connect to nats", err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, store.NewError("open jetstream context", err)
	}

	pub, err := wmNats.NewPublisherWithNatsConn(conn, wmNats.PublisherPublishConfig{
		Marshaler:         &wmNats.NATSMarshaler{},
		SubjectCalculator: wmNats.DefaultSubjectCalculator,
		JetStream: wmNats.JetStreamConfig{
			AutoProvision: false, // streams are provisioned by Setup
			PublishOptions: []natsgo.PubOpt{
				natsgo.RetryAttempts(3),
				natsgo.RetryWait(100 * time.Millisecond),
			},
		},
	}, wmLogger)
	if err != nil {
		conn.Close()
		return nil, store.NewError("create watermill publisher", err)
	}

	return &Store{
		conn:       conn,
		js:         js,
		publisher:  pub,
		codec:      c,
		cfg:        *cfg,
		maxTypeLen: maxTypeLen,
		now:        func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
		inflight:   make(map[int64]jetstream.Msg),
		consumers:  make(map[string]jetstream.Consumer),
	}, nil
}

// SetClock replaces the time source, for tests.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

func (s *Store) liveSubject(typ string) string {
	return fmt.Sprintf("%s.job.%s", s.cfg.SubjectPrefix, hashing.SHA1Namespace(typ))
}

func (s *Store) failedSubject(typ string) string {
	return fmt.Sprintf("%s.failed.%s", s.cfg.SubjectPrefix, hashing.SHA1Namespace(typ))
}

func (s *Store) failedStreamName() string {
	return s.cfg.StreamName + "_FAILED"
}

// Setup provisions the live work-queue stream and the failed parking
// stream. Idempotent: existing streams get their configuration updated.
func (s *Store) Setup(ctx context.Context) error {
	live := jetstream.StreamConfig{
		Name:      s.cfg.StreamName,
		Subjects:  []string{s.cfg.SubjectPrefix + ".job.>"},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
		Discard:   jetstream.DiscardOld,
	}
	failed := jetstream.StreamConfig{
		Name:      s.failedStreamName(),
		Subjects:  []string{s.cfg.SubjectPrefix + ".failed.>"},
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
		Discard:   jetstream.DiscardOld,
	}
	for _, cfg := range []jetstream.StreamConfig{live, failed} {
		if _, err := s.js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return store.NewError("provision stream "+cfg.Name, err)
		}
	}
	logging.Info().Str("stream", s.cfg.StreamName).Msg("jetstream queue provisioned")
	return nil
}

// Enqueue publishes the job to its type subject. The job id is assigned by
// the stream and becomes visible on dequeue.
func (s *Store) Enqueue(ctx context.Context, typ string, payload []byte) error {
	if err := queue.ValidateType(typ, s.maxTypeLen); err != nil {
		return err
	}

	job := &queue.Job{Type: typ, Payload: payload, CreatedAt: s.now()}
	data, err := s.codec.Encode(job)
	if err != nil {
		return store.NewError("encode job", err)
	}

	msg := message.NewMessage(logging.NewCorrelationID(), data)
	msg.Metadata.Set("job_type", typ)
	if err := s.publisher.Publish(s.liveSubject(typ), msg); err != nil {
		return store.NewError("publish job", err)
	}
	metrics.JobsEnqueued.WithLabelValues(backendName).Inc()
	return nil
}

// consumer returns the durable pull consumer scoped to typ, creating it on
// first use. typ "" consumes every type subject.
func (s *Store) consumer(ctx context.Context, typ string) (jetstream.Consumer, error) {
	name := "runner_all"
	filter := s.cfg.SubjectPrefix + ".job.>"
	if typ != "" {
		name = "runner_" + hashing.SHA1Namespace(typ)
		filter = s.liveSubject(typ)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.consumers[name]; ok {
		return c, nil
	}

	c, err := s.js.CreateOrUpdateConsumer(ctx, s.cfg.StreamName, jetstream.ConsumerConfig{
		Durable:       name,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       s.cfg.AckWait,
		FilterSubject: filter,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, store.NewError("provision consumer "+name, err)
	}
	s.consumers[name] = c
	return c, nil
}

// Dequeue fetches the oldest available job of typ, or nil when none is
// available. The underlying message stays unacknowledged until Delete or
// MarkFailed.
func (s *Store) Dequeue(ctx context.Context, typ string) (*queue.Job, error) {
	c, err := s.consumer(ctx, typ)
	if err != nil {
		return nil, err
	}

	batch, err := c.FetchNoWait(1)
	if err != nil {
		return nil, store.NewError("fetch job", err)
	}
	var msg jetstream.Msg
	for m := range batch.Messages() {
		msg = m
	}
	if err := batch.Error(); err != nil {
		return nil, store.NewError("fetch job", err)
	}
	if msg == nil {
		return nil, nil
	}

	meta, err := msg.Metadata()
	if err != nil {
		return nil, store.NewError("read job metadata", err)
	}
	job := &queue.Job{}
	if err := s.codec.Decode(msg.Data(), job); err != nil {
		// An undecodable envelope never reaches a handler, so no caller
		// has an id to MarkFailed with. Park it here or the work-queue
		// head redelivers it forever.
		s.parkRaw(ctx, msg, meta)
		return nil, store.NewDeserializationError("jetstream job", err)
	}
	job.ID = int64(meta.Sequence.Stream)

	s.mu.Lock()
	s.inflight[job.ID] = msg
	s.mu.Unlock()
	return job, nil
}

// parkRaw publishes an undecodable envelope to the parking stream and acks
// the live copy. The raw bytes are rewrapped in a fresh envelope so
// FailedJobs can still list the entry; the type comes from the publish
// metadata header when present. Best effort; when the park itself fails the
// message redelivers after its ack deadline.
func (s *Store) parkRaw(ctx context.Context, msg jetstream.Msg, meta *jetstream.MsgMetadata) {
	typ := msg.Headers().Get("job_type")
	wrapped, err := s.codec.Encode(&queue.Job{
		ID:        int64(meta.Sequence.Stream),
		Type:      typ,
		Payload:   msg.Data(),
		CreatedAt: s.now(),
	})
	if err != nil {
		logging.Warn().Err(err).Msg("failed to rewrap undecodable job")
		return
	}
	if _, err := s.js.Publish(ctx, s.failedSubject(typ), wrapped); err != nil {
		logging.Warn().Err(err).Msg("failed to park undecodable job")
		return
	}
	if err := msg.Ack(); err != nil {
		logging.Warn().Err(err).Uint64("stream_seq", meta.Sequence.Stream).Msg("failed to ack undecodable job")
		return
	}
	logging.Warn().Uint64("stream_seq", meta.Sequence.Stream).Msg("parked undecodable job")
	metrics.JobsFailed.WithLabelValues(backendName).Inc()
}

// Delete acknowledges the in-flight message carrying id, removing it from
// the work-queue stream. false means the id is not held in flight, which
// happens after an ack-deadline redelivery cycle.
func (s *Store) Delete(ctx context.Context, id int64) (bool, error) {
	s.mu.Lock()
	msg, ok := s.inflight[id]
	if ok {
		delete(s.inflight, id)
	}
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := msg.DoubleAck(ctx); err != nil {
		return false, store.NewError("ack job", err)
	}
	return true, nil
}

// MarkFailed republishes the job to the parking stream, then acknowledges
// the live copy. A crash between the two steps redelivers the job, so the
// parking stream may hold duplicates.
func (s *Store) MarkFailed(ctx context.Context, job *queue.Job) error {
	data, err := s.codec.Encode(job)
	if err != nil {
		return store.NewError("encode failed job", err)
	}
	if _, err := s.js.Publish(ctx, s.failedSubject(job.Type), data); err != nil {
		return store.NewError("park failed job", err)
	}
	if _, err := s.Delete(ctx, job.ID); err != nil {
		return err
	}
	metrics.JobsFailed.WithLabelValues(backendName).Inc()
	return nil
}

// FailedJobs reads parked jobs from the parking stream, oldest first,
// without consuming them.
func (s *Store) FailedJobs(ctx context.Context, limit int) ([]queue.Job, error) {
	c, err := s.js.OrderedConsumer(ctx, s.failedStreamName(), jetstream.OrderedConsumerConfig{})
	if err != nil {
		return nil, store.NewError("open failed-job reader", err)
	}

	var jobs []queue.Job
	for len(jobs) < limit {
		batch, err := c.FetchNoWait(limit - len(jobs))
		if err != nil {
			return nil, store.NewError("fetch failed jobs", err)
		}
		got := false
		for msg := range batch.Messages() {
			got = true
			var j queue.Job
			if err := s.codec.Decode(msg.Data(), &j); err != nil {
				return nil, store.NewDeserializationError("jetstream failed job", err)
			}
			jobs = append(jobs, j)
		}
		if err := batch.Error(); err != nil {
			return nil, store.NewError("fetch failed jobs", err)
		}
		if !got {
			break
		}
	}
	return jobs, nil
}

// Close drains the connection, releasing in-flight messages back to the
// stream for redelivery.
func (s *Store) Close() error {
	if err := s.publisher.Close(); err != nil {
		logging.Warn().Err(err).Msg("close watermill publisher")
	}
	s.conn.Close()
	return nil
}
