// Authledger - Authentication Event Accounting for SAML2 and OIDC Deployments
// Copyright 2026 M. Korva (mkorva)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkorva/authledger

// Package badgerqueue implements the job queue on BadgerDB for deployments
// that keep the relational store read-optimized or run without it. Jobs live
// under per-type key lists namespaced by the SHA-1 of the type designation:
//
//	job:<sha1(type)>:<seq>        live queue
//	jobfailed:<sha1(type)>:<seq>  failed queue
//
// The sequence is monotonic across all types, so FIFO order holds globally
// as well as per type.
package badgerqueue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/mkorva/authledger/internal/codec"
	"github.com/mkorva/authledger/internal/config"
	"github.com/mkorva/authledger/internal/hashing"
	"github.com/mkorva/authledger/internal/logging"
	"github.com/mkorva/authledger/internal/metrics"
	"github.com/mkorva/authledger/internal/queue"
	"github.com/mkorva/authledger/internal/store"
)

const (
	backendName = "badger"

	prefixLive   = "job:"
	prefixFailed = "jobfailed:"

	seqKey       = "jobseq"
	seqBandwidth = 64
)

// Store is the BadgerDB queue backend.
type Store struct {
	db         *badger.DB
	seq        *badger.Sequence
	codec      codec.Codec
	maxTypeLen int
	now        func() time.Time
}

// Open opens (or creates) the Badger directory and prepares the sequence.
// An empty Dir opens an in-memory database, for tests.
func Open(cfg *config.BadgerQueueConfig, c codec.Codec, maxTypeLen int) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	opts.SyncWrites = true
	opts.Logger = nil
	if cfg.Dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, store.NewError("open badger queue", err)
	}
	seq, err := db.GetSequence([]byte(seqKey), seqBandwidth)
	if err != nil {
		_ = db.Close()
		return nil, store.NewError("open badger job sequence", err)
	}

	logging.Info().Str("dir", cfg.Dir).Msg("badger queue opened")
	return &Store{
		db:         db,
		seq:        seq,
		codec:      c,
		maxTypeLen: maxTypeLen,
		now:        func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}, nil
}

// SetClock replaces the time source, for tests.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// Setup is a no-op: Open already created the directory and sequence.
func (s *Store) Setup(ctx context.Context) error { return nil }

func liveKey(typ string, id int64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", prefixLive, hashing.SHA1Namespace(typ), id))
}

func failedKey(typ string, id int64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", prefixFailed, hashing.SHA1Namespace(typ), id))
}

// idFromKey parses the sequence component of a queue key. Keys are written
// by this package only, so a malformed key is data corruption.
func idFromKey(key []byte) (int64, error) {
	k := string(key)
	i := strings.LastIndexByte(k, ':')
	if i < 0 {
		return 0, fmt.Errorf("malformed queue key %q", k)
	}
	return strconv.ParseInt(k[i+1:], 10, 64)
}

// Enqueue appends a job under the type's key namespace.
func (s *Store) Enqueue(ctx context.Context, typ string, payload []byte) error {
	if err := queue.ValidateType(typ, s.maxTypeLen); err != nil {
		return err
	}

	n, err := s.seq.Next()
	if err != nil {
		return store.NewError("next job sequence", err)
	}
	id := int64(n) + 1 // sequence starts at 0, job ids at 1

	job := &queue.Job{ID: id, Type: typ, Payload: payload, CreatedAt: s.now()}
	value, err := s.codec.Encode(job)
	if err != nil {
		return store.NewError("encode job", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(liveKey(typ, id), value)
	})
	if err != nil {
		return store.NewError("enqueue job", err)
	}
	metrics.JobsEnqueued.WithLabelValues(backendName).Inc()
	return nil
}

// Dequeue returns the oldest live job of typ, or nil when none exists.
// typ "" scans every type namespace and picks the globally smallest id.
func (s *Store) Dequeue(ctx context.Context, typ string) (*queue.Job, error) {
	prefix := []byte(prefixLive)
	if typ != "" {
		prefix = []byte(prefixLive + hashing.SHA1Namespace(typ) + ":")
	}

	var key, value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		// Within one type the zero-padded id makes key order FIFO order;
		// across types the smallest id must be searched for.
		bestID := int64(-1)
		var bestItem *badger.Item
		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			id, err := idFromKey(it.Item().Key())
			if err != nil {
				return err
			}
			if bestID < 0 || id < bestID {
				bestID = id
				bestItem = it.Item()
			}
			if typ != "" {
				break // first key in the namespace is the oldest
			}
		}
		if bestItem == nil {
			return badger.ErrKeyNotFound
		}
		v, err := bestItem.ValueCopy(nil)
		if err != nil {
			return err
		}
		key = bestItem.KeyCopy(nil)
		value = v
		return nil
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, store.NewError("dequeue job", err)
	}

	job := &queue.Job{}
	if err := s.codec.Decode(value, job); err != nil {
		// An undecodable envelope never reaches a handler, so no caller
		// has an id to MarkFailed with. Park it here or it stays at the
		// head of the queue forever.
		s.parkRaw(key, value)
		return nil, store.NewDeserializationError("badger job", err)
	}
	return job, nil
}

// parkRaw moves an undecodable envelope to the failed namespace under its
// original key suffix. The raw bytes are rewrapped in a fresh envelope so
// FailedJobs can still list the entry; the type is unrecoverable from the
// hashed key and stays empty. Best effort; when the park itself fails the
// envelope stays live for the next attempt.
func (s *Store) parkRaw(key, value []byte) {
	id, err := idFromKey(key)
	if err != nil {
		id = 0
	}
	wrapped, err := s.codec.Encode(&queue.Job{ID: id, Payload: value, CreatedAt: s.now()})
	if err != nil {
		logging.Warn().Err(err).Str("key", string(key)).Msg("failed to rewrap undecodable job")
		return
	}
	parked := append([]byte(prefixFailed), key[len(prefixLive):]...)
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(parked, wrapped); err != nil {
			return err
		}
		return txn.Delete(key)
	})
	if err != nil {
		logging.Warn().Err(err).Str("key", string(key)).Msg("failed to park undecodable job")
		return
	}
	logging.Warn().Str("key", string(key)).Msg("parked undecodable job")
	metrics.JobsFailed.WithLabelValues(backendName).Inc()
}

// Delete removes a live job by id, scanning the live namespace for the key
// carrying that sequence number. false means no such job.
func (s *Store) Delete(ctx context.Context, id int64) (bool, error) {
	key, err := s.findLiveKey(id)
	if err != nil {
		return false, err
	}
	if key == nil {
		return false, nil
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
	if err != nil {
		return false, store.NewError("delete job", err)
	}
	return true, nil
}

func (s *Store) findLiveKey(id int64) ([]byte, error) {
	prefix := []byte(prefixLive)
	var found []byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			keyID, err := idFromKey(it.Item().Key())
			if err != nil {
				return err
			}
			if keyID == id {
				found = it.Item().KeyCopy(nil)
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, store.NewError("find job key", err)
	}
	return found, nil
}

// MarkFailed moves the job to the failed namespace. The park and the
// removal commit in one transaction.
func (s *Store) MarkFailed(ctx context.Context, job *queue.Job) error {
	value, err := s.codec.Encode(job)
	if err != nil {
		return store.NewError("encode failed job", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(failedKey(job.Type, job.ID), value); err != nil {
			return err
		}
		err := txn.Delete(liveKey(job.Type, job.ID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return store.NewError("park failed job", err)
	}
	metrics.JobsFailed.WithLabelValues(backendName).Inc()
	return nil
}

// FailedJobs returns parked jobs, oldest first. Key order groups parked
// jobs by type hash, so the whole namespace is scanned and sorted by id.
func (s *Store) FailedJobs(ctx context.Context, limit int) ([]queue.Job, error) {
	prefix := []byte(prefixFailed)
	var jobs []queue.Job
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			value, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var j queue.Job
			if err := s.codec.Decode(value, &j); err != nil {
				return store.NewDeserializationError("badger failed job", err)
			}
			jobs = append(jobs, j)
		}
		return nil
	})
	if err != nil {
		return nil, store.NewError("list failed jobs", err)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// Close releases the sequence lease and closes the database.
func (s *Store) Close() error {
	if err := s.seq.Release(); err != nil {
		logging.Warn().Err(err).Msg("release badger job sequence")
	}
	return s.db.Close()
}
