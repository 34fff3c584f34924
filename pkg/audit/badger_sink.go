package audit

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/rzbill/warden/pkg/crypto"
	"github.com/rzbill/warden/pkg/log"
)

// BadgerSink appends audit events to a BadgerDB database. Keys are ordered
// by record time so range scans replay the trail chronologically. With a
// cipher configured, values are sealed at rest with the record key as
// associated data.
type BadgerSink struct {
	db     *badger.DB
	logger log.Logger
	cipher *crypto.Cipher
	seq    atomic.Uint64
}

// BadgerSinkOption configures a BadgerSink.
type BadgerSinkOption func(*BadgerSink)

// WithCipher makes the sink encrypt event payloads at rest.
func WithCipher(c *crypto.Cipher) BadgerSinkOption {
	return func(s *BadgerSink) {
		s.cipher = c
	}
}

// NewBadgerSink opens a badger database at path and returns a durable sink.
func NewBadgerSink(path string, logger log.Logger, options ...BadgerSinkOption) (*BadgerSink, error) {
	if logger == nil {
		logger = log.NewLogger()
	}
	logger = logger.WithComponent("audit")

	opts := badger.DefaultOptions(path)
	opts.Logger = &badgerLogAdapter{logger: logger}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit db: %w", err)
	}

	sink := &BadgerSink{db: db, logger: logger}
	for _, option := range options {
		option(sink)
	}

	logger.Info("Audit trail opened",
		log.Str("path", path),
		log.Bool("encrypted", sink.cipher != nil))
	return sink, nil
}

// Record implements Sink. Failures are logged and swallowed.
func (s *BadgerSink) Record(event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	data, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("Failed to encode audit event", log.Err(err))
		return
	}

	key := fmt.Sprintf("audit:%020d:%012d", event.Time.UnixNano(), s.seq.Add(1))

	if s.cipher != nil {
		data, err = s.cipher.Seal(data, []byte(key))
		if err != nil {
			s.logger.Error("Failed to encrypt audit event", log.Err(err))
			return
		}
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
	if err != nil {
		s.logger.Error("Failed to record audit event",
			log.Str("type", string(event.Type)),
			log.Err(err))
	}
}

// Close closes the underlying database.
func (s *BadgerSink) Close() error {
	return s.db.Close()
}

// Replay invokes fn for every retained event in chronological order.
func (s *BadgerSink) Replay(fn func(Event) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("audit:")
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			err := it.Item().Value(func(val []byte) error {
				if s.cipher != nil {
					opened, err := s.cipher.Open(val, key)
					if err != nil {
						return fmt.Errorf("failed to decrypt audit event: %w", err)
					}
					val = opened
				}
				var event Event
				if err := json.Unmarshal(val, &event); err != nil {
					return fmt.Errorf("failed to decode audit event: %w", err)
				}
				return fn(event)
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// badgerLogAdapter adapts our logger to BadgerDB's logger interface.
type badgerLogAdapter struct {
	logger log.Logger
}

// Errorf implements badger.Logger.
func (l *badgerLogAdapter) Errorf(format string, args ...interface{}) {
	l.logger.Errorf("BadgerDB: "+format, args...)
}

// Warningf implements badger.Logger.
func (l *badgerLogAdapter) Warningf(format string, args ...interface{}) {
	l.logger.Warnf("BadgerDB: "+format, args...)
}

// Infof implements badger.Logger.
func (l *badgerLogAdapter) Infof(format string, args ...interface{}) {
	l.logger.Debugf("BadgerDB: "+format, args...)
}

// Debugf implements badger.Logger.
func (l *badgerLogAdapter) Debugf(format string, args ...interface{}) {
	l.logger.Debugf("BadgerDB: "+format, args...)
}
