package storage

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"docsync/internal/models"
	"docsync/internal/repository"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/gorm"
)

/*
Postgres-backed slot.

Values are rows of storage_slots. A write upserts the row and calls
pg_notify inside the same transaction, so the notification is delivered
only once the new value is visible. NOTIFY payloads are capped at 8000
bytes, which a full document state easily exceeds, so the payload only
names the key and the writer; listeners re-read the row.
*/

const (
	defaultSlotChannel = "docsync_slots"
	pingInterval       = 90 * time.Second
	rereadTimeout      = 5 * time.Second
)

// slotRecords is the row access a PostgresSlot needs.
type slotRecords interface {
	Get(ctx context.Context, key string) (*models.SlotRecord, error)
	Put(ctx context.Context, rec *models.SlotRecord, channel, payload string) (bool, error)
	Delete(ctx context.Context, key, channel, payload string) (bool, error)
}

var _ slotRecords = (*repository.SlotRepositoryImpl)(nil)

// notificationSource is the part of *pq.Listener a subscription reads from.
// A nil notification means the connection was re-established.
type notificationSource interface {
	NotificationChannel() <-chan *pq.Notification
	Ping() error
	Close() error
}

// PostgresSlot is one tab's handle on a Postgres-backed slot.
type PostgresSlot struct {
	repo    slotRecords
	dsn     string
	channel string
	origin  string

	minReconnect time.Duration
	maxReconnect time.Duration
}

// PostgresOption configures a PostgresSlot.
type PostgresOption func(*PostgresSlot)

// WithNotifyChannel overrides the LISTEN/NOTIFY channel name.
func WithNotifyChannel(channel string) PostgresOption {
	return func(s *PostgresSlot) {
		s.channel = channel
	}
}

// NewPostgresSlot creates a handle. db serves reads and writes; dsn opens the
// dedicated listener connection used by Watch.
func NewPostgresSlot(db *gorm.DB, dsn string, opts ...PostgresOption) *PostgresSlot {
	s := &PostgresSlot{
		repo:         repository.NewSlotRepository(db),
		dsn:          dsn,
		channel:      defaultSlotChannel,
		origin:       uuid.NewString(),
		minReconnect: 10 * time.Second,
		maxReconnect: time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Origin returns the id stamped on this handle's writes.
func (s *PostgresSlot) Origin() string {
	return s.origin
}

func (s *PostgresSlot) getRecord(ctx context.Context, key string) (*models.SlotRecord, error) {
	rec, err := s.repo.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return rec, nil
}

// GetItem returns the value stored under key.
func (s *PostgresSlot) GetItem(ctx context.Context, key string) (string, bool, error) {
	rec, err := s.getRecord(ctx, key)
	if err != nil || rec == nil {
		return "", false, err
	}
	return rec.Value, true, nil
}

// SetItem upserts the value and notifies listeners on commit.
func (s *PostgresSlot) SetItem(ctx context.Context, key, value string) error {
	payload, err := newEnvelope(s.origin, key, "", "").marshal()
	if err != nil {
		return err
	}
	rec := &models.SlotRecord{Key: key, Value: value, Origin: s.origin}
	if _, err := s.repo.Put(ctx, rec, s.channel, payload); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// RemoveItem deletes the row and notifies listeners on commit.
func (s *PostgresSlot) RemoveItem(ctx context.Context, key string) error {
	payload, err := newEnvelope(s.origin, key, "", "").marshal()
	if err != nil {
		return err
	}
	if _, err := s.repo.Delete(ctx, key, s.channel, payload); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Watch listens for writes made through other handles. After the listener
// reconnects it re-reads every key it has seen, since notifications sent
// while disconnected are lost.
func (s *PostgresSlot) Watch(ctx context.Context, fn Listener) (Subscription, error) {
	listener := pq.NewListener(s.dsn, s.minReconnect, s.maxReconnect, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Printf("⚠️  Slot listener event %d on %s: %v", ev, s.channel, err)
		}
	})
	if err := listener.Listen(s.channel); err != nil {
		listener.Close()
		return nil, fmt.Errorf("%w: failed to listen on %s: %v", ErrUnavailable, s.channel, err)
	}

	return s.subscribe(listener, fn), nil
}

func (s *PostgresSlot) subscribe(src notificationSource, fn Listener) *pgSubscription {
	sub := &pgSubscription{
		slot:     s,
		listener: src,
		fn:       fn,
		seen:     make(map[string]string),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go sub.run()
	return sub
}

type pgSubscription struct {
	slot     *PostgresSlot
	listener notificationSource
	fn       Listener
	seen     map[string]string // last value delivered per key

	stop chan struct{}
	done chan struct{}
	once sync.Once
	err  error
}

func (p *pgSubscription) run() {
	defer close(p.done)
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	notifications := p.listener.NotificationChannel()

	for {
		select {
		case <-p.stop:
			return

		case n, ok := <-notifications:
			if !ok {
				return
			}
			if n == nil {
				// Reconnected.
				for key := range p.seen {
					p.deliver(key)
				}
				continue
			}
			env, err := parseEnvelope(n.Extra)
			if err != nil {
				log.Printf("⚠️  Ignoring slot notification: %v", err)
				continue
			}
			if env.Origin == p.slot.origin {
				continue
			}
			p.deliver(env.Key)

		case <-ticker.C:
			go p.listener.Ping()
		}
	}
}

// deliver re-reads key and passes the value on unless this handle wrote it
// or it has already been delivered.
func (p *pgSubscription) deliver(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), rereadTimeout)
	defer cancel()

	rec, err := p.slot.getRecord(ctx, key)
	if err != nil {
		log.Printf("⚠️  Failed to re-read slot %q: %v", key, err)
		return
	}
	value := ""
	if rec != nil {
		if rec.Origin == p.slot.origin {
			return
		}
		value = rec.Value
	}
	old, known := p.seen[key]
	if known && old == value {
		return
	}
	p.seen[key] = value
	p.fn(Event{Key: key, OldValue: old, NewValue: value})
}

// Close stops delivery and closes the listener connection.
func (p *pgSubscription) Close() error {
	p.once.Do(func() {
		close(p.stop)
		<-p.done
		p.err = p.listener.Close()
	})
	return p.err
}
