// Package queue implements the durable priority FIFO: four bands
// (CRITICAL > HIGH > NORMAL > LOW), visibility-timeout reservation,
// ack/nack/dlq, and a fairness watchdog that guarantees a lower band is
// eventually drained even under sustained higher-band pressure.
//
// It follows the same bbolt transaction-per-operation discipline as
// internal/store, but is kept in its own database file so queue I/O
// failures are an independent failure domain from the business store.
// Recurring schedules are driven by github.com/robfig/cron/v3.
package queue

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	bolt "go.etcd.io/bbolt"

	"github.com/runnerhub/orchestrator/internal/apierr"
	"github.com/runnerhub/orchestrator/internal/domain"
)

// Band is one of the four priority bands, strictly ordered high to low.
type Band int

const (
	BandCritical Band = iota
	BandHigh
	BandNormal
	BandLow
	bandCount
)

func bandFromPriority(p domain.Priority) Band {
	switch p {
	case domain.PriorityCritical:
		return BandCritical
	case domain.PriorityHigh:
		return BandHigh
	case domain.PriorityLow:
		return BandLow
	default:
		return BandNormal
	}
}

var bandNames = [bandCount][]byte{
	BandCritical: []byte("queue_critical"),
	BandHigh:     []byte("queue_high"),
	BandNormal:   []byte("queue_normal"),
	BandLow:      []byte("queue_low"),
}

var bucketDLQ = []byte("queue_dlq")
var bucketMeta = []byte("queue_meta")

// Message is one envelope moving through the queue.
type Message struct {
	ID             string          `json:"id"`
	Band           Band            `json:"band"`
	Payload        json.RawMessage `json:"payload"`
	DedupKey       string          `json:"dedup_key,omitempty"`
	EnqueuedAt     time.Time       `json:"enqueued_at"`
	VisibleAt      time.Time       `json:"visible_at"`
	ReservedBy     string          `json:"reserved_by,omitempty"`
	ReservedUntil  time.Time       `json:"reserved_until,omitempty"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
}

// EnqueueOptions customizes one enqueue call.
type EnqueueOptions struct {
	Delay       time.Duration
	DedupKey    string
	MaxAttempts int
}

// Queue is the durable priority FIFO backed by a dedicated bbolt file.
type Queue struct {
	db *bolt.DB

	mu             sync.Mutex
	fairnessCursor int // round-robin counter driving the starvation watchdog

	cron *cron.Cron
}

const fairnessWindow = 8 // a LOW item is visited at least once every 8 reservations

// Open creates or opens the queue's bbolt file under dataDir.
func Open(dataDir string) (*Queue, error) {
	dbPath := filepath.Join(dataDir, "runnerhub-queue.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range bandNames {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		if _, err := tx.CreateBucketIfNotExists(bucketDLQ); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketMeta)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	q := &Queue{db: db, cron: cron.New()}
	q.cron.Start()
	return q, nil
}

// Close stops the cron scheduler and closes the bbolt file.
func (q *Queue) Close() error {
	ctx := q.cron.Stop()
	<-ctx.Done()
	return q.db.Close()
}

func seqKey(seq uint64, id string) []byte {
	return []byte(fmt.Sprintf("%020d-%s", seq, id))
}

// Enqueue durably persists payload on the band matching priority.
func (q *Queue) Enqueue(priority domain.Priority, payload any, opts EnqueueOptions) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", apierr.NewValidation("marshal payload: %v", err)
	}

	id := uuid.NewString()
	now := time.Now()
	visibleAt := now
	if opts.Delay > 0 {
		visibleAt = now.Add(opts.Delay)
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 5
	}

	msg := &Message{
		ID:          id,
		Band:        bandFromPriority(priority),
		Payload:     raw,
		DedupKey:    opts.DedupKey,
		EnqueuedAt:  now,
		VisibleAt:   visibleAt,
		MaxAttempts: maxAttempts,
	}

	err = q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bandNames[msg.Band])
		seq, _ := b.NextSequence()
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq, id), data)
	})
	if err != nil {
		return "", apierr.NewUnavailable(err, "enqueue failed")
	}
	return id, nil
}

// Reservation is a reserved message plus the key needed to ack/nack it.
type Reservation struct {
	Message *Message
	band    Band
	key     []byte
}

// Reserve pops the highest-priority available message, applying a fairness
// draw so a LOW item is guaranteed to be visited within fairnessWindow
// reservations even while higher bands stay non-empty.
func (q *Queue) Reserve(workerID string, visibilityTimeout time.Duration) (*Reservation, error) {
	q.mu.Lock()
	cursor := q.fairnessCursor
	q.fairnessCursor++
	q.mu.Unlock()

	order := bandOrderForCursor(cursor)

	var result *Reservation
	now := time.Now()
	err := q.db.Update(func(tx *bolt.Tx) error {
		for _, band := range order {
			b := tx.Bucket(bandNames[band])
			c := b.Cursor()
			for k, v := c.First(); k != nil; k, v = c.Next() {
				var msg Message
				if err := json.Unmarshal(v, &msg); err != nil {
					continue
				}
				if msg.VisibleAt.After(now) {
					continue
				}
				if !msg.ReservedUntil.IsZero() && msg.ReservedUntil.After(now) {
					continue
				}
				msg.ReservedBy = workerID
				msg.ReservedUntil = now.Add(visibilityTimeout)
				msg.Attempts++
				data, err := json.Marshal(msg)
				if err != nil {
					return err
				}
				if err := b.Put(k, data); err != nil {
					return err
				}
				keyCopy := append([]byte(nil), k...)
				result = &Reservation{Message: &msg, band: band, key: keyCopy}
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, apierr.NewUnavailable(err, "reserve failed")
	}
	return result, nil
}

// bandOrderForCursor returns the band visitation order for one Reserve call.
// Every fairnessWindow-th call visits LOW first so sustained high-band
// pressure cannot starve it indefinitely.
func bandOrderForCursor(cursor int) []Band {
	if cursor%fairnessWindow == fairnessWindow-1 {
		return []Band{BandLow, BandCritical, BandHigh, BandNormal}
	}
	return []Band{BandCritical, BandHigh, BandNormal, BandLow}
}

// Ack deletes a reserved message.
func (q *Queue) Ack(r *Reservation) error {
	err := q.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bandNames[r.band]).Delete(r.key)
	})
	if err != nil {
		return apierr.NewUnavailable(err, "ack failed")
	}
	return nil
}

// Nack reinserts a reserved message with exponential backoff, moving it to
// the DLQ once max_attempts is exceeded.
func (q *Queue) Nack(r *Reservation, backoff time.Duration) error {
	msg := r.Message
	if msg.Attempts >= msg.MaxAttempts {
		return q.toDLQ(r)
	}
	msg.ReservedBy = ""
	msg.ReservedUntil = time.Time{}
	msg.VisibleAt = time.Now().Add(backoff)

	err := q.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		return tx.Bucket(bandNames[r.band]).Put(r.key, data)
	})
	if err != nil {
		return apierr.NewUnavailable(err, "nack failed")
	}
	return nil
}

func (q *Queue) toDLQ(r *Reservation) error {
	err := q.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(r.Message)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketDLQ).Put([]byte(r.Message.ID), data); err != nil {
			return err
		}
		return tx.Bucket(bandNames[r.band]).Delete(r.key)
	})
	if err != nil {
		return apierr.NewUnavailable(err, "dlq move failed")
	}
	return nil
}

// DLQ explicitly moves a reserved message to the dead-letter queue.
func (q *Queue) DLQ(r *Reservation) error {
	return q.toDLQ(r)
}

// ListDLQ returns all dead-lettered messages, for the replay endpoints.
func (q *Queue) ListDLQ() ([]*Message, error) {
	var out []*Message
	err := q.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDLQ).ForEach(func(_, v []byte) error {
			var m Message
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			out = append(out, &m)
			return nil
		})
	})
	if err != nil {
		return nil, apierr.NewUnavailable(err, "list dlq failed")
	}
	sort.Slice(out, func(i, k int) bool { return out[i].EnqueuedAt.Before(out[k].EnqueuedAt) })
	return out, nil
}

// AddRecurring schedules fn to run on the given cron expression, backing
// configuration-driven recurring enqueue.
func (q *Queue) AddRecurring(cronExpr string, fn func()) (cron.EntryID, error) {
	return q.cron.AddFunc(cronExpr, fn)
}
