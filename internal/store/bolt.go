package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/runnerhub/orchestrator/internal/apierr"
	"github.com/runnerhub/orchestrator/internal/domain"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketJobs             = []byte("jobs")
	bucketRunners          = []byte("runners")
	bucketRunnersByRepo    = []byte("runners_by_repo")
	bucketPools            = []byte("pools")
	bucketRoutingRules     = []byte("routing_rules")
	bucketRoutingDecisions = []byte("routing_decisions")
	bucketContainers       = []byte("containers")
	bucketContainersByState = []byte("containers_by_state")
	bucketNetworks         = []byte("networks")
	bucketNetworksByRepo   = []byte("networks_by_repo")
	bucketWebhookEvents    = []byte("webhook_events")
	bucketScalingEvents    = []byte("scaling_events")
	bucketCleanupHistory   = []byte("cleanup_history")
)

// BoltStore implements Store using a single bbolt file, one bucket per
// entity plus composite secondary-index buckets maintained inside the same
// transaction as the primary write — bbolt has no native secondary indexes,
// so the index lookups (runners by repository, containers by state, networks
// by repository) are hand-maintained key-set buckets keyed on the index
// prefix. Jobs have no index bucket; ListJobs filters a scan of the jobs
// bucket.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) runnerhub.db under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "runnerhub.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	buckets := [][]byte{
		bucketJobs, bucketRunners, bucketRunnersByRepo, bucketPools,
		bucketRoutingRules, bucketRoutingDecisions, bucketContainers,
		bucketContainersByState, bucketNetworks, bucketNetworksByRepo,
		bucketWebhookEvents, bucketScalingEvents, bucketCleanupHistory,
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range buckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

func unavailable(err error) error {
	if err == nil {
		return nil
	}
	return apierr.NewUnavailable(err, "store I/O failed")
}

// --- Job ---

func (s *BoltStore) CreateJob(j *domain.Job) error {
	return unavailable(s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		if b.Get([]byte(j.ID)) != nil {
			return apierr.NewConflict("job %s already exists", j.ID)
		}
		data, err := json.Marshal(j)
		if err != nil {
			return err
		}
		return b.Put([]byte(j.ID), data)
	}))
}

func (s *BoltStore) UpdateJob(j *domain.Job) error {
	return unavailable(s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data, err := json.Marshal(j)
		if err != nil {
			return err
		}
		return b.Put([]byte(j.ID), data)
	}))
}

func (s *BoltStore) GetJob(id string) (*domain.Job, error) {
	var job domain.Job
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketJobs).Get([]byte(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &job)
	})
	if err != nil {
		return nil, unavailable(err)
	}
	if !found {
		return nil, apierr.NewNotFound("job %s not found", id)
	}
	return &job, nil
}

func (s *BoltStore) ListJobs(f JobFilter) ([]*domain.Job, error) {
	var out []*domain.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(_, v []byte) error {
			var j domain.Job
			if err := json.Unmarshal(v, &j); err != nil {
				return err
			}
			if f.Status != "" && j.Status != f.Status {
				return nil
			}
			if f.Repository != "" && j.Repository != f.Repository {
				return nil
			}
			if !f.Since.IsZero() && j.CreatedAt.Before(f.Since) {
				return nil
			}
			if !f.Until.IsZero() && j.CreatedAt.After(f.Until) {
				return nil
			}
			out = append(out, &j)
			return nil
		})
	})
	if err != nil {
		return nil, unavailable(err)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(out) {
		out = out[:f.Limit]
	}
	return out, nil
}

// --- Runner ---

func runnerRepoIndexKey(repo, id string) []byte {
	return []byte(repo + "\x00" + id)
}

func (s *BoltStore) CreateRunner(r *domain.Runner) error {
	if _, err := s.GetRunner(r.ID); err == nil {
		return apierr.NewConflict("runner %s already exists", r.ID)
	}
	return s.UpdateRunner(r)
}

func (s *BoltStore) UpdateRunner(r *domain.Runner) error {
	return unavailable(s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRunners)
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(r.ID), data); err != nil {
			return err
		}
		if r.Repository != "" {
			idx := tx.Bucket(bucketRunnersByRepo)
			return idx.Put(runnerRepoIndexKey(r.Repository, r.ID), []byte(r.ID))
		}
		return nil
	}))
}

func (s *BoltStore) GetRunner(id string) (*domain.Runner, error) {
	var r domain.Runner
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRunners).Get([]byte(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &r)
	})
	if err != nil {
		return nil, unavailable(err)
	}
	if !found {
		return nil, apierr.NewNotFound("runner %s not found", id)
	}
	return &r, nil
}

func (s *BoltStore) DeleteRunner(id string) error {
	r, err := s.GetRunner(id)
	if err != nil {
		if apierr.Is(err, apierr.NotFound) {
			return nil
		}
		return err
	}
	return unavailable(s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketRunners).Delete([]byte(id)); err != nil {
			return err
		}
		if r.Repository != "" {
			return tx.Bucket(bucketRunnersByRepo).Delete(runnerRepoIndexKey(r.Repository, id))
		}
		return nil
	}))
}

func (s *BoltStore) ListRunnersByRepository(repo string) ([]*domain.Runner, error) {
	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRunnersByRepo).Cursor()
		prefix := []byte(repo + "\x00")
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			ids = append(ids, string(v))
		}
		return nil
	})
	if err != nil {
		return nil, unavailable(err)
	}
	var out []*domain.Runner
	for _, id := range ids {
		r, err := s.GetRunner(id)
		if err == nil {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *BoltStore) ListRunners() ([]*domain.Runner, error) {
	var out []*domain.Runner
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRunners).ForEach(func(_, v []byte) error {
			var r domain.Runner
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			out = append(out, &r)
			return nil
		})
	})
	return out, unavailable(err)
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

// --- RunnerPool ---

func (s *BoltStore) UpsertPool(p *domain.RunnerPool) error {
	return unavailable(s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketPools).Put([]byte(p.Repository), data)
	}))
}

func (s *BoltStore) GetPool(repo string) (*domain.RunnerPool, error) {
	var p domain.RunnerPool
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketPools).Get([]byte(repo))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &p)
	})
	if err != nil {
		return nil, unavailable(err)
	}
	if !found {
		return nil, apierr.NewNotFound("pool %s not found", repo)
	}
	return &p, nil
}

func (s *BoltStore) ListPools() ([]*domain.RunnerPool, error) {
	var out []*domain.RunnerPool
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPools).ForEach(func(_, v []byte) error {
			var p domain.RunnerPool
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			out = append(out, &p)
			return nil
		})
	})
	return out, unavailable(err)
}

func (s *BoltStore) DeletePool(repo string) error {
	return unavailable(s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPools).Delete([]byte(repo))
	}))
}

// --- RoutingRule ---

func (s *BoltStore) UpsertRoutingRule(r *domain.RoutingRule) error {
	return unavailable(s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketRoutingRules).Put([]byte(r.ID), data)
	}))
}

func (s *BoltStore) DeleteRoutingRule(id string) error {
	return unavailable(s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRoutingRules).Delete([]byte(id))
	}))
}

func (s *BoltStore) ListRoutingRules() ([]*domain.RoutingRule, error) {
	var out []*domain.RoutingRule
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRoutingRules).ForEach(func(_, v []byte) error {
			var r domain.RoutingRule
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			out = append(out, &r)
			return nil
		})
	})
	if err != nil {
		return nil, unavailable(err)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Priority > out[k].Priority })
	return out, nil
}

// --- RoutingDecision ---

func (s *BoltStore) AppendRoutingDecision(d *domain.RoutingDecision) error {
	return unavailable(s.db.Update(func(tx *bolt.Tx) error {
		key := fmt.Sprintf("%020d-%s", d.Timestamp.UnixNano(), d.JobID)
		data, err := json.Marshal(d)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketRoutingDecisions).Put([]byte(key), data)
	}))
}

func (s *BoltStore) ListRoutingDecisions(since time.Time) ([]*domain.RoutingDecision, error) {
	var out []*domain.RoutingDecision
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRoutingDecisions).ForEach(func(_, v []byte) error {
			var d domain.RoutingDecision
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			if d.Timestamp.After(since) {
				out = append(out, &d)
			}
			return nil
		})
	})
	return out, unavailable(err)
}

// --- ContainerRecord ---

func containerStateIndexKey(state domain.ContainerState, id string) []byte {
	return []byte(string(state) + "\x00" + id)
}

func (s *BoltStore) putContainer(tx *bolt.Tx, c *domain.ContainerRecord, prevState domain.ContainerState) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	if err := tx.Bucket(bucketContainers).Put([]byte(c.ID), data); err != nil {
		return err
	}
	idx := tx.Bucket(bucketContainersByState)
	if prevState != "" && prevState != c.State {
		if err := idx.Delete(containerStateIndexKey(prevState, c.ID)); err != nil {
			return err
		}
	}
	return idx.Put(containerStateIndexKey(c.State, c.ID), []byte(c.ID))
}

func (s *BoltStore) CreateContainer(c *domain.ContainerRecord) error {
	return unavailable(s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketContainers).Get([]byte(c.ID)) != nil {
			return apierr.NewConflict("container %s already exists", c.ID)
		}
		return s.putContainer(tx, c, "")
	}))
}

func (s *BoltStore) UpdateContainer(c *domain.ContainerRecord) error {
	var prevState domain.ContainerState
	return unavailable(s.db.Update(func(tx *bolt.Tx) error {
		if data := tx.Bucket(bucketContainers).Get([]byte(c.ID)); data != nil {
			var prev domain.ContainerRecord
			if err := json.Unmarshal(data, &prev); err == nil {
				prevState = prev.State
			}
		}
		return s.putContainer(tx, c, prevState)
	}))
}

func (s *BoltStore) GetContainer(id string) (*domain.ContainerRecord, error) {
	var c domain.ContainerRecord
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketContainers).Get([]byte(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &c)
	})
	if err != nil {
		return nil, unavailable(err)
	}
	if !found {
		return nil, apierr.NewNotFound("container %s not found", id)
	}
	return &c, nil
}

func (s *BoltStore) DeleteContainer(id string) error {
	c, err := s.GetContainer(id)
	if err != nil {
		if apierr.Is(err, apierr.NotFound) {
			return nil
		}
		return err
	}
	return unavailable(s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketContainers).Delete([]byte(id)); err != nil {
			return err
		}
		return tx.Bucket(bucketContainersByState).Delete(containerStateIndexKey(c.State, id))
	}))
}

func (s *BoltStore) ListContainersByState(state domain.ContainerState) ([]*domain.ContainerRecord, error) {
	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketContainersByState).Cursor()
		prefix := []byte(string(state) + "\x00")
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			ids = append(ids, string(v))
		}
		return nil
	})
	if err != nil {
		return nil, unavailable(err)
	}
	var out []*domain.ContainerRecord
	for _, id := range ids {
		c, err := s.GetContainer(id)
		if err == nil {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *BoltStore) ListContainers() ([]*domain.ContainerRecord, error) {
	var out []*domain.ContainerRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketContainers).ForEach(func(_, v []byte) error {
			var c domain.ContainerRecord
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			out = append(out, &c)
			return nil
		})
	})
	return out, unavailable(err)
}

// --- Network ---

func (s *BoltStore) UpsertNetwork(n *domain.Network) error {
	return unavailable(s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(n)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketNetworks).Put([]byte(n.ID), data); err != nil {
			return err
		}
		return tx.Bucket(bucketNetworksByRepo).Put([]byte(n.Repository), []byte(n.ID))
	}))
}

func (s *BoltStore) GetNetworkByRepository(repo string) (*domain.Network, error) {
	var id string
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketNetworksByRepo).Get([]byte(repo))
		if v != nil {
			id = string(v)
		}
		return nil
	})
	if err != nil {
		return nil, unavailable(err)
	}
	if id == "" {
		return nil, apierr.NewNotFound("network for %s not found", repo)
	}
	var n domain.Network
	err = s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketNetworks).Get([]byte(id))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &n)
	})
	if err != nil {
		return nil, unavailable(err)
	}
	return &n, nil
}

func (s *BoltStore) ListNetworks() ([]*domain.Network, error) {
	var out []*domain.Network
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNetworks).ForEach(func(_, v []byte) error {
			var n domain.Network
			if err := json.Unmarshal(v, &n); err != nil {
				return err
			}
			out = append(out, &n)
			return nil
		})
	})
	return out, unavailable(err)
}

func (s *BoltStore) DeleteNetwork(id string) error {
	n, err := s.getNetwork(id)
	if err != nil {
		return nil
	}
	return unavailable(s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketNetworks).Delete([]byte(id)); err != nil {
			return err
		}
		return tx.Bucket(bucketNetworksByRepo).Delete([]byte(n.Repository))
	}))
}

func (s *BoltStore) getNetwork(id string) (*domain.Network, error) {
	var n domain.Network
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketNetworks).Get([]byte(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &n)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, apierr.NewNotFound("network %s not found", id)
	}
	return &n, nil
}

// --- WebhookEvent ---

func (s *BoltStore) CreateWebhookEvent(e *domain.WebhookEvent) error {
	return unavailable(s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWebhookEvents)
		if b.Get([]byte(e.DeliveryID)) != nil {
			return apierr.NewConflict("webhook delivery %s already recorded", e.DeliveryID)
		}
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return b.Put([]byte(e.DeliveryID), data)
	}))
}

func (s *BoltStore) UpdateWebhookEvent(e *domain.WebhookEvent) error {
	return unavailable(s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketWebhookEvents).Put([]byte(e.DeliveryID), data)
	}))
}

func (s *BoltStore) GetWebhookEvent(deliveryID string) (*domain.WebhookEvent, error) {
	var e domain.WebhookEvent
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketWebhookEvents).Get([]byte(deliveryID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &e)
	})
	if err != nil {
		return nil, unavailable(err)
	}
	if !found {
		return nil, apierr.NewNotFound("webhook delivery %s not found", deliveryID)
	}
	return &e, nil
}

func (s *BoltStore) ListWebhookEventsByRepository(repo string, since time.Time) ([]*domain.WebhookEvent, error) {
	var out []*domain.WebhookEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWebhookEvents).ForEach(func(_, v []byte) error {
			var e domain.WebhookEvent
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if e.Repository == repo && e.ReceivedAt.After(since) {
				out = append(out, &e)
			}
			return nil
		})
	})
	return out, unavailable(err)
}

func (s *BoltStore) ListFailedWebhookEvents(limit int) ([]*domain.WebhookEvent, error) {
	var out []*domain.WebhookEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWebhookEvents).ForEach(func(_, v []byte) error {
			var e domain.WebhookEvent
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if e.LastError != "" {
				out = append(out, &e)
			}
			return nil
		})
	})
	if err != nil {
		return nil, unavailable(err)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ReceivedAt.Before(out[k].ReceivedAt) })
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// --- ScalingEvent ---

func (s *BoltStore) AppendScalingEvent(e *domain.ScalingEvent) error {
	return unavailable(s.db.Update(func(tx *bolt.Tx) error {
		key := fmt.Sprintf("%s\x00%020d", e.Repository, e.Timestamp.UnixNano())
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketScalingEvents).Put([]byte(key), data)
	}))
}

func (s *BoltStore) ListScalingEvents(repo string, since time.Time) ([]*domain.ScalingEvent, error) {
	var out []*domain.ScalingEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketScalingEvents).Cursor()
		prefix := []byte(repo + "\x00")
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var e domain.ScalingEvent
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if e.Timestamp.After(since) {
				out = append(out, &e)
			}
		}
		return nil
	})
	return out, unavailable(err)
}

// --- CleanupHistory ---

func (s *BoltStore) AppendCleanupHistory(h *domain.CleanupHistory) error {
	return unavailable(s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(h)
		if err != nil {
			return err
		}
		key := fmt.Sprintf("%020d-%s", h.StartedAt.UnixNano(), h.ID)
		return tx.Bucket(bucketCleanupHistory).Put([]byte(key), data)
	}))
}
