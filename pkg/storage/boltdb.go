package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/darianrosebrook/agent-agency/pkg/errdefs"
	"github.com/darianrosebrook/agent-agency/pkg/types"
)

var (
	// Bucket names
	bucketAgents     = []byte("agents")
	bucketTasks      = []byte("tasks")
	bucketManifests  = []byte("artifact_manifests")
	bucketRules      = []byte("rules")
	bucketWaivers    = []byte("waivers")
	bucketVerdicts   = []byte("verdicts")
	bucketProvenance = []byte("provenance_entries")
	bucketEvents     = []byte("performance_events")
)

// BoltStore implements Store on BoltDB. One bucket per entity, JSON values.
// Every Update call is a single serializable transaction, which is what
// gives the Commit* operations their atomicity.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database under dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "agency.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketAgents,
			bucketTasks,
			bucketManifests,
			bucketRules,
			bucketWaivers,
			bucketVerdicts,
			bucketProvenance,
			bucketEvents,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
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

// Ping opens an empty read transaction, failing when the database is
// closed or unreadable
func (s *BoltStore) Ping() error {
	return s.db.View(func(tx *bolt.Tx) error { return nil })
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Agent operations

func (s *BoltStore) CreateAgent(agent *types.AgentProfile) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketAgents), agent.ID, agent)
	})
}

func (s *BoltStore) GetAgent(id string) (*types.AgentProfile, error) {
	var agent types.AgentProfile
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketAgents), id, &agent, "agent")
	})
	if err != nil {
		return nil, err
	}
	return &agent, nil
}

func (s *BoltStore) ListAgents() ([]*types.AgentProfile, error) {
	var agents []*types.AgentProfile
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAgents).ForEach(func(k, v []byte) error {
			var agent types.AgentProfile
			if err := json.Unmarshal(v, &agent); err != nil {
				return err
			}
			agents = append(agents, &agent)
			return nil
		})
	})
	return agents, err
}

func (s *BoltStore) UpdateAgent(agent *types.AgentProfile) error {
	return s.CreateAgent(agent) // Same as create (upsert)
}

func (s *BoltStore) DeleteAgent(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAgents).Delete([]byte(id))
	})
}

// Task operations

func (s *BoltStore) CreateTask(task *types.Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		task.Version = 1
		return putJSON(tx.Bucket(bucketTasks), task.ID, task)
	})
}

func (s *BoltStore) GetTask(id string) (*types.Task, error) {
	var task types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketTasks), id, &task, "task")
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *BoltStore) ListTasks() ([]*types.Task, error) {
	var tasks []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			tasks = append(tasks, &task)
			return nil
		})
	})
	return tasks, err
}

func (s *BoltStore) ListTasksByState(state types.TaskState) ([]*types.Task, error) {
	tasks, err := s.ListTasks()
	if err != nil {
		return nil, err
	}
	var filtered []*types.Task
	for _, task := range tasks {
		if task.State == state {
			filtered = append(filtered, task)
		}
	}
	return filtered, nil
}

// UpdateTask writes a task back, failing with conflict when the stored
// version no longer matches the caller's copy. The version increments on
// every successful write.
func (s *BoltStore) UpdateTask(task *types.Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return updateTaskTx(tx, task)
	})
}

func updateTaskTx(tx *bolt.Tx, task *types.Task) error {
	b := tx.Bucket(bucketTasks)
	data := b.Get([]byte(task.ID))
	if data == nil {
		return errdefs.Ef(errdefs.KindNotFound, "task not found").WithRef(task.ID)
	}
	var stored types.Task
	if err := json.Unmarshal(data, &stored); err != nil {
		return err
	}
	if stored.Version != task.Version {
		return errdefs.Ef(errdefs.KindConflict,
			"task version mismatch: stored %d, caller %d", stored.Version, task.Version).WithRef(task.ID)
	}
	task.Version++
	return putJSON(b, task.ID, task)
}

// Artifact manifest operations

func (s *BoltStore) CreateManifest(manifest *types.ArtifactManifest) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketManifests), manifest.ID, manifest)
	})
}

func (s *BoltStore) GetManifest(id string) (*types.ArtifactManifest, error) {
	var manifest types.ArtifactManifest
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketManifests), id, &manifest, "manifest")
	})
	if err != nil {
		return nil, err
	}
	return &manifest, nil
}

// Rule operations. Keys are id@version so version lines coexist.

func ruleKey(id, version string) []byte {
	return []byte(id + "@" + version)
}

func (s *BoltStore) PutRule(rule *types.Rule) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketRules), string(ruleKey(rule.ID, rule.Version)), rule)
	})
}

func (s *BoltStore) GetRule(id, version string) (*types.Rule, error) {
	var rule types.Rule
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketRules), string(ruleKey(id, version)), &rule, "rule")
	})
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

func (s *BoltStore) ListRules() ([]*types.Rule, error) {
	var rules []*types.Rule
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRules).ForEach(func(k, v []byte) error {
			var rule types.Rule
			if err := json.Unmarshal(v, &rule); err != nil {
				return err
			}
			rules = append(rules, &rule)
			return nil
		})
	})
	return rules, err
}

// Waiver operations

func (s *BoltStore) PutWaiver(waiver *types.Waiver) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketWaivers), waiver.ID, waiver)
	})
}

func (s *BoltStore) GetWaiver(id string) (*types.Waiver, error) {
	var waiver types.Waiver
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketWaivers), id, &waiver, "waiver")
	})
	if err != nil {
		return nil, err
	}
	return &waiver, nil
}

func (s *BoltStore) ListWaivers() ([]*types.Waiver, error) {
	var waivers []*types.Waiver
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWaivers).ForEach(func(k, v []byte) error {
			var waiver types.Waiver
			if err := json.Unmarshal(v, &waiver); err != nil {
				return err
			}
			waivers = append(waivers, &waiver)
			return nil
		})
	})
	return waivers, err
}

// Verdict operations. A verdict is write-once: creating over an existing id
// fails with conflict, and there is no update path at all.

func (s *BoltStore) CreateVerdict(verdict *types.Verdict) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return createVerdictTx(tx, verdict)
	})
}

func createVerdictTx(tx *bolt.Tx, verdict *types.Verdict) error {
	b := tx.Bucket(bucketVerdicts)
	if b.Get([]byte(verdict.ID)) != nil {
		return errdefs.Ef(errdefs.KindConflict, "verdict already published").WithRef(verdict.ID)
	}
	return putJSON(b, verdict.ID, verdict)
}

func (s *BoltStore) GetVerdict(id string) (*types.Verdict, error) {
	var verdict types.Verdict
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketVerdicts), id, &verdict, "verdict")
	})
	if err != nil {
		return nil, err
	}
	return &verdict, nil
}

func (s *BoltStore) ListVerdictsByTask(taskID string) ([]*types.Verdict, error) {
	verdicts, err := s.ListVerdicts()
	if err != nil {
		return nil, err
	}
	var filtered []*types.Verdict
	for _, v := range verdicts {
		if v.TaskID == taskID {
			filtered = append(filtered, v)
		}
	}
	return filtered, nil
}

func (s *BoltStore) ListVerdicts() ([]*types.Verdict, error) {
	var verdicts []*types.Verdict
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVerdicts).ForEach(func(k, v []byte) error {
			var verdict types.Verdict
			if err := json.Unmarshal(v, &verdict); err != nil {
				return err
			}
			verdicts = append(verdicts, &verdict)
			return nil
		})
	})
	return verdicts, err
}

// Provenance operations. Entries are keyed by a store-assigned sequence so
// iteration order is append order.

func (s *BoltStore) AppendProvenance(entry *types.ProvenanceEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return appendProvenanceTx(tx, entry)
	})
}

func appendProvenanceTx(tx *bolt.Tx, entry *types.ProvenanceEntry) error {
	b := tx.Bucket(bucketProvenance)
	seq, err := b.NextSequence()
	if err != nil {
		return err
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return b.Put(seqKey(seq), data)
}

func (s *BoltStore) ListProvenance() ([]*types.ProvenanceEntry, error) {
	var entries []*types.ProvenanceEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketProvenance).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var entry types.ProvenanceEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, &entry)
		}
		return nil
	})
	return entries, err
}

// Performance event operations. The store assigns the monotonic id; hash
// chaining is the collector's job and arrives precomputed.

func (s *BoltStore) AppendEvents(events []*types.PerformanceEvent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return appendEventsTx(tx, events)
	})
}

func appendEventsTx(tx *bolt.Tx, events []*types.PerformanceEvent) error {
	b := tx.Bucket(bucketEvents)
	for _, event := range events {
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		event.ID = seq
		data, err := json.Marshal(event)
		if err != nil {
			return err
		}
		if err := b.Put(seqKey(seq), data); err != nil {
			return err
		}
	}
	return nil
}

func (s *BoltStore) ListEvents(fromID uint64, limit int) ([]*types.PerformanceEvent, error) {
	var events []*types.PerformanceEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		for k, v := c.Seek(seqKey(fromID)); k != nil; k, v = c.Next() {
			if limit > 0 && len(events) >= limit {
				break
			}
			var event types.PerformanceEvent
			if err := json.Unmarshal(v, &event); err != nil {
				return err
			}
			events = append(events, &event)
		}
		return nil
	})
	return events, err
}

// CommitVerdict publishes a verdict and its provenance entry together
func (s *BoltStore) CommitVerdict(verdict *types.Verdict, provenance *types.ProvenanceEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := createVerdictTx(tx, verdict); err != nil {
			return err
		}
		if provenance != nil {
			return appendProvenanceTx(tx, provenance)
		}
		return nil
	})
}

// CommitCompletion lands a task's completion records in one transaction
func (s *BoltStore) CommitCompletion(task *types.Task, manifest *types.ArtifactManifest,
	verdict *types.Verdict, provenance *types.ProvenanceEntry,
	events []*types.PerformanceEvent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := updateTaskTx(tx, task); err != nil {
			return err
		}
		if manifest != nil {
			if err := putJSON(tx.Bucket(bucketManifests), manifest.ID, manifest); err != nil {
				return err
			}
		}
		if verdict != nil {
			if err := createVerdictTx(tx, verdict); err != nil {
				return err
			}
		}
		if provenance != nil {
			if err := appendProvenanceTx(tx, provenance); err != nil {
				return err
			}
		}
		return appendEventsTx(tx, events)
	})
}

// Helpers

func putJSON(b *bolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

func getJSON(b *bolt.Bucket, key string, v any, entity string) error {
	data := b.Get([]byte(key))
	if data == nil {
		return errdefs.Ef(errdefs.KindNotFound, "%s not found", entity).WithRef(key)
	}
	return json.Unmarshal(data, v)
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
