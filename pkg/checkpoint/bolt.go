package checkpoint

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	bucketCheckpoints = "checkpoints"
	bucketHistory     = "history" // append-only log of saved steps per session
)

// BoltStore is a bbolt-backed Store.
type BoltStore struct {
	db *bolt.DB
	mu sync.RWMutex
}

// NewBoltStore opens (or creates) a bbolt file at path.
func NewBoltStore(path string) (*BoltStore, error) {
	if path == "" {
		path = "missionctl.db"
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketCheckpoints, bucketHistory} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Save(_ context.Context, rec Record) error {
	if err := validate(rec); err != nil {
		return err
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	entry, err := json.Marshal(Info{SessionID: rec.SessionID, Step: rec.Step, UpdatedAt: rec.UpdatedAt})
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket([]byte(bucketCheckpoints)).Put([]byte(rec.SessionID), data); err != nil {
			return err
		}
		hist, err := tx.Bucket([]byte(bucketHistory)).CreateBucketIfNotExists([]byte(rec.SessionID))
		if err != nil {
			return fmt.Errorf("history bucket %s: %w", rec.SessionID, err)
		}
		seq, err := hist.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return hist.Put(key, entry)
	})
}

func (s *BoltStore) Load(_ context.Context, sessionID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rec Record
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(bucketCheckpoints)).Get([]byte(sessionID))
		if data == nil {
			return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (s *BoltStore) List(_ context.Context) ([]Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Info
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketCheckpoints)).ForEach(func(k, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshal checkpoint %s: %w", string(k), err)
			}
			out = append(out, Info{SessionID: rec.SessionID, Step: rec.Step, UpdatedAt: rec.UpdatedAt})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// History returns every step saved for a session, oldest first.
func (s *BoltStore) History(sessionID string) ([]Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Info
	err := s.db.View(func(tx *bolt.Tx) error {
		hist := tx.Bucket([]byte(bucketHistory)).Bucket([]byte(sessionID))
		if hist == nil {
			return nil
		}
		return hist.ForEach(func(_, v []byte) error {
			var info Info
			if err := json.Unmarshal(v, &info); err != nil {
				return err
			}
			out = append(out, info)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket([]byte(bucketCheckpoints)).Delete([]byte(sessionID)); err != nil {
			return err
		}
		hist := tx.Bucket([]byte(bucketHistory))
		if hist.Bucket([]byte(sessionID)) != nil {
			return hist.DeleteBucket([]byte(sessionID))
		}
		return nil
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
