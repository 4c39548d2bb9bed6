// Package audit keeps a per-subject trail of credential exchanges and
// storage operations in bbolt. Entries never carry tokens or secrets.
package audit

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var activityBucket = []byte("activity")

const (
	ActionLogin       = "auth.login"
	ActionExchange    = "credentials.exchange"
	ActionUpload      = "image.upload"
	ActionList        = "image.list"
	ActionDelete      = "image.delete"
	ActionMove        = "image.move"
	ActionAlbumCreate = "album.create"
	ActionAlbumDelete = "album.delete"
	ActionTags        = "tags.read"
)

// Entry is one recorded action.
type Entry struct {
	Time        time.Time `json:"time"`
	Subject     string    `json:"subject"`
	IdentityID  string    `json:"identityId,omitempty"`
	Action      string    `json:"action"`
	Resource    string    `json:"resource,omitempty"`
	Outcome     string    `json:"outcome"`
	Status      int       `json:"status,omitempty"`
	Fingerprint string    `json:"fingerprint,omitempty"`
}

// Store holds one nested bucket per subject, keyed by big-endian unix
// nanos followed by a sequence number so equal timestamps never collide.
type Store struct {
	db *bolt.DB
}

func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(activityBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init audit buckets: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the store is readable.
func (s *Store) Ping() error {
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(activityBucket) == nil {
			return fmt.Errorf("activity bucket missing")
		}
		return nil
	})
}

func entryKey(t time.Time, seq uint64) []byte {
	key := make([]byte, 16)
	binary.BigEndian.PutUint64(key[:8], uint64(t.UnixNano()))
	binary.BigEndian.PutUint64(key[8:], seq)
	return key
}

func keyTime(k []byte) time.Time {
	return time.Unix(0, int64(binary.BigEndian.Uint64(k[:8])))
}

// Record appends e. Concurrent calls are coalesced into one transaction.
func (s *Store) Record(e Entry) error {
	if e.Subject == "" {
		return fmt.Errorf("audit entry without subject")
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.db.Batch(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(activityBucket).CreateBucketIfNotExists([]byte(e.Subject))
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(entryKey(e.Time, seq), data)
	})
}

// List returns up to limit entries for subject, newest first. A zero since
// means no lower bound.
func (s *Store) List(subject string, limit int, since time.Time) ([]Entry, error) {
	var entries []Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(activityBucket).Bucket([]byte(subject))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if !since.IsZero() && keyTime(k).Before(since) {
				break
			}
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}
			entries = append(entries, e)
			if limit > 0 && len(entries) >= limit {
				break
			}
		}
		return nil
	})
	return entries, err
}

// Prune deletes entries older than cutoff across all subjects and drops
// subjects left empty.
func (s *Store) Prune(cutoff time.Time) (int, error) {
	pruned := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(activityBucket)
		var subjects [][]byte
		if err := root.ForEach(func(k, v []byte) error {
			if v == nil {
				subjects = append(subjects, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}

		for _, subj := range subjects {
			b := root.Bucket(subj)
			var stale [][]byte
			c := b.Cursor()
			for k, _ := c.First(); k != nil && keyTime(k).Before(cutoff); k, _ = c.Next() {
				stale = append(stale, append([]byte(nil), k...))
			}
			for _, k := range stale {
				if err := b.Delete(k); err != nil {
					return err
				}
			}
			pruned += len(stale)
			if k, _ := b.Cursor().First(); k == nil {
				if err := root.DeleteBucket(subj); err != nil {
					return err
				}
			}
		}
		return nil
	})
	return pruned, err
}
