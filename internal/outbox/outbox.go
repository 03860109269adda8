// Package outbox persists unconfirmed canvas mutations in a local bbolt
// file so edits made offline survive a client restart.
package outbox

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/betomoedano/sketch-app/internal/models"
)

var (
	bucketMutations = []byte("mutations") // order key -> mutation json
	bucketIndex     = []byte("index")     // mutation id -> order key
)

// Outbox is a bbolt-backed journal of pending mutations, one file per
// canvas and client.
type Outbox struct {
	db *bolt.DB
}

func Open(path string) (*Outbox, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open outbox %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketMutations, bucketIndex} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init outbox: %w", err)
	}

	log.Printf("✓ Outbox opened at %s", path)
	return &Outbox{db: db}, nil
}

func (o *Outbox) Close() error {
	return o.db.Close()
}

// Save appends m, or overwrites it in place if its id is already stored.
func (o *Outbox) Save(m models.Mutation) error {
	if m.ID == "" {
		return fmt.Errorf("cannot journal mutation without id")
	}
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}

	return o.db.Update(func(tx *bolt.Tx) error {
		muts := tx.Bucket(bucketMutations)
		index := tx.Bucket(bucketIndex)

		key := index.Get([]byte(m.ID))
		if key == nil {
			seq, err := muts.NextSequence()
			if err != nil {
				return err
			}
			key = orderKey(seq)
			if err := index.Put([]byte(m.ID), key); err != nil {
				return err
			}
		}
		return muts.Put(key, data)
	})
}

// Delete drops mutationID. Unknown ids are ignored.
func (o *Outbox) Delete(mutationID string) error {
	return o.db.Update(func(tx *bolt.Tx) error {
		index := tx.Bucket(bucketIndex)
		key := index.Get([]byte(mutationID))
		if key == nil {
			return nil
		}
		if err := tx.Bucket(bucketMutations).Delete(key); err != nil {
			return err
		}
		return index.Delete([]byte(mutationID))
	})
}

// Load returns the stored mutations in the order they were first saved.
func (o *Outbox) Load() ([]models.Mutation, error) {
	var out []models.Mutation
	err := o.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMutations).ForEach(func(k, v []byte) error {
			var m models.Mutation
			if err := json.Unmarshal(v, &m); err != nil {
				log.Printf("⚠️  Skipping corrupt outbox entry %x: %v", k, err)
				return nil
			}
			out = append(out, m)
			return nil
		})
	})
	return out, err
}

// Len returns the number of stored mutations.
func (o *Outbox) Len() (int, error) {
	var n int
	err := o.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketMutations).Stats().KeyN
		return nil
	})
	return n, err
}

// orderKey is big-endian so bbolt's byte ordering matches insertion order.
func orderKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}
