package objecttable

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/l7mp/jsondb/pkg/object"
)

var (
	objectsBucket = []byte("objects")
	journalBucket = []byte("journal")
	metaBucket    = []byte("meta")
	stateKey      = []byte("state")
)

func u64tob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// open loads the table from a bbolt file, creating it if needed.
func (t *Table) open(path string) error {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return NewStorageError(t.name, "open", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{objectsBucket, journalBucket, metaBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return NewStorageError(t.name, "init", err)
	}

	err = db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(metaBucket).Get(stateKey); len(v) == 8 {
			t.state = binary.BigEndian.Uint64(v)
		}

		if err := tx.Bucket(objectsBucket).ForEach(func(k, v []byte) error {
			obj := object.Object{}
			if err := json.Unmarshal(v, &obj); err != nil {
				return fmt.Errorf("object %s: %w", string(k), err)
			}
			t.setObject(string(k), obj)
			return nil
		}); err != nil {
			return err
		}

		// keys are big-endian sequence numbers so iteration follows commit order
		return tx.Bucket(journalBucket).ForEach(func(k, v []byte) error {
			e := entry{}
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("journal entry %x: %w", k, err)
			}
			t.journal = append(t.journal, e)
			return nil
		})
	})
	if err != nil {
		db.Close()
		return NewStorageError(t.name, "load", err)
	}

	t.db = db
	return nil
}

// persist writes a transaction to the backing store in one bbolt transaction.
func (t *Table) persist(state uint64, tx *txn) error {
	err := t.db.Update(func(btx *bolt.Tx) error {
		objects, journal := btx.Bucket(objectsBucket), btx.Bucket(journalBucket)

		for uuid := range tx.undo {
			obj, ok := t.objects[uuid]
			if !ok {
				if err := objects.Delete([]byte(uuid)); err != nil {
					return err
				}
				continue
			}
			b, err := json.Marshal(obj)
			if err != nil {
				return err
			}
			if err := objects.Put([]byte(uuid), b); err != nil {
				return err
			}
		}

		for _, e := range tx.pending {
			seq, err := journal.NextSequence()
			if err != nil {
				return err
			}
			b, err := json.Marshal(e)
			if err != nil {
				return err
			}
			if err := journal.Put(u64tob(seq), b); err != nil {
				return err
			}
		}

		return btx.Bucket(metaBucket).Put(stateKey, u64tob(state))
	})
	if err != nil {
		return NewStorageError(t.name, "commit", err)
	}
	return nil
}
