package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

const (
	// dataBucket holds one sub-bucket per namespace
	dataBucket = "_data"

	// historyBucket stores activation and polling history
	historyBucket = "_history"
)

// BoltStorage is a bbolt implementation of the Storage interface
type BoltStorage struct {
	db *bbolt.DB
}

// NewBoltStorage creates a new BoltStorage instance
// The database file will be created if it doesn't exist
func NewBoltStorage(path string) (*BoltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(dataBucket)); err != nil {
			return fmt.Errorf("failed to create data bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(historyBucket)); err != nil {
			return fmt.Errorf("failed to create history bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStorage{db: db}, nil
}

// Namespaced Data Methods

// Get retrieves a value by namespace and key
func (s *BoltStorage) Get(namespace, key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(dataBucket))
		if bucket == nil {
			return fmt.Errorf("data bucket not found")
		}

		nsBucket := bucket.Bucket([]byte(namespace))
		if nsBucket == nil {
			return ErrNotFound
		}

		data := nsBucket.Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}

		value = make([]byte, len(data))
		copy(value, data)
		return nil
	})

	return value, err
}

// GetString retrieves a string value by namespace and key
func (s *BoltStorage) GetString(namespace, key string) (string, error) {
	data, err := s.Get(namespace, key)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// GetJSON retrieves and unmarshals a JSON value by namespace and key
func (s *BoltStorage) GetJSON(namespace, key string, v any) error {
	data, err := s.Get(namespace, key)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal JSON: %w", err)
	}

	return nil
}

// Set stores a value by namespace and key
func (s *BoltStorage) Set(namespace, key string, value []byte) error {
	return s.Update(namespace, map[string][]byte{key: value}, nil)
}

// SetString stores a string value by namespace and key
func (s *BoltStorage) SetString(namespace, key string, value string) error {
	return s.Set(namespace, key, []byte(value))
}

// SetJSON marshals and stores a JSON value by namespace and key
func (s *BoltStorage) SetJSON(namespace, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	return s.Set(namespace, key, data)
}

// Update stores set and deletes remove in a single transaction
func (s *BoltStorage) Update(namespace string, set map[string][]byte, remove []string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(dataBucket))
		if bucket == nil {
			return fmt.Errorf("data bucket not found")
		}

		nsBucket, err := bucket.CreateBucketIfNotExists([]byte(namespace))
		if err != nil {
			return fmt.Errorf("failed to create namespace bucket: %w", err)
		}

		for k, v := range set {
			if err := nsBucket.Put([]byte(k), v); err != nil {
				return fmt.Errorf("failed to put %s: %w", k, err)
			}
		}
		for _, k := range remove {
			if err := nsBucket.Delete([]byte(k)); err != nil {
				return fmt.Errorf("failed to delete %s: %w", k, err)
			}
		}
		return nil
	})
}

// Delete removes a value by namespace and key
func (s *BoltStorage) Delete(namespace, key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(dataBucket))
		if bucket == nil {
			return fmt.Errorf("data bucket not found")
		}

		nsBucket := bucket.Bucket([]byte(namespace))
		if nsBucket == nil {
			return ErrNotFound
		}

		return nsBucket.Delete([]byte(key))
	})
}

// List returns all keys and values of a namespace
func (s *BoltStorage) List(namespace string) (map[string][]byte, error) {
	result := make(map[string][]byte)
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(dataBucket))
		if bucket == nil {
			return fmt.Errorf("data bucket not found")
		}

		nsBucket := bucket.Bucket([]byte(namespace))
		if nsBucket == nil {
			// Namespace has no data yet - return empty map
			return nil
		}

		return nsBucket.ForEach(func(k, v []byte) error {
			value := make([]byte, len(v))
			copy(value, v)
			result[string(k)] = value
			return nil
		})
	})

	return result, err
}

// DeleteAll removes every value of a namespace
func (s *BoltStorage) DeleteAll(namespace string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(dataBucket))
		if bucket == nil {
			return fmt.Errorf("data bucket not found")
		}

		err := bucket.DeleteBucket([]byte(namespace))
		if errors.Is(err, bbolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
}

// History Methods

// AppendHistory records an entry
func (s *BoltStorage) AppendHistory(entry HistoryEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(historyBucket))
		if bucket == nil {
			return fmt.Errorf("history bucket not found")
		}

		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to marshal history entry: %w", err)
		}

		// Bucket sequence keeps keys ordered even for equal timestamps
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		key := []byte(fmt.Sprintf("%020d", seq))
		return bucket.Put(key, data)
	})
}

// History returns up to limit entries, ordered from oldest to newest
func (s *BoltStorage) History(limit int) ([]HistoryEntry, error) {
	var entries []HistoryEntry

	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(historyBucket))
		if bucket == nil {
			return fmt.Errorf("history bucket not found")
		}

		// Walk backwards from the newest entry
		cursor := bucket.Cursor()
		for k, v := cursor.Last(); k != nil && (limit <= 0 || len(entries) < limit); k, v = cursor.Prev() {
			var entry HistoryEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				continue // Skip corrupted entries
			}
			entries = append(entries, entry)
		}

		for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
			entries[i], entries[j] = entries[j], entries[i]
		}
		return nil
	})

	return entries, err
}

// TrimHistory keeps only the last maxEntries entries
func (s *BoltStorage) TrimHistory(maxEntries int) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(historyBucket))
		if bucket == nil {
			return fmt.Errorf("history bucket not found")
		}

		var count int
		cursor := bucket.Cursor()
		for k, _ := cursor.First(); k != nil; k, _ = cursor.Next() {
			count++
		}
		if count <= maxEntries {
			return nil
		}

		// Collect first, deleting while iterating skips keys
		toDelete := make([][]byte, 0, count-maxEntries)
		for k, _ := cursor.First(); k != nil && len(toDelete) < count-maxEntries; k, _ = cursor.Next() {
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
		for _, k := range toDelete {
			if err := bucket.Delete(k); err != nil {
				return fmt.Errorf("failed to delete old entry: %w", err)
			}
		}

		return nil
	})
}

// Close closes the storage
func (s *BoltStorage) Close() error {
	return s.db.Close()
}
