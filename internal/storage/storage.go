package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a key is not found
var ErrNotFound = errors.New("key not found")

// Namespaces used by the host runtime
const (
	NamespaceParams  = "params"
	NamespaceNotices = "notices"
	NamespaceDrivers = "drivers"
)

// HistoryEntry is one recorded activation or polling transition
type HistoryEntry struct {
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Storage is the interface for the persisted host state
type Storage interface {
	// Namespaced Data Methods

	// Get retrieves a value by namespace and key
	// Returns ErrNotFound if the key doesn't exist
	Get(namespace, key string) ([]byte, error)

	// GetString retrieves a string value by namespace and key
	GetString(namespace, key string) (string, error)

	// GetJSON retrieves and unmarshals a JSON value by namespace and key
	GetJSON(namespace, key string, v any) error

	// Set stores a value by namespace and key
	Set(namespace, key string, value []byte) error

	// SetString stores a string value by namespace and key
	SetString(namespace, key string, value string) error

	// SetJSON marshals and stores a JSON value by namespace and key
	SetJSON(namespace, key string, v any) error

	// Update stores set and deletes remove in a single transaction
	Update(namespace string, set map[string][]byte, remove []string) error

	// Delete removes a value by namespace and key
	Delete(namespace, key string) error

	// List returns all keys and values of a namespace
	List(namespace string) (map[string][]byte, error)

	// DeleteAll removes every value of a namespace
	DeleteAll(namespace string) error

	// History Methods

	// AppendHistory records an entry
	AppendHistory(entry HistoryEntry) error

	// History returns up to limit entries, ordered from oldest to newest
	History(limit int) ([]HistoryEntry, error)

	// TrimHistory keeps only the last maxEntries entries
	TrimHistory(maxEntries int) error

	// Lifecycle Methods

	// Close closes the storage
	Close() error
}
