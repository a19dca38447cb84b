package storage

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func openTestStorage(t *testing.T) *BoltStorage {
	t.Helper()
	store, err := NewBoltStorage(filepath.Join(t.TempDir(), "test_phinbridge.db"))
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestBoltStorage(t *testing.T) {
	store := openTestStorage(t)

	t.Run("StringData", func(t *testing.T) {
		if err := store.SetString(NamespaceParams, "email", "user@example.com"); err != nil {
			t.Fatalf("Failed to set string: %v", err)
		}

		value, err := store.GetString(NamespaceParams, "email")
		if err != nil {
			t.Fatalf("Failed to get string: %v", err)
		}
		if value != "user@example.com" {
			t.Errorf("Expected user@example.com, got %s", value)
		}
	})

	t.Run("JSONData", func(t *testing.T) {
		type driver struct {
			Value float64 `json:"value"`
		}
		if err := store.SetJSON(NamespaceDrivers, "GV1", driver{Value: 7.2}); err != nil {
			t.Fatalf("Failed to set JSON: %v", err)
		}

		var got driver
		if err := store.GetJSON(NamespaceDrivers, "GV1", &got); err != nil {
			t.Fatalf("Failed to get JSON: %v", err)
		}
		if got.Value != 7.2 {
			t.Errorf("Expected 7.2, got %v", got.Value)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		if _, err := store.Get(NamespaceParams, "missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
		if _, err := store.Get("unknown-namespace", "key"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected ErrNotFound for unknown namespace, got %v", err)
		}
	})

	t.Run("UpdateIsAtomic", func(t *testing.T) {
		err := store.Update(NamespaceParams, map[string][]byte{
			"authtoken": []byte("token"),
			"vesselurl": []byte("/vessels"),
		}, []string{"email"})
		if err != nil {
			t.Fatalf("Failed to update: %v", err)
		}

		all, err := store.List(NamespaceParams)
		if err != nil {
			t.Fatalf("Failed to list: %v", err)
		}
		if len(all) != 2 {
			t.Errorf("Expected 2 params, got %d: %v", len(all), all)
		}
		if _, ok := all["email"]; ok {
			t.Error("Expected email to be removed")
		}
		if string(all["vesselurl"]) != "/vessels" {
			t.Errorf("Expected /vessels, got %s", all["vesselurl"])
		}
	})

	t.Run("DeleteAll", func(t *testing.T) {
		store.SetString(NamespaceNotices, "email", "Enter your email")
		store.SetString(NamespaceNotices, "error", "boom")

		if err := store.DeleteAll(NamespaceNotices); err != nil {
			t.Fatalf("Failed to delete all: %v", err)
		}
		all, err := store.List(NamespaceNotices)
		if err != nil {
			t.Fatalf("Failed to list: %v", err)
		}
		if len(all) != 0 {
			t.Errorf("Expected no notices, got %v", all)
		}

		// Deleting a missing namespace is not an error
		if err := store.DeleteAll(NamespaceNotices); err != nil {
			t.Errorf("Expected nil for missing namespace, got %v", err)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		store.SetString(NamespaceParams, "uuid", "abc")
		if err := store.Delete(NamespaceParams, "uuid"); err != nil {
			t.Fatalf("Failed to delete: %v", err)
		}
		if _, err := store.Get(NamespaceParams, "uuid"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected ErrNotFound after delete, got %v", err)
		}
	})
}

func TestBoltStoragePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persist.db")

	store, err := NewBoltStorage(path)
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	store.SetString(NamespaceParams, "uuid", "0f8fad5b-d9cb-469f-a165-70867728950e")
	store.Close()

	reopened, err := NewBoltStorage(path)
	if err != nil {
		t.Fatalf("Failed to reopen storage: %v", err)
	}
	defer reopened.Close()

	value, err := reopened.GetString(NamespaceParams, "uuid")
	if err != nil {
		t.Fatalf("Failed to get string: %v", err)
	}
	if value != "0f8fad5b-d9cb-469f-a165-70867728950e" {
		t.Errorf("Expected persisted uuid, got %s", value)
	}
}

func TestHistory(t *testing.T) {
	store := openTestStorage(t)
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		err := store.AppendHistory(HistoryEntry{
			Kind:      "poll",
			Message:   fmt.Sprintf("entry %d", i),
			Timestamp: base, // equal timestamps keep insertion order
		})
		if err != nil {
			t.Fatalf("Failed to append history: %v", err)
		}
	}

	t.Run("Limit", func(t *testing.T) {
		entries, err := store.History(3)
		if err != nil {
			t.Fatalf("Failed to get history: %v", err)
		}
		if len(entries) != 3 {
			t.Fatalf("Expected 3 entries, got %d", len(entries))
		}
		for i, want := range []string{"entry 2", "entry 3", "entry 4"} {
			if entries[i].Message != want {
				t.Errorf("Entry %d: expected %s, got %s", i, want, entries[i].Message)
			}
		}
	})

	t.Run("Trim", func(t *testing.T) {
		if err := store.TrimHistory(2); err != nil {
			t.Fatalf("Failed to trim history: %v", err)
		}
		entries, err := store.History(0)
		if err != nil {
			t.Fatalf("Failed to get history: %v", err)
		}
		if len(entries) != 2 || entries[0].Message != "entry 3" {
			t.Errorf("Expected [entry 3, entry 4], got %v", entries)
		}
	})

	t.Run("DefaultTimestamp", func(t *testing.T) {
		store.AppendHistory(HistoryEntry{Kind: "reset"})
		entries, _ := store.History(1)
		if len(entries) != 1 || entries[0].Timestamp.IsZero() {
			t.Errorf("Expected a stamped entry, got %v", entries)
		}
	})
}
