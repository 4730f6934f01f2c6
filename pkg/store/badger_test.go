package store

import (
	"os"
	"path/filepath"
	"testing"
)

func setupBadgerStore(t *testing.T) *BadgerStore {
	tmpDir := filepath.Join(os.TempDir(), "docmesh-store-"+t.Name())
	os.RemoveAll(tmpDir)

	s, err := NewBadgerStore(tmpDir)
	if err != nil {
		t.Fatalf("Failed to create BadgerStore: %v", err)
	}
	return s
}

func teardownBadgerStore(t *testing.T, s *BadgerStore) {
	if err := s.Close(); err != nil {
		t.Errorf("Failed to close BadgerStore: %v", err)
	}
	os.RemoveAll(filepath.Join(os.TempDir(), "docmesh-store-"+t.Name()))
}

func TestBadgerStoreUpdateAndGet(t *testing.T) {
	s := setupBadgerStore(t)
	defer teardownBadgerStore(t, s)

	err := s.Update(func(tx Tx) error {
		return tx.Set([]byte("key1"), []byte("value1"))
	})
	if err != nil {
		t.Fatalf("Update() failed: %v", err)
	}

	err = s.View(func(tx Tx) error {
		val, err := tx.Get([]byte("key1"))
		if err != nil {
			return err
		}
		if string(val) != "value1" {
			t.Errorf("Got value %s, want value1", string(val))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View() failed: %v", err)
	}
}

func TestBadgerStoreGetNotFound(t *testing.T) {
	s := setupBadgerStore(t)
	defer teardownBadgerStore(t, s)

	err := s.View(func(tx Tx) error {
		_, err := tx.Get([]byte("nonexistent"))
		if err != ErrKeyNotFound {
			t.Errorf("Expected ErrKeyNotFound, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View() failed: %v", err)
	}
}

func TestBadgerStoreDelete(t *testing.T) {
	s := setupBadgerStore(t)
	defer teardownBadgerStore(t, s)

	err := s.Update(func(tx Tx) error {
		return tx.Set([]byte("key1"), []byte("value1"))
	})
	if err != nil {
		t.Fatalf("Update() failed: %v", err)
	}

	err = s.Update(func(tx Tx) error {
		return tx.Delete([]byte("key1"))
	})
	if err != nil {
		t.Fatalf("Update() failed: %v", err)
	}

	err = s.View(func(tx Tx) error {
		_, err := tx.Get([]byte("key1"))
		if err != ErrKeyNotFound {
			t.Errorf("Expected ErrKeyNotFound after delete, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View() failed: %v", err)
	}
}

func TestBadgerStoreOverwrite(t *testing.T) {
	s := setupBadgerStore(t)
	defer teardownBadgerStore(t, s)

	for _, v := range []string{"value1", "value2"} {
		v := v
		err := s.Update(func(tx Tx) error {
			return tx.Set([]byte("key1"), []byte(v))
		})
		if err != nil {
			t.Fatalf("Update() failed: %v", err)
		}
	}

	err := s.View(func(tx Tx) error {
		val, err := tx.Get([]byte("key1"))
		if err != nil {
			return err
		}
		if string(val) != "value2" {
			t.Errorf("Got value %s, want value2", string(val))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View() failed: %v", err)
	}
}

func TestBadgerStoreIteratorPrefix(t *testing.T) {
	s := setupBadgerStore(t)
	defer teardownBadgerStore(t, s)

	err := s.Update(func(tx Tx) error {
		for _, key := range []string{"a1", "a2", "a3", "b1", "c1"} {
			if err := tx.Set([]byte(key), []byte("value")); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Update() failed: %v", err)
	}

	err = s.View(func(tx Tx) error {
		it := tx.NewIterator(IteratorOptions{Prefix: []byte("a")})
		defer it.Close()

		var got []string
		for it.Rewind(); it.ValidForPrefix([]byte("a")); it.Next() {
			key, _, err := it.Item()
			if err != nil {
				return err
			}
			got = append(got, string(key))
		}

		want := []string{"a1", "a2", "a3"}
		if len(got) != len(want) {
			t.Fatalf("Iterated %d keys, want %d: %v", len(got), len(want), got)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("At position %d: got key %s, want %s", i, got[i], want[i])
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View() failed: %v", err)
	}
}

func TestBadgerStoreIteratorSeek(t *testing.T) {
	s := setupBadgerStore(t)
	defer teardownBadgerStore(t, s)

	err := s.Update(func(tx Tx) error {
		for _, key := range []string{"a", "b", "c", "d"} {
			if err := tx.Set([]byte(key), []byte("value")); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Update() failed: %v", err)
	}

	err = s.View(func(tx Tx) error {
		it := tx.NewIterator(IteratorOptions{})
		defer it.Close()

		it.Seek([]byte("c"))
		if !it.Valid() {
			t.Fatal("Iterator invalid after Seek")
		}
		key, _, err := it.Item()
		if err != nil {
			t.Fatalf("Item() failed: %v", err)
		}
		if string(key) != "c" {
			t.Errorf("Got key %s, want c", string(key))
		}

		it.Next()
		if !it.Valid() {
			t.Fatal("Iterator invalid after Next")
		}
		key, _, err = it.Item()
		if err != nil {
			t.Fatalf("Item() failed: %v", err)
		}
		if string(key) != "d" {
			t.Errorf("Got key %s, want d", string(key))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View() failed: %v", err)
	}
}

func TestBadgerStoreInMemory(t *testing.T) {
	s, err := NewBadgerStore("", WithInMemory())
	if err != nil {
		t.Fatalf("Failed to create in-memory BadgerStore: %v", err)
	}
	defer s.Close()

	err = s.Update(func(tx Tx) error {
		return tx.Set([]byte("key1"), []byte("value1"))
	})
	if err != nil {
		t.Fatalf("Update() failed: %v", err)
	}

	err = s.View(func(tx Tx) error {
		val, err := tx.Get([]byte("key1"))
		if err != nil {
			return err
		}
		if string(val) != "value1" {
			t.Errorf("Got value %s, want value1", string(val))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View() failed: %v", err)
	}
}

func TestBadgerStorePersistence(t *testing.T) {
	tmpDir := filepath.Join(os.TempDir(), "docmesh-store-persist")
	os.RemoveAll(tmpDir)

	s1, err := NewBadgerStore(tmpDir)
	if err != nil {
		t.Fatalf("Failed to create BadgerStore: %v", err)
	}
	err = s1.Update(func(tx Tx) error {
		return tx.Set([]byte("key1"), []byte("value1"))
	})
	if err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	s2, err := NewBadgerStore(tmpDir)
	if err != nil {
		t.Fatalf("Failed to reopen BadgerStore: %v", err)
	}
	defer func() {
		s2.Close()
		os.RemoveAll(tmpDir)
	}()

	err = s2.View(func(tx Tx) error {
		val, err := tx.Get([]byte("key1"))
		if err != nil {
			return err
		}
		if string(val) != "value1" {
			t.Errorf("Got value %s, want value1", string(val))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View() failed: %v", err)
	}
}
