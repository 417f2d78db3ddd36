package gridsync

import (
	"sort"
	"testing"
)

func TestStore(t *testing.T) {
	t.Run("create then read", func(t *testing.T) {
		s := newStore[int]()

		if err := s.Create("a", 1); err != nil {
			t.Fatalf("create failed: %v", err)
		}
		got, err := s.Read("a")

		if err != nil {
			t.Fatalf("read failed: %v", err)
		}
		if got != 1 {
			t.Fatalf("expected 1, got %d", got)
		}
	})

	t.Run("create rejects duplicates", func(t *testing.T) {
		s := newStore[int]()

		_ = s.Create("a", 1)

		if err := s.Create("a", 2); err == nil {
			t.Fatal("expected duplicate create to fail")
		}
	})

	t.Run("upsert replaces", func(t *testing.T) {
		s := newStore[int]()

		s.Upsert("a", 1)

		s.Upsert("a", 2)

		got, _ := s.Read("a")

		if got != 2 {
			t.Fatalf("expected 2, got %d", got)
		}
	})

	t.Run("delete removes", func(t *testing.T) {
		s := newStore[int]()

		s.Upsert("a", 1)

		if err := s.Delete("a"); err != nil {
			t.Fatalf("delete failed: %v", err)
		}
		if _, err := s.Read("a"); err == nil {
			t.Fatal("expected read after delete to fail")
		}
	})

	t.Run("keys and values snapshot", func(t *testing.T) {
		s := newStore[int]()

		s.Upsert("a", 1)

		s.Upsert("b", 2)

		keys := s.Keys()

		sort.Strings(keys)

		if len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
			t.Fatalf("unexpected keys: %v", keys)
		}
		if s.Len() != 2 {
			t.Fatalf("expected length 2, got %d", s.Len())
		}
		values := s.Values()

		sum := 0
		for _, v := range values {
			sum += v
		}
		if sum != 3 {
			t.Fatalf("unexpected values: %v", values)
		}
	})
}
