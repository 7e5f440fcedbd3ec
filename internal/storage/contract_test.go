package storage

import (
	"fmt"
	"sync"
	"testing"
)

type storeFactory func(t *testing.T, maxMessages int) Store

func assertHistory(t *testing.T, got, want []Message) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("history length = %d, want %d (%v)", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("history[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

// runStoreContract checks behaviour every Store backend must share
func runStoreContract(t *testing.T, newStore storeFactory) {
	t.Run("EmptyHistory", func(t *testing.T) {
		store := newStore(t, 10)
		defer store.Close()

		history, err := store.History(1)
		if err != nil {
			t.Fatalf("History failed: %v", err)
		}
		if len(history) != 0 {
			t.Errorf("expected empty history, got %v", history)
		}
	})

	t.Run("AppendKeepsOrder", func(t *testing.T) {
		store := newStore(t, 10)
		defer store.Close()

		for _, m := range []Message{
			{Role: RoleUser, Content: "one"},
			{Role: RoleAssistant, Content: "two"},
			{Role: RoleUser, Content: "three"},
		} {
			if err := store.Append(7, m.Role, m.Content); err != nil {
				t.Fatalf("Append failed: %v", err)
			}
		}
		history, err := store.History(7)
		if err != nil {
			t.Fatalf("History failed: %v", err)
		}
		assertHistory(t, history, []Message{
			{Role: RoleUser, Content: "one"},
			{Role: RoleAssistant, Content: "two"},
			{Role: RoleUser, Content: "three"},
		})
	})

	t.Run("EvictsOldest", func(t *testing.T) {
		store := newStore(t, 3)
		defer store.Close()

		for i := 1; i <= 5; i++ {
			if err := store.Append(1, RoleUser, fmt.Sprintf("m%d", i)); err != nil {
				t.Fatalf("Append failed: %v", err)
			}
		}
		history, err := store.History(1)
		if err != nil {
			t.Fatalf("History failed: %v", err)
		}
		assertHistory(t, history, []Message{
			{Role: RoleUser, Content: "m3"},
			{Role: RoleUser, Content: "m4"},
			{Role: RoleUser, Content: "m5"},
		})
	})

	t.Run("UnlimitedWhenZero", func(t *testing.T) {
		store := newStore(t, 0)
		defer store.Close()

		for i := 0; i < 20; i++ {
			if err := store.Append(1, RoleUser, "x"); err != nil {
				t.Fatalf("Append failed: %v", err)
			}
		}
		history, _ := store.History(1)
		if len(history) != 20 {
			t.Errorf("expected 20 messages, got %d", len(history))
		}
	})

	t.Run("UsersAreIsolated", func(t *testing.T) {
		store := newStore(t, 10)
		defer store.Close()

		store.Append(1, RoleUser, "from one")
		store.Append(2, RoleUser, "from two")

		h1, _ := store.History(1)
		h2, _ := store.History(2)
		assertHistory(t, h1, []Message{{Role: RoleUser, Content: "from one"}})
		assertHistory(t, h2, []Message{{Role: RoleUser, Content: "from two"}})
	})

	t.Run("Clear", func(t *testing.T) {
		store := newStore(t, 10)
		defer store.Close()

		store.Append(1, RoleUser, "a")
		store.Append(2, RoleUser, "b")
		if err := store.Clear(1); err != nil {
			t.Fatalf("Clear failed: %v", err)
		}
		// Clearing an unknown user is not an error
		if err := store.Clear(999); err != nil {
			t.Fatalf("Clear of unknown user failed: %v", err)
		}

		h1, _ := store.History(1)
		if len(h1) != 0 {
			t.Errorf("expected cleared history, got %v", h1)
		}
		h2, _ := store.History(2)
		assertHistory(t, h2, []Message{{Role: RoleUser, Content: "b"}})
	})

	t.Run("HistoryIsCopy", func(t *testing.T) {
		store := newStore(t, 10)
		defer store.Close()

		store.Append(1, RoleUser, "original")
		history, _ := store.History(1)
		history[0].Content = "mutated"

		again, _ := store.History(1)
		assertHistory(t, again, []Message{{Role: RoleUser, Content: "original"}})
	})

	t.Run("ConcurrentAppends", func(t *testing.T) {
		store := newStore(t, 0)
		defer store.Close()

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if err := store.Append(1, RoleUser, fmt.Sprintf("m%d", i)); err != nil {
					t.Errorf("Append failed: %v", err)
				}
			}(i)
		}
		wg.Wait()

		history, _ := store.History(1)
		if len(history) != 10 {
			t.Errorf("expected 10 messages, got %d", len(history))
		}
	})
}
