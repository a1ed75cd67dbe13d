package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jmcleod/doorman/storage"
	"github.com/jmcleod/doorman/storage/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storage.Store {
		return NewStore()
	})
}

func TestMemoryStore_ConcurrentRenewal(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	u := storetest.NewUser()
	if err := s.CreateUser(ctx, u, storetest.NewCredential(u.ID)); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	if err := s.CreateSession(ctx, storage.Session{ID: "s1", UserID: u.ID, ExpiresAt: time.Now()}); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.UpdateSessionExpiry(ctx, "s1", time.Now().Add(time.Hour)); err != nil {
				t.Errorf("UpdateSessionExpiry failed: %v", err)
			}
			if _, _, err := s.SessionWithUser(ctx, "s1"); err != nil {
				t.Errorf("SessionWithUser failed: %v", err)
			}
		}()
	}
	wg.Wait()
}
