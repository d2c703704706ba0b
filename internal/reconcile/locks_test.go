package reconcile

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestKeyedLocksSerializeSameKey(t *testing.T) {
	k := newKeyedLocks()

	release, err := k.acquire("order:1", time.Second)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	if _, err := k.acquire("order:1", 20*time.Millisecond); !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("second acquire err = %v, want ErrLockTimeout", err)
	}

	release()
	release2, err := k.acquire("order:1", 20*time.Millisecond)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	release2()
}

func TestKeyedLocksIndependentKeys(t *testing.T) {
	k := newKeyedLocks()

	r1, err := k.acquire("order:1", time.Second)
	if err != nil {
		t.Fatalf("acquire order:1: %v", err)
	}
	defer r1()

	r2, err := k.acquire("payment:1", 20*time.Millisecond)
	if err != nil {
		t.Fatalf("acquire payment:1 blocked by unrelated key: %v", err)
	}
	r2()
}

func TestKeyedLocksEntryReclaimed(t *testing.T) {
	k := newKeyedLocks()

	release, err := k.acquire("mandate:1", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	release()

	k.mu.Lock()
	n := len(k.entries)
	k.mu.Unlock()
	if n != 0 {
		t.Fatalf("entries = %d after release, want 0", n)
	}
}

func TestKeyedLocksMutualExclusion(t *testing.T) {
	k := newKeyedLocks()

	var mu sync.Mutex
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := k.acquire("order:hot", 5*time.Second)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			mu.Lock()
			counter++
			mu.Unlock()
			release()
		}()
	}
	wg.Wait()
	if counter != 20 {
		t.Fatalf("counter = %d, want 20", counter)
	}
}
