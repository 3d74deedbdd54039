package keylock

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestKeyLock_LockAndCleanup(t *testing.T) {
	kl := NewKeyLock()

	unlock := kl.Lock("player-1")
	if kl.Len() != 1 {
		t.Fatalf("Expected 1 lock entry, got %d", kl.Len())
	}
	unlock()

	if kl.Len() != 0 {
		t.Fatalf("Expected 0 lock entries after unlock, got %d", kl.Len())
	}
}

func TestKeyLock_MultipleKeys(t *testing.T) {
	kl := NewKeyLock()

	unlock1 := kl.Lock("player-1")
	unlock2 := kl.Lock("player-2")
	unlock3 := kl.RLock("player-3")

	if kl.Len() != 3 {
		t.Fatalf("Expected 3 lock entries, got %d", kl.Len())
	}

	unlock1()
	unlock2()
	unlock3()

	if kl.Len() != 0 {
		t.Fatalf("Expected 0 lock entries after unlocks, got %d", kl.Len())
	}
}

func TestKeyLock_WritersExcludeEachOther(t *testing.T) {
	kl := NewKeyLock()

	const numWriters = 50
	var counter int32
	var wg sync.WaitGroup
	wg.Add(numWriters)

	for i := 0; i < numWriters; i++ {
		go func() {
			defer wg.Done()
			unlock := kl.Lock("player-1")
			defer unlock()

			// Non-atomic read-modify-write; only safe under the lock.
			current := atomic.LoadInt32(&counter)
			time.Sleep(time.Millisecond)
			atomic.StoreInt32(&counter, current+1)
		}()
	}

	wg.Wait()

	if counter != int32(numWriters) {
		t.Fatalf("Expected counter %d, got %d (lost update)", numWriters, counter)
	}
	if kl.Len() != 0 {
		t.Fatalf("Expected 0 lock entries after cleanup, got %d", kl.Len())
	}
}

func TestKeyLock_WriterExcludesReaders(t *testing.T) {
	kl := NewKeyLock()
	var writerInCritical atomic.Bool
	var readerSawWriter atomic.Bool

	const numReaders = 20
	var wg sync.WaitGroup
	wg.Add(numReaders + 1)

	go func() {
		defer wg.Done()
		unlock := kl.Lock("player-1")
		defer unlock()

		writerInCritical.Store(true)
		time.Sleep(50 * time.Millisecond)
		writerInCritical.Store(false)
	}()

	time.Sleep(10 * time.Millisecond)

	for i := 0; i < numReaders; i++ {
		go func() {
			defer wg.Done()
			unlock := kl.RLock("player-1")
			defer unlock()

			if writerInCritical.Load() {
				readerSawWriter.Store(true)
			}
		}()
	}

	wg.Wait()

	if readerSawWriter.Load() {
		t.Fatal("Reader entered critical section while writer held lock")
	}
}

func TestKeyLock_ConcurrentReadersShareKey(t *testing.T) {
	kl := NewKeyLock()
	const numReaders = 50

	start := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(numReaders)

	for i := 0; i < numReaders; i++ {
		go func() {
			defer wg.Done()
			<-start
			unlock := kl.RLock("shared")
			time.Sleep(20 * time.Millisecond)
			unlock()
		}()
	}

	close(start)
	time.Sleep(10 * time.Millisecond)

	// All readers share one entry while in flight.
	if kl.Len() != 1 {
		t.Fatalf("Expected 1 lock entry while readers run, got %d", kl.Len())
	}

	wg.Wait()

	if kl.Len() != 0 {
		t.Fatalf("Expected 0 lock entries after readers finished, got %d", kl.Len())
	}
}

func TestKeyLock_DifferentKeysDoNotBlock(t *testing.T) {
	kl := NewKeyLock()

	done := make(chan bool, 1)
	go func() {
		unlock1 := kl.Lock("player-1")
		defer unlock1()
		unlock2 := kl.Lock("player-2")
		defer unlock2()
		done <- true
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("goroutine holding player-1 blocked on player-2")
	}
}

func TestKeyLock_HighConcurrency(t *testing.T) {
	kl := NewKeyLock()
	const numGoroutines = 100
	const numOperations = 50

	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func(id int) {
			defer wg.Done()
			for j := 0; j < numOperations; j++ {
				key := fmt.Sprintf("player-%d", j%7)
				if (id+j)%3 == 0 {
					unlock := kl.Lock(key)
					unlock()
				} else {
					unlock := kl.RLock(key)
					unlock()
				}
			}
		}(i)
	}

	wg.Wait()

	if kl.Len() != 0 {
		t.Fatalf("Expected 0 lock entries after cleanup, got %d", kl.Len())
	}
}
