package testutil

import (
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"
)

func TestGetFreePort(t *testing.T) {
	port := GetFreePort()
	if port <= 0 || port > 65535 {
		t.Fatalf("GetFreePort() = %d, out of range", port)
	}

	// The port should be bindable right away.
	l, err := net.Listen("tcp", fmt.Sprintf("localhost:%d", port))
	if err != nil {
		t.Fatalf("Failed to bind returned port %d: %v", port, err)
	}
	l.Close()
}

func TestGetFreePortNoImmediateReuse(t *testing.T) {
	seen := make(map[int]bool)
	for i := 0; i < 20; i++ {
		port := GetFreePort()
		if seen[port] {
			t.Fatalf("GetFreePort() returned %d twice", port)
		}
		seen[port] = true
	}
}

func TestWaitForImmediateCondition(t *testing.T) {
	start := time.Now()
	WaitFor(t, 5*time.Second, "immediate condition", func() bool { return true })
	if time.Since(start) > time.Second {
		t.Fatalf("WaitFor blocked on an immediately true condition")
	}
}

func TestWaitForEventualCondition(t *testing.T) {
	var flag atomic.Bool
	go func() {
		time.Sleep(150 * time.Millisecond)
		flag.Store(true)
	}()

	WaitFor(t, 5*time.Second, "flag to be set", flag.Load)
	if !flag.Load() {
		t.Fatal("WaitFor returned before condition held")
	}
}
