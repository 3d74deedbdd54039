package testutil

import (
	"fmt"
	"net"
	"sync"
)

var (
	recentPortsMu sync.Mutex
	recentPorts   = make(map[int]bool)
)

// GetFreePort returns an available TCP port on localhost by binding to port 0
// and immediately releasing it. Recently handed-out ports are not returned
// again, so rapid successive calls do not collide. Panics if no port can be
// allocated.
func GetFreePort() int {
	const maxRetries = 100

	recentPortsMu.Lock()
	defer recentPortsMu.Unlock()

	for attempt := 0; attempt < maxRetries; attempt++ {
		listener, err := net.Listen("tcp", "localhost:0")
		if err != nil {
			panic(fmt.Sprintf("failed to get free port: %v", err))
		}
		port := listener.Addr().(*net.TCPAddr).Port
		listener.Close()

		if recentPorts[port] {
			continue
		}
		recentPorts[port] = true
		return port
	}

	panic(fmt.Sprintf("failed to get unique free port after %d attempts", maxRetries))
}

// GetFreeAddress returns localhost:port for a freshly allocated free port.
func GetFreeAddress() string {
	return fmt.Sprintf("localhost:%d", GetFreePort())
}
