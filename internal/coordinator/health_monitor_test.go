package coordinator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dreamware/bsptable/internal/cluster"
	"github.com/stretchr/testify/assert"
)

// nodeStatus reads a monitored node's status directly, since the bus-probe
// domain has no SetOnUnhealthy/GetNodeHealth-style introspection API —
// nothing in this repo queries health status outside the monitor's own
// checkAllNodes loop.
func nodeStatus(m *HealthMonitor, id string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.nodes[id]
	if !ok {
		return "", false
	}
	return h.Status, true
}

func TestNewHealthMonitor(t *testing.T) {
	monitor := NewHealthMonitor(5 * time.Second)
	defer monitor.Stop()

	assert.NotNil(t, monitor)
	assert.Equal(t, 5*time.Second, monitor.interval)
	assert.Equal(t, 3, monitor.maxFailures)
	assert.NotNil(t, monitor.nodes)
	assert.NotNil(t, monitor.ctx)
	assert.NotNil(t, monitor.cancel)
	assert.Len(t, monitor.nodes, 0)
}

func TestHealthMonitorStart(t *testing.T) {
	monitor := NewHealthMonitor(100 * time.Millisecond)
	defer monitor.Stop()

	checkCalls := 0
	var mu sync.Mutex
	monitor.SetCheckFunction(func(addr string) error {
		mu.Lock()
		checkCalls++
		mu.Unlock()
		return nil
	})

	nodeProvider := func() []cluster.NodeInfo {
		return []cluster.NodeInfo{
			{ID: "node-1", Addr: "0"},
			{ID: "node-2", Addr: "1"},
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go monitor.Start(ctx, nodeProvider)

	time.Sleep(350 * time.Millisecond)

	mu.Lock()
	calls := checkCalls
	mu.Unlock()
	assert.GreaterOrEqual(t, calls, 6, "expected at least 6 health checks")

	s1, ok1 := nodeStatus(monitor, "node-1")
	s2, ok2 := nodeStatus(monitor, "node-2")
	assert.True(t, ok1)
	assert.True(t, ok2)
	assert.Equal(t, "healthy", s1)
	assert.Equal(t, "healthy", s2)
}

func TestHealthMonitorNodeFailure(t *testing.T) {
	monitor := NewHealthMonitor(50 * time.Millisecond)
	defer monitor.Stop()

	failing := false
	var mu sync.Mutex
	monitor.SetCheckFunction(func(addr string) error {
		mu.Lock()
		defer mu.Unlock()
		if addr == "0" && failing {
			return fmt.Errorf("node is down")
		}
		return nil
	})

	nodeProvider := func() []cluster.NodeInfo {
		return []cluster.NodeInfo{
			{ID: "node-1", Addr: "0"},
			{ID: "node-2", Addr: "1"},
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go monitor.Start(ctx, nodeProvider)

	time.Sleep(100 * time.Millisecond)
	s1, _ := nodeStatus(monitor, "node-1")
	assert.Equal(t, "healthy", s1)

	mu.Lock()
	failing = true
	mu.Unlock()

	time.Sleep(250 * time.Millisecond)

	s1, ok := nodeStatus(monitor, "node-1")
	assert.True(t, ok)
	assert.Equal(t, "unhealthy", s1)
	s2, _ := nodeStatus(monitor, "node-2")
	assert.Equal(t, "healthy", s2)
}

func TestHealthMonitorNodeRecovery(t *testing.T) {
	monitor := NewHealthMonitor(50 * time.Millisecond)
	defer monitor.Stop()

	healthy := true
	var mu sync.Mutex
	monitor.SetCheckFunction(func(addr string) error {
		mu.Lock()
		defer mu.Unlock()
		if addr == "0" && !healthy {
			return fmt.Errorf("node is down")
		}
		return nil
	})

	nodeProvider := func() []cluster.NodeInfo {
		return []cluster.NodeInfo{{ID: "node-1", Addr: "0"}}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go monitor.Start(ctx, nodeProvider)

	time.Sleep(100 * time.Millisecond)
	s, _ := nodeStatus(monitor, "node-1")
	assert.Equal(t, "healthy", s)

	mu.Lock()
	healthy = false
	mu.Unlock()
	time.Sleep(250 * time.Millisecond)
	s, _ = nodeStatus(monitor, "node-1")
	assert.Equal(t, "unhealthy", s)

	mu.Lock()
	healthy = true
	mu.Unlock()
	time.Sleep(100 * time.Millisecond)
	s, _ = nodeStatus(monitor, "node-1")
	assert.Equal(t, "healthy", s)
}

func TestHealthMonitorNodeRemoval(t *testing.T) {
	monitor := NewHealthMonitor(50 * time.Millisecond)
	defer monitor.Stop()

	monitor.SetCheckFunction(func(addr string) error { return nil })

	var nodes []cluster.NodeInfo
	var mu sync.Mutex
	nodeProvider := func() []cluster.NodeInfo {
		mu.Lock()
		defer mu.Unlock()
		return nodes
	}

	mu.Lock()
	nodes = []cluster.NodeInfo{
		{ID: "node-1", Addr: "0"},
		{ID: "node-2", Addr: "1"},
	}
	mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go monitor.Start(ctx, nodeProvider)

	time.Sleep(100 * time.Millisecond)
	monitor.mu.RLock()
	count := len(monitor.nodes)
	monitor.mu.RUnlock()
	assert.Equal(t, 2, count)

	mu.Lock()
	nodes = []cluster.NodeInfo{{ID: "node-1", Addr: "0"}}
	mu.Unlock()

	time.Sleep(100 * time.Millisecond)
	monitor.mu.RLock()
	_, hasNode2 := monitor.nodes["node-2"]
	count = len(monitor.nodes)
	monitor.mu.RUnlock()
	assert.Equal(t, 1, count)
	assert.False(t, hasNode2)
}

func TestHealthMonitorStop(t *testing.T) {
	monitor := NewHealthMonitor(50 * time.Millisecond)

	running := true
	checkCount := 0
	var mu sync.Mutex
	monitor.SetCheckFunction(func(addr string) error {
		mu.Lock()
		defer mu.Unlock()
		checkCount++
		return nil
	})

	nodeProvider := func() []cluster.NodeInfo {
		mu.Lock()
		defer mu.Unlock()
		if running {
			return []cluster.NodeInfo{{ID: "node-1", Addr: "0"}}
		}
		return nil
	}

	go monitor.Start(nil, nodeProvider)
	time.Sleep(150 * time.Millisecond)

	mu.Lock()
	before := checkCount
	running = false
	mu.Unlock()
	monitor.Stop()

	time.Sleep(150 * time.Millisecond)
	mu.Lock()
	after := checkCount
	mu.Unlock()

	assert.Greater(t, before, 0)
	assert.Equal(t, before, after)
}

func TestHealthMonitorConcurrency(t *testing.T) {
	monitor := NewHealthMonitor(10 * time.Millisecond)
	defer monitor.Stop()

	monitor.SetCheckFunction(func(addr string) error { return nil })

	nodeCount := 5
	nodeProvider := func() []cluster.NodeInfo {
		nodes := make([]cluster.NodeInfo, nodeCount)
		for i := 0; i < nodeCount; i++ {
			nodes[i] = cluster.NodeInfo{ID: fmt.Sprintf("node-%d", i), Addr: fmt.Sprintf("%d", i)}
		}
		return nodes
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go monitor.Start(ctx, nodeProvider)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				nodeStatus(monitor, fmt.Sprintf("node-%d", id%nodeCount))
				time.Sleep(time.Millisecond)
			}
		}(i)
	}
	wg.Wait()

	monitor.mu.RLock()
	count := len(monitor.nodes)
	monitor.mu.RUnlock()
	assert.Equal(t, nodeCount, count)
}
