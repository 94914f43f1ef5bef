package network

import (
	"fmt"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runnerhub/orchestrator/internal/storetest"
)

type fakeDriver struct {
	mu        sync.Mutex
	created   int
	connected map[string]string // containerID -> networkID
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{connected: make(map[string]string)}
}

func (d *fakeDriver) CreateBridgeNetwork(name, subnet, gateway string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.created++
	return fmt.Sprintf("net-%d", d.created), nil
}

func (d *fakeDriver) RemoveNetwork(id string) error { return nil }

func (d *fakeDriver) DisconnectFromAll(containerID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.connected, containerID)
	return nil
}

func (d *fakeDriver) Connect(containerID string, networkID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected[containerID] = networkID
	return nil
}

// TestSubnetsDoNotOverlap verifies that any two active networks' subnets
// are disjoint.
func TestSubnetsDoNotOverlap(t *testing.T) {
	s := storetest.New()
	iso, err := New(s, newFakeDriver(), "10.100.0.0/16")
	require.NoError(t, err)

	repos := []string{"org/a", "org/b", "org/c", "org/d"}
	subnets := make(map[string]string)
	for _, repo := range repos {
		n, err := iso.GetOrCreate(repo)
		require.NoError(t, err)
		subnets[repo] = n.Subnet
	}

	seen := make(map[string]string)
	for repo, subnet := range subnets {
		_, ipnet, err := net.ParseCIDR(subnet)
		require.NoError(t, err)
		key := ipnet.String()
		if other, ok := seen[key]; ok {
			t.Fatalf("repos %s and %s share subnet %s", repo, other, subnet)
		}
		seen[key] = repo
	}
}

// TestGetOrCreateIsIdempotent ensures repeated calls for the same repo
// return the same network rather than allocating a second subnet.
func TestGetOrCreateIsIdempotent(t *testing.T) {
	s := storetest.New()
	iso, err := New(s, newFakeDriver(), "10.100.0.0/16")
	require.NoError(t, err)

	first, err := iso.GetOrCreate("org/a")
	require.NoError(t, err)
	second, err := iso.GetOrCreate("org/a")
	require.NoError(t, err)
	assert.Equal(t, first.Subnet, second.Subnet)
	assert.Equal(t, first.ID, second.ID)
}

// TestSubnetExhaustedAfter254Allocations verifies the /16 is fully consumed
// after 254 /24 allocations and the 255th fails.
func TestSubnetExhaustedAfter254Allocations(t *testing.T) {
	s := storetest.New()
	iso, err := New(s, newFakeDriver(), "10.100.0.0/16")
	require.NoError(t, err)

	for i := 1; i <= 254; i++ {
		repo := fmt.Sprintf("org/repo-%d", i)
		_, err := iso.GetOrCreate(repo)
		require.NoErrorf(t, err, "allocation %d should succeed", i)
	}

	_, err = iso.GetOrCreate("org/repo-255")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SubnetExhausted")
}

// TestAttachThenDetachRestoresOnlyDefaultConnection verifies that attach
// then detach leaves the container disconnected from the isolation network
// (it returns to whatever default-network state existed before attach,
// modeled here as "not connected to any runnerhub network").
func TestAttachThenDetachRestoresOnlyDefaultConnection(t *testing.T) {
	s := storetest.New()
	driver := newFakeDriver()
	iso, err := New(s, driver, "10.100.0.0/16")
	require.NoError(t, err)

	require.NoError(t, iso.Attach("ctr-1", "org/a"))
	driver.mu.Lock()
	_, connected := driver.connected["ctr-1"]
	driver.mu.Unlock()
	assert.True(t, connected)

	require.NoError(t, iso.Detach("ctr-1", "org/a"))
	driver.mu.Lock()
	_, stillConnected := driver.connected["ctr-1"]
	driver.mu.Unlock()
	assert.False(t, stillConnected)
}

func TestReapRemovesOnlyIdleUnattachedNetworks(t *testing.T) {
	s := storetest.New()
	driver := newFakeDriver()
	iso, err := New(s, driver, "10.100.0.0/16")
	require.NoError(t, err)

	active, err := iso.GetOrCreate("org/active")
	require.NoError(t, err)
	idle, err := iso.GetOrCreate("org/idle")
	require.NoError(t, err)

	n, err := iso.Reap(0, func(networkID string) bool { return networkID == active.ID })
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	remaining, err := s.ListNetworks()
	require.NoError(t, err)
	var activeStillPresent, idleRemoved bool
	for _, nw := range remaining {
		if nw.ID == active.ID && nw.RemovedAt == nil {
			activeStillPresent = true
		}
		if nw.ID == idle.ID && nw.RemovedAt != nil {
			idleRemoved = true
		}
	}
	assert.True(t, activeStillPresent)
	assert.True(t, idleRemoved)
}
