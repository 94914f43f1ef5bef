// Package network implements the per-repository Network Isolation Service:
// one internal bridge network per repository, automatic /24 subnet
// allocation inside a configured /16, and attach/detach/reap lifecycle.
//
// Each /24 is formed from the configured /16's first two octets plus an
// allocated third octet; github.com/apparentlymart/go-cidr computes the
// subnet's gateway address (host 1).
package network

import (
	"fmt"
	"net"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/apparentlymart/go-cidr/cidr"

	"github.com/runnerhub/orchestrator/internal/apierr"
	"github.com/runnerhub/orchestrator/internal/domain"
	"github.com/runnerhub/orchestrator/internal/store"
)

const namePrefix = "runnerhub"

var invalidNameChars = regexp.MustCompile(`[^a-z0-9-]`)

// Driver is the narrow containerd-facing surface the Isolator needs; the
// Container Lifecycle Manager's runtime client satisfies it.
type Driver interface {
	CreateBridgeNetwork(name, subnet, gateway string) (id string, err error)
	RemoveNetwork(id string) error
	DisconnectFromAll(ctx_ containerRef) error
	Connect(ctx_ containerRef, networkID string) error
}

// containerRef identifies a runtime container for network operations; kept
// as a thin alias so this package doesn't import the runtime package's
// richer types and create an import cycle.
type containerRef = string

type cacheEntry struct {
	network  *domain.Network
	cachedAt time.Time
}

// Isolator owns per-repo network creation/reuse, with a TTL cache over the
// store-of-record.
type Isolator struct {
	store  store.Store
	driver Driver
	cidr   *net.IPNet

	mu        sync.Mutex
	cache     map[string]*cacheEntry
	cacheTTL  time.Duration
	usedOctet map[int]string // third octet -> repository, for the allocator
}

// New creates an Isolator allocating /24s from parentCIDR (default
// 10.100.0.0/16).
func New(s store.Store, driver Driver, parentCIDR string) (*Isolator, error) {
	_, network, err := net.ParseCIDR(parentCIDR)
	if err != nil {
		return nil, apierr.NewValidation("invalid network cidr %q: %v", parentCIDR, err)
	}
	iso := &Isolator{
		store:     s,
		driver:    driver,
		cidr:      network,
		cache:     make(map[string]*cacheEntry),
		cacheTTL:  10 * time.Minute,
		usedOctet: make(map[int]string),
	}
	existing, err := s.ListNetworks()
	if err == nil {
		for _, n := range existing {
			if n.RemovedAt == nil {
				if octet, ok := thirdOctet(n.Subnet); ok {
					iso.usedOctet[octet] = n.Repository
				}
			}
		}
	}
	return iso, nil
}

func thirdOctet(subnet string) (int, bool) {
	_, ipnet, err := net.ParseCIDR(subnet)
	if err != nil {
		return 0, false
	}
	ip := ipnet.IP.To4()
	if ip == nil {
		return 0, false
	}
	return int(ip[2]), true
}

func normalizeName(repo string) string {
	lower := strings.ToLower(repo)
	return namePrefix + "-" + invalidNameChars.ReplaceAllString(lower, "-")
}

// GetOrCreate idempotently returns the Network for repo, allocating a fresh
// /24 and creating the bridge on first use.
func (iso *Isolator) GetOrCreate(repo string) (*domain.Network, error) {
	iso.mu.Lock()
	if entry, ok := iso.cache[repo]; ok && time.Since(entry.cachedAt) < iso.cacheTTL {
		iso.mu.Unlock()
		return entry.network, nil
	}
	iso.mu.Unlock()

	if n, err := iso.store.GetNetworkByRepository(repo); err == nil && n.RemovedAt == nil {
		iso.cacheSet(repo, n)
		return n, nil
	}

	iso.mu.Lock()
	defer iso.mu.Unlock()
	// re-check under lock: another goroutine may have allocated concurrently
	if n, err := iso.store.GetNetworkByRepository(repo); err == nil && n.RemovedAt == nil {
		iso.cacheSet(repo, n)
		return n, nil
	}

	octet, err := iso.allocateOctetLocked()
	if err != nil {
		return nil, err
	}

	subnet := fmt.Sprintf("%d.%d.%d.0/24", iso.cidr.IP[0], iso.cidr.IP[1], octet)
	_, subnetNet, _ := net.ParseCIDR(subnet)
	gatewayIP, err := cidr.Host(subnetNet, 1)
	if err != nil {
		return nil, apierr.Wrap(apierr.Unavailable, err, "compute gateway for %s", subnet)
	}

	name := normalizeName(repo)
	id, err := iso.driver.CreateBridgeNetwork(name, subnet, gatewayIP.String())
	if err != nil {
		delete(iso.usedOctet, octet)
		return nil, apierr.Wrap(apierr.Unavailable, err, "create bridge network for %s", repo)
	}

	n := &domain.Network{
		ID:         id,
		Name:       name,
		Repository: repo,
		Subnet:     subnet,
		Gateway:    gatewayIP.String(),
		Internal:   true,
		CreatedAt:  time.Now(),
		LastUsed:   time.Now(),
	}
	if err := iso.store.UpsertNetwork(n); err != nil {
		return nil, err
	}
	iso.usedOctet[octet] = repo
	iso.cacheSet(repo, n)
	return n, nil
}

// allocateOctetLocked scans third octets 1..254, failing with SubnetExhausted
// once all are taken.
func (iso *Isolator) allocateOctetLocked() (int, error) {
	for octet := 1; octet <= 254; octet++ {
		if _, taken := iso.usedOctet[octet]; !taken {
			iso.usedOctet[octet] = "" // reserve; caller fills in the real repo on success
			return octet, nil
		}
	}
	return 0, apierr.New(apierr.Unrecoverable, "SubnetExhausted: no free /24 in %s", iso.cidr.String())
}

func (iso *Isolator) cacheSet(repo string, n *domain.Network) {
	iso.mu.Lock()
	defer iso.mu.Unlock()
	iso.cache[repo] = &cacheEntry{network: n, cachedAt: time.Now()}
}

// Attach disconnects containerID from the default network, then connects it
// to repo's isolation network. Implicitly calls GetOrCreate.
func (iso *Isolator) Attach(containerID, repo string) error {
	n, err := iso.GetOrCreate(repo)
	if err != nil {
		return apierr.Wrap(apierr.Unavailable, err, "NetworkUnavailable for %s", repo)
	}
	if err := iso.driver.DisconnectFromAll(containerID); err != nil {
		return apierr.Wrap(apierr.Transient, err, "disconnect %s from default network", containerID)
	}
	if err := iso.driver.Connect(containerID, n.ID); err != nil {
		return apierr.Wrap(apierr.Transient, err, "connect %s to %s", containerID, n.Name)
	}
	n.LastUsed = time.Now()
	_ = iso.store.UpsertNetwork(n)
	iso.cacheSet(repo, n)
	return nil
}

// Detach disconnects containerID from repo's network; tolerant of an
// already-detached container.
func (iso *Isolator) Detach(containerID, repo string) error {
	n, err := iso.store.GetNetworkByRepository(repo)
	if err != nil {
		return nil // nothing to detach from
	}
	if err := iso.driver.DisconnectFromAll(containerID); err != nil {
		return apierr.Wrap(apierr.Transient, err, "detach %s from %s", containerID, n.Name)
	}
	return nil
}

// Reap removes networks whose last_used exceeds idleTTL and that currently
// have no attached containers per hasAttached.
func (iso *Isolator) Reap(idleTTL time.Duration, hasAttached func(networkID string) bool) (int, error) {
	networks, err := iso.store.ListNetworks()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, n := range networks {
		if n.RemovedAt != nil {
			continue
		}
		if time.Since(n.LastUsed) < idleTTL {
			continue
		}
		if hasAttached(n.ID) {
			continue
		}
		if err := iso.driver.RemoveNetwork(n.ID); err != nil {
			continue
		}
		now := time.Now()
		n.RemovedAt = &now
		_ = iso.store.UpsertNetwork(n)

		iso.mu.Lock()
		delete(iso.cache, n.Repository)
		if octet, ok := thirdOctet(n.Subnet); ok {
			delete(iso.usedOctet, octet)
		}
		iso.mu.Unlock()
		removed++
	}
	return removed, nil
}
