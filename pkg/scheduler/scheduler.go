package scheduler

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"

	"github.com/scitix/netpulse/pkg/types"
)

// ErrNoCapacity is returned when every live node is at its pinned cap
var ErrNoCapacity = errors.New("no node with spare capacity")

// Scheduler picks the node to host a new pinned worker. It is pure: it
// receives a snapshot of live nodes and returns a decision. Stale
// snapshots are fine because the node worker rejects over-cap spawns
// and the controller retries with a fresh snapshot.
type Scheduler interface {
	// Name is the registry key
	Name() string

	// Select returns the id of the chosen node, or ErrNoCapacity
	Select(nodes []*types.Node, host string) (string, error)

	// SelectBatch places many hosts at once, respecting capacity
	// across the whole batch. Hosts that cannot be placed are absent
	// from the result.
	SelectBatch(nodes []*types.Node, hosts []string) map[string]string
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Scheduler)
)

// Register adds a scheduler to the registry
func Register(s Scheduler) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[s.Name()]; exists {
		panic(fmt.Sprintf("scheduler %q registered twice", s.Name()))
	}
	registry[s.Name()] = s
}

// Get returns the named scheduler
func Get(name string) (Scheduler, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	s, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown scheduler %q", name)
	}
	return s, nil
}

// List returns the registered scheduler names, sorted
func List() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	Register(&greedy{})
	Register(&leastLoad{})
	Register(&leastLoadRandom{})
	Register(&loadWeightedRandom{})
}

// spare returns the free pinned slots on a node
func spare(n *types.Node) int {
	free := n.Capacity - n.Current
	if free < 0 {
		return 0
	}
	return free
}

// ratio is the node's load as a fraction of its cap
func ratio(n *types.Node) float64 {
	if n.Capacity <= 0 {
		return 1
	}
	return float64(n.Current) / float64(n.Capacity)
}

// selectBatch reserves capacity on a snapshot copy while assigning
// hosts one by one, so a scheduler never hands the same slot out twice
// within a batch.
func selectBatch(s Scheduler, nodes []*types.Node, hosts []string) map[string]string {
	working := make([]*types.Node, len(nodes))
	for i, n := range nodes {
		cp := *n
		working[i] = &cp
	}
	byID := make(map[string]*types.Node, len(working))
	for _, n := range working {
		byID[n.ID] = n
	}

	placed := make(map[string]string, len(hosts))
	for _, host := range hosts {
		nodeID, err := s.Select(working, host)
		if err != nil {
			continue
		}
		placed[host] = nodeID
		byID[nodeID].Current++
	}
	return placed
}

// greedy picks the first node with spare capacity
type greedy struct{}

func (g *greedy) Name() string { return "greedy" }

func (g *greedy) Select(nodes []*types.Node, host string) (string, error) {
	for _, n := range nodes {
		if spare(n) > 0 {
			return n.ID, nil
		}
	}
	return "", ErrNoCapacity
}

func (g *greedy) SelectBatch(nodes []*types.Node, hosts []string) map[string]string {
	return selectBatch(g, nodes, hosts)
}

// leastLoad picks the node with the lowest load ratio, ties broken by id
type leastLoad struct{}

func (l *leastLoad) Name() string { return "least_load" }

func (l *leastLoad) Select(nodes []*types.Node, host string) (string, error) {
	var best *types.Node
	for _, n := range nodes {
		if spare(n) == 0 {
			continue
		}
		if best == nil || ratio(n) < ratio(best) ||
			(ratio(n) == ratio(best) && n.ID < best.ID) {
			best = n
		}
	}
	if best == nil {
		return "", ErrNoCapacity
	}
	return best.ID, nil
}

func (l *leastLoad) SelectBatch(nodes []*types.Node, hosts []string) map[string]string {
	return selectBatch(l, nodes, hosts)
}

// leastLoadRandom picks uniformly among the nodes tied at the minimum
// load ratio
type leastLoadRandom struct{}

func (l *leastLoadRandom) Name() string { return "least_load_random" }

func (l *leastLoadRandom) Select(nodes []*types.Node, host string) (string, error) {
	minRatio := 2.0
	var tied []*types.Node
	for _, n := range nodes {
		if spare(n) == 0 {
			continue
		}
		r := ratio(n)
		switch {
		case r < minRatio:
			minRatio = r
			tied = tied[:0]
			tied = append(tied, n)
		case r == minRatio:
			tied = append(tied, n)
		}
	}
	if len(tied) == 0 {
		return "", ErrNoCapacity
	}
	return tied[rand.Intn(len(tied))].ID, nil
}

func (l *leastLoadRandom) SelectBatch(nodes []*types.Node, hosts []string) map[string]string {
	return selectBatch(l, nodes, hosts)
}

// loadWeightedRandom weights each node by its spare slots and picks
// weighted-random
type loadWeightedRandom struct{}

func (l *loadWeightedRandom) Name() string { return "load_weighted_random" }

func (l *loadWeightedRandom) Select(nodes []*types.Node, host string) (string, error) {
	total := 0
	for _, n := range nodes {
		total += spare(n)
	}
	if total == 0 {
		return "", ErrNoCapacity
	}

	pick := rand.Intn(total)
	for _, n := range nodes {
		pick -= spare(n)
		if pick < 0 {
			return n.ID, nil
		}
	}
	// Unreachable while total > 0
	return "", ErrNoCapacity
}

func (l *loadWeightedRandom) SelectBatch(nodes []*types.Node, hosts []string) map[string]string {
	return selectBatch(l, nodes, hosts)
}
