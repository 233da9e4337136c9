package routing

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/example/ilp-node/internal/accounting"
	"github.com/example/ilp-node/internal/connector"
)

var ErrNoRoute = errors.New("no route")

// RouteKind tells how a route's endpoint was configured.
type RouteKind string

const (
	RouteFixed RouteKind = "fixed"
	RoutePeer  RouteKind = "peer"
)

// Route is one entry of the routing table.
type Route struct {
	Prefix      string             `json:"prefix"`
	Kind        RouteKind          `json:"kind"`
	Destination connector.Endpoint `json:"-"`
	Endpoint    string             `json:"endpoint"`
}

// Table is a concurrency-safe routing table.
type Table struct {
	mu     sync.RWMutex
	routes *PrefixMap[Route]
	logger *slog.Logger
}

func NewTable(logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.Default()
	}
	return &Table{routes: NewPrefixMap[Route](), logger: logger}
}

// AddFixedRoute sends every address under prefix to destination.
func (t *Table) AddFixedRoute(prefix string, destination connector.Endpoint) {
	t.set(Route{Prefix: prefix, Kind: RouteFixed, Destination: destination})
}

// AddPeerRoute sends every address under prefix to the peer nodeID, whose
// account lives on ledger.
func (t *Table) AddPeerRoute(prefix, nodeID string, ledger accounting.LedgerID) {
	t.set(Route{
		Prefix: prefix,
		Kind:   RoutePeer,
		Destination: connector.PeerEndpoint{
			NodeID:      nodeID,
			AccountPath: accounting.PeerAssetsPath(ledger, nodeID),
		},
	})
}

func (t *Table) set(r Route) {
	r.Endpoint = r.Destination.UniqueID()
	t.mu.Lock()
	t.routes.Set(r.Prefix, r)
	t.mu.Unlock()
	t.logger.Debug("route added", "prefix", r.Prefix, "kind", r.Kind, "endpoint", r.Endpoint)
}

// RemoveRoute deletes the route for prefix.
func (t *Table) RemoveRoute(prefix string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.routes.Delete(prefix)
}

// Resolve returns the endpoint for destination.
func (t *Table) Resolve(destination string) (connector.Endpoint, error) {
	t.mu.RLock()
	r, ok := t.routes.Lookup(destination)
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w for %s", ErrNoRoute, destination)
	}
	return r.Destination, nil
}

// Routes returns every route sorted by prefix.
func (t *Table) Routes() []Route {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Route, 0, t.routes.Len())
	for _, k := range t.routes.Keys() {
		r, _ := t.routes.Lookup(k)
		out = append(out, r)
	}
	return out
}
