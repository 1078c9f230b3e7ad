package broker

import (
	"context"
	"sort"
)

// Adapter is the capability every broker integration provides to the sync orchestrator
type Adapter interface {
	// Type returns the broker type this adapter serves
	Type() BrokerType

	// Fetch pulls executions for the request's date range
	Fetch(ctx context.Context, req *FetchRequest) (*FetchResult, error)

	// Validate checks that credentials are usable without pulling a full report
	Validate(ctx context.Context, connectionID uint, credentials *Credentials) error
}

// ProgressReporter receives sync log status transitions from adapters
type ProgressReporter interface {
	ReportProgress(syncLogID uint, status SyncStatus)
}

// ProgressFunc adapts a function to ProgressReporter
type ProgressFunc func(syncLogID uint, status SyncStatus)

// ReportProgress calls f
func (f ProgressFunc) ReportProgress(syncLogID uint, status SyncStatus) {
	f(syncLogID, status)
}

// Registry selects an adapter by broker type
type Registry struct {
	adapters map[BrokerType]Adapter
}

// NewRegistry creates a registry holding the given adapters
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[BrokerType]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces the adapter for its broker type
func (r *Registry) Register(adapter Adapter) {
	r.adapters[adapter.Type()] = adapter
}

// Get returns the adapter for a broker type
func (r *Registry) Get(t BrokerType) (Adapter, error) {
	adapter, exists := r.adapters[t]
	if !exists {
		return nil, ErrBrokerNotFound
	}
	return adapter, nil
}

// Types returns all registered broker types
func (r *Registry) Types() []BrokerType {
	types := make([]BrokerType, 0, len(r.adapters))
	for t := range r.adapters {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
