package backend

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/GriffinCanCode/AnnotationBridge/internal/domain/access"
	"github.com/GriffinCanCode/AnnotationBridge/internal/shared/fault"
	"github.com/GriffinCanCode/AnnotationBridge/internal/shared/types"
)

// Entity is the stored version of an annotation
type Entity struct {
	ID      string          `json:"id"`
	Version int64           `json:"version"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Deleted bool            `json:"deleted,omitempty"`
}

// Memory is an in-process backend. Each idempotency key is applied at
// most once; replays return the recorded result.
type Memory struct {
	mu       sync.Mutex
	entities map[string]*Entity
	results  map[string]types.SyncResult
	applied  map[string]int
	batches  int
	failures []error

	// ContextFor builds the refreshed context; nil re-issues the current one
	ContextFor func(current access.AnnotationContext) (*access.AnnotationContext, error)
	Now        func() time.Time
}

// NewMemory creates an empty memory backend
func NewMemory() *Memory {
	return &Memory{
		entities: make(map[string]*Entity),
		results:  make(map[string]types.SyncResult),
		applied:  make(map[string]int),
		Now:      time.Now,
	}
}

// Seed stores an entity at a version, as if another writer had saved it
func (m *Memory) Seed(entityID string, version int64, payload json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entities[entityID] = &Entity{ID: entityID, Version: version, Payload: payload}
}

// FailNext makes the next len(errs) batches fail with the given errors
func (m *Memory) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, errs...)
}

// SyncBatch implements syncer.Transport
func (m *Memory) SyncBatch(ctx context.Context, items []types.SyncItem) ([]types.SyncResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, fault.Wrap(fault.KindTimeout, "memory.sync", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.batches++
	if len(m.failures) > 0 {
		err := m.failures[0]
		m.failures = m.failures[1:]
		if err != nil {
			return nil, err
		}
	}

	results := make([]types.SyncResult, 0, len(items))
	for _, item := range items {
		results = append(results, m.apply(item))
	}
	return results, nil
}

// apply must hold lock
func (m *Memory) apply(item types.SyncItem) types.SyncResult {
	if prev, ok := m.results[item.IdempotencyKey]; ok {
		prev.OperationID = item.OperationID
		return prev
	}

	res := types.SyncResult{OperationID: item.OperationID, IdempotencyKey: item.IdempotencyKey}
	if item.EntityID == "" || item.IdempotencyKey == "" {
		res.Status = types.OutcomeRejected
		res.Code = string(fault.KindValidation)
		res.Error = "entity id and idempotency key are required"
		return res
	}

	e := m.entities[item.EntityID]
	var current int64
	if e != nil {
		current = e.Version
	}
	if current > item.BaseVersion {
		res.Status = types.OutcomeConflict
		res.RemoteVersion = current
		res.Remote = e.Payload
		return res
	}

	if e == nil {
		e = &Entity{ID: item.EntityID}
		m.entities[item.EntityID] = e
	}
	e.Version = current + 1
	switch item.Type {
	case "delete":
		e.Deleted = true
		e.Payload = nil
	default:
		e.Deleted = false
		e.Payload = append(json.RawMessage(nil), item.Payload...)
	}

	res.Status = types.OutcomeApplied
	res.RemoteVersion = e.Version
	m.results[item.IdempotencyKey] = res
	m.applied[item.IdempotencyKey]++
	return res
}

// RefreshContext implements access.Refresher
func (m *Memory) RefreshContext(ctx context.Context, current access.AnnotationContext) (*access.AnnotationContext, error) {
	if m.ContextFor != nil {
		return m.ContextFor(current)
	}
	if current.User.ID == "" {
		return nil, errors.New("no user to refresh")
	}
	fresh := current.Clone()
	fresh.Timestamp = m.Now()
	return &fresh, nil
}

// Entity returns a copy of the stored entity
func (m *Memory) Entity(entityID string) (Entity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entities[entityID]
	if !ok {
		return Entity{}, false
	}
	return *e, true
}

// Applications returns how many times key took effect
func (m *Memory) Applications(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applied[key]
}

// Batches returns the number of SyncBatch calls
func (m *Memory) Batches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.batches
}
