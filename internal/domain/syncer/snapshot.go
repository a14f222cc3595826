package syncer

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/bytedance/sonic"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AnnotationBridge/internal/shared/id"
)

const snapshotVersion = 1

type snapshotFile struct {
	Version      int                 `json:"version"`
	SavedAt      time.Time           `json:"savedAt"`
	Operations   []*Operation        `json:"operations"`
	Acknowledged []id.IdempotencyKey `json:"acknowledged,omitempty"`
}

// SaveSnapshot writes every unacknowledged operation, oldest first, as
// zstd-compressed JSON. Returns the number of operations written.
func (m *Manager) SaveSnapshot(w io.Writer) (int, error) {
	m.mu.Lock()
	ops := make([]*Operation, 0, len(m.inflight)+len(m.parked)+len(m.heldOps)+len(m.queue))
	for _, group := range [][]*Operation{m.inflight, m.parked} {
		for _, o := range group {
			ops = append(ops, o.clone())
		}
	}
	for _, c := range m.sortedHeldLocked() {
		ops = append(ops, m.heldOps[c].clone())
	}
	for _, o := range m.queue {
		ops = append(ops, o.clone())
	}
	acked := append([]id.IdempotencyKey(nil), m.ackOrder...)
	m.mu.Unlock()

	data, err := sonic.ConfigStd.Marshal(snapshotFile{
		Version:      snapshotVersion,
		SavedAt:      m.now(),
		Operations:   ops,
		Acknowledged: acked,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to encode snapshot: %w", err)
	}

	enc, err := zstd.NewWriter(w)
	if err != nil {
		return 0, fmt.Errorf("failed to create zstd writer: %w", err)
	}
	if _, err := enc.Write(data); err != nil {
		enc.Close()
		return 0, fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := enc.Close(); err != nil {
		return 0, fmt.Errorf("failed to flush snapshot: %w", err)
	}
	return len(ops), nil
}

func (m *Manager) sortedHeldLocked() []id.ConflictID {
	ids := make([]id.ConflictID, 0, len(m.heldOps))
	for cid := range m.heldOps {
		ids = append(ids, cid)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// LoadSnapshot restores operations written by SaveSnapshot ahead of any
// work queued since. Operations whose key is already known are skipped.
func (m *Manager) LoadSnapshot(r io.Reader) (int, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("failed to create zstd reader: %w", err)
	}
	defer dec.Close()

	data, err := io.ReadAll(dec)
	if err != nil {
		return 0, fmt.Errorf("failed to read snapshot: %w", err)
	}
	var snap snapshotFile
	if err := sonic.ConfigStd.Unmarshal(data, &snap); err != nil {
		return 0, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	if snap.Version != snapshotVersion {
		return 0, fmt.Errorf("unsupported snapshot version %d", snap.Version)
	}

	now := m.now()
	m.mu.Lock()
	for _, k := range snap.Acknowledged {
		if _, ok := m.acked[k]; !ok {
			m.acked[k] = ""
			m.ackOrder = append(m.ackOrder, k)
		}
	}

	restored := make([]*Operation, 0, len(snap.Operations))
	for _, o := range snap.Operations {
		if o == nil || o.ID == "" || o.IdempotencyKey == "" {
			continue
		}
		if _, ok := m.acked[o.IdempotencyKey]; ok {
			continue
		}
		if _, ok := m.keys[o.IdempotencyKey]; ok {
			continue
		}
		policy, err := PolicyByName(o.Policy)
		if err != nil {
			m.logger.Warn("Restoring operation with default policy",
				zap.String("operation_id", o.ID.String()),
				zap.Error(err))
			policy = m.opts.DefaultPolicy
		}
		o.policy = policy
		o.Policy = policy.Name()

		// Anything not waiting on a resend starts over as a new attempt
		if o.Status != StatusQueued && o.Status != StatusConflicted {
			o.Attempt++
			o.Status = StatusQueued
		}
		o.Retryable = false
		o.UpdatedAt = now
		m.keys[o.IdempotencyKey] = o
		restored = append(restored, o)
	}
	m.queue = append(restored, m.queue...)
	evicted := m.enforceBound()
	depth := len(m.queue)
	m.mu.Unlock()

	m.metrics.SetQueueDepth(depth)
	m.reportEvictions(evicted, depth)
	m.logger.Info("Sync snapshot restored",
		zap.Int("operations", len(restored)),
		zap.Time("saved_at", snap.SavedAt))
	return len(restored), nil
}

// SaveSnapshotFile writes the snapshot atomically to path
func (m *Manager) SaveSnapshotFile(path string) (int, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".sync-snapshot-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create snapshot file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := m.SaveSnapshot(tmp)
	if err != nil {
		tmp.Close()
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("failed to close snapshot file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return 0, fmt.Errorf("failed to move snapshot into place: %w", err)
	}
	return n, nil
}

// LoadSnapshotFile restores from path. A missing file restores nothing.
func (m *Manager) LoadSnapshotFile(path string) (int, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer f.Close()
	return m.LoadSnapshot(f)
}
