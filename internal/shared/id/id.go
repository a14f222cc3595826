// Package id provides centralized ID generation for the bridge and sync layers.
//
// All identifiers are prefixed ULIDs:
//   - Lexicographic sortability: ids sort by creation time
//   - Prefixed types: msg_*, op_*, idem_*, cfl_* make logs readable
//   - Type safety: separate types prevent passing a message id as an
//     idempotency key
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// MessageID identifies a bridge message within a channel session
type MessageID string

// OperationID identifies a queued sync operation
type OperationID string

// IdempotencyKey makes a replayed operation apply at most once
type IdempotencyKey string

// ConflictID identifies a conflict awaiting manual resolution
type ConflictID string

const (
	MessagePrefix     = "msg"
	OperationPrefix   = "op"
	IdempotencyPrefix = "idem"
	ConflictPrefix    = "cfl"
	TracePrefix       = "trc"
	SpanPrefix        = "spn"
)

// Generator generates ULIDs with optional prefixes
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the singleton generator instance
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a generator backed by a monotonic reader over
// crypto/rand, so ids created within the same millisecond still sort
// in creation order.
func NewGenerator() *Generator {
	return &Generator{
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// NewGeneratorWithEntropy creates a generator with custom entropy source.
// Useful for testing with deterministic entropy.
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{
		entropy: entropy,
	}
}

// Generate creates a new ULID
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateWithPrefix creates a prefixed ULID string
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.Generate().String())
}

// NewMessageID generates a new bridge message ID
func NewMessageID() MessageID {
	return MessageID(Default().GenerateWithPrefix(MessagePrefix))
}

// NewOperationID generates a new sync operation ID
func NewOperationID() OperationID {
	return OperationID(Default().GenerateWithPrefix(OperationPrefix))
}

// NewIdempotencyKey generates a new client idempotency key
func NewIdempotencyKey() IdempotencyKey {
	return IdempotencyKey(Default().GenerateWithPrefix(IdempotencyPrefix))
}

// NewConflictID generates a new conflict ID
func NewConflictID() ConflictID {
	return ConflictID(Default().GenerateWithPrefix(ConflictPrefix))
}

func (id MessageID) String() string      { return string(id) }
func (id OperationID) String() string    { return string(id) }
func (id IdempotencyKey) String() string { return string(id) }
func (id ConflictID) String() string     { return string(id) }

// IsValid checks that an id is "<prefix>_<ULID>"
func IsValid(id, prefix string) bool {
	rest, ok := strings.CutPrefix(id, prefix+"_")
	if !ok {
		return false
	}
	_, err := ulid.Parse(rest)
	return err == nil
}

// Timestamp extracts the creation time from a prefixed id
func Timestamp(id string) (time.Time, error) {
	i := strings.LastIndexByte(id, '_')
	parsed, err := ulid.Parse(id[i+1:])
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}
