// Package ledger implements the append-only, hash-chained fact log that is
// the single source of truth for keys, records, permissions and emergency
// requests.
//
// Facts are grouped into partitions. Each partition is an independent chain:
// fact n carries the hash of fact n-1, and the partition head records the
// fact count and the hash of the last fact. Once appended a fact is never
// rewritten; any later modification is detected by Verify and by every read.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmcleod/medkey/errs"
	"github.com/jmcleod/medkey/storage"
)

const (
	factRecordType = "FACT"
	headRecordType = "HEAD"
	headRecordID   = "head"
)

// GenesisHash is the PrevHash of the first fact in every partition.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

var (
	ErrSequenceConflict = errs.Conflict("ledger head moved since it was read")
	ErrEmptyAppend      = errs.Validation("append requires at least one fact")
	ErrChainBroken      = errs.Integrity("ledger hash chain broken")
	ErrRollbackDetected = errs.Integrity("rollback detected: ledger head is older than the cached head")
	ErrForkDetected     = errs.Integrity("fork detected: ledger head hash differs from the cached head")
)

// Fact is one immutable ledger entry. Callers set Type, Actor and Data; the
// ledger assigns the rest on append.
type Fact struct {
	Seq       uint64          `json:"seq"`
	Partition string          `json:"partition"`
	Type      string          `json:"type"`
	Actor     string          `json:"actor,omitempty"`
	Data      json.RawMessage `json:"data"`
	At        string          `json:"at"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

// NewFact builds an unappended fact with data JSON-encoded.
func NewFact(typ, actor string, data any) (Fact, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Fact{}, fmt.Errorf("encoding %s fact: %w", typ, err)
	}
	return Fact{Type: typ, Actor: actor, Data: raw}, nil
}

// Decode unmarshals the fact payload into v.
func (f Fact) Decode(v any) error {
	if err := json.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("decoding %s fact %d: %w", f.Type, f.Seq, err)
	}
	return nil
}

// Time parses At. A fact that was never appended has no time and yields the
// zero time.
func (f Fact) Time() (time.Time, error) {
	if f.At == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, f.At)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s fact %d: bad timestamp %q: %w", f.Type, f.Seq, f.At, err)
	}
	return t, nil
}

type hashInput struct {
	Seq       uint64          `json:"seq"`
	Partition string          `json:"partition"`
	Type      string          `json:"type"`
	Actor     string          `json:"actor"`
	Data      json.RawMessage `json:"data"`
	At        string          `json:"at"`
	PrevHash  string          `json:"prev_hash"`
}

// ComputeHash returns SHA-256 over every field of f except Hash.
func (f Fact) ComputeHash() string {
	data, _ := json.Marshal(hashInput{
		Seq:       f.Seq,
		Partition: f.Partition,
		Type:      f.Type,
		Actor:     f.Actor,
		Data:      f.Data,
		At:        f.At,
		PrevHash:  f.PrevHash,
	})
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// Head identifies the tip of a partition. Seq is the number of facts; the
// zero Head is an empty partition.
type Head struct {
	Seq  uint64 `json:"seq"`
	Hash string `json:"hash"`
}

func (h Head) hash() string {
	if h.Seq == 0 {
		return GenesisHash
	}
	return h.Hash
}

// Ledger is the fact log on top of a storage.Repository.
type Ledger struct {
	repo    storage.Repository
	heads   HeadCache
	now     func() time.Time
	factKey []byte
	logger  *slog.Logger
}

// Option customizes a Ledger.
type Option func(*Ledger)

// WithHeadCache sets the cache used for rollback and fork detection.
func WithHeadCache(c HeadCache) Option {
	return func(l *Ledger) { l.heads = c }
}

// WithClock sets the time source used to stamp facts.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithFactKey seals every fact at rest with a partition key derived from
// master. Heads stay in the clear; they only carry counts and hashes.
func WithFactKey(master []byte) Option {
	return func(l *Ledger) { l.factKey = master }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// New returns a Ledger over repo. Without WithHeadCache an in-memory cache
// is used, which only detects rollbacks within the process lifetime.
func New(repo storage.Repository, opts ...Option) *Ledger {
	l := &Ledger{
		repo:   repo,
		now:    time.Now,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.heads == nil {
		l.heads = NewMemoryHeadCache()
	}
	return l
}

func factID(seq uint64) string {
	return fmt.Sprintf("%020d", seq)
}
