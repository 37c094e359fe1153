// Package store keeps an audit record of every publish attempt.
//
// Records are written after a run concludes and are never read to decide
// whether a run should happen. They let an operator answer "what happened to
// this file" after the source has been deleted.
//
// The DynamoDB layout is a single table: all attempts for one source object
// share a partition key (ASSET#{path}) and each run gets its own sort key
// (RUN#{startedAt}#{runId}). A TTL attribute (expiresAt) removes records
// after AttemptTTL.
package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// AttemptTTL is how long attempt records are kept.
const AttemptTTL = 30 * 24 * time.Hour

// Ledger records publish attempts.
type Ledger interface {
	// PutAttempt creates or replaces an attempt record.
	PutAttempt(ctx context.Context, a *Attempt) error

	// ListAttempts returns every attempt for a source path, oldest first.
	ListAttempts(ctx context.Context, assetPath string) ([]Attempt, error)
}

// Attempt is one run's record for one source object.
type Attempt struct {
	RunID     string `json:"runId" dynamodbav:"runId"`
	Account   string `json:"account" dynamodbav:"account"`
	AssetPath string `json:"assetPath" dynamodbav:"assetPath"`
	AssetName string `json:"assetName" dynamodbav:"assetName"`
	Kind      string `json:"kind" dynamodbav:"kind"`
	SizeBytes int64  `json:"sizeBytes" dynamodbav:"sizeBytes"`
	StartedAt int64  `json:"startedAt" dynamodbav:"startedAt"`
	// DurationMs is the whole run, conditioning and polling included.
	DurationMs int64 `json:"durationMs" dynamodbav:"durationMs"`
	Success    bool  `json:"success" dynamodbav:"success"`

	Deleted     bool   `json:"deleted" dynamodbav:"deleted"`
	DeleteError string `json:"deleteError,omitempty" dynamodbav:"deleteError,omitempty"`

	Legs []LegRecord `json:"legs" dynamodbav:"legs"`
}

// LegRecord is one platform's result inside an attempt.
type LegRecord struct {
	Platform    string `json:"platform" dynamodbav:"platform"`
	Required    bool   `json:"required" dynamodbav:"required"`
	Attempted   bool   `json:"attempted" dynamodbav:"attempted"`
	State       string `json:"state" dynamodbav:"state"`
	Product     string `json:"product,omitempty" dynamodbav:"product,omitempty"`
	CreationID  string `json:"creationId,omitempty" dynamodbav:"creationId,omitempty"`
	PublishedID string `json:"publishedId,omitempty" dynamodbav:"publishedId,omitempty"`
	ErrorKind   string `json:"errorKind,omitempty" dynamodbav:"errorKind,omitempty"`
	ErrorCode   int    `json:"errorCode,omitempty" dynamodbav:"errorCode,omitempty"`
	Error       string `json:"error,omitempty" dynamodbav:"error,omitempty"`
}

// MemoryLedger is an in-process Ledger for the CLI's dry runs and for tests.
type MemoryLedger struct {
	mu       sync.Mutex
	attempts map[string]map[string]Attempt
}

var _ Ledger = (*MemoryLedger)(nil)

// NewMemoryLedger returns an empty MemoryLedger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{attempts: make(map[string]map[string]Attempt)}
}

func (m *MemoryLedger) PutAttempt(_ context.Context, a *Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	runs, ok := m.attempts[a.AssetPath]
	if !ok {
		runs = make(map[string]Attempt)
		m.attempts[a.AssetPath] = runs
	}
	runs[a.RunID] = *a
	return nil
}

func (m *MemoryLedger) ListAttempts(_ context.Context, assetPath string) ([]Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Attempt
	for _, a := range m.attempts[assetPath] {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt != out[j].StartedAt {
			return out[i].StartedAt < out[j].StartedAt
		}
		return out[i].RunID < out[j].RunID
	})
	return out, nil
}
