package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/weftworks/weft/core"
)

// StoredRun is the durable record of one workflow run: what was asked, what
// each step produced, and how the run ended. Served by /api/v1/runs.
type StoredRun struct {
	RunID       string            `json:"runId"`
	SessionID   string            `json:"sessionId"`
	TemplateID  string            `json:"templateId"`
	Question    string            `json:"question"`
	StepResults map[string]Result `json:"stepResults,omitempty"`
	Status      string            `json:"status"`
	ErrorKind   string            `json:"errorKind,omitempty"`
	StartedAt   time.Time         `json:"startedAt"`
	DurationMS  int64             `json:"durationMs"`
}

// RunSummary is the lightweight listing shape. Full step results stay on the
// record; listings never load them into the response.
type RunSummary struct {
	RunID      string    `json:"runId"`
	SessionID  string    `json:"sessionId"`
	TemplateID string    `json:"templateId"`
	Question   string    `json:"question"`
	Status     string    `json:"status"`
	StepCount  int       `json:"stepCount"`
	StartedAt  time.Time `json:"startedAt"`
	DurationMS int64     `json:"durationMs"`
}

// StorageProvider abstracts the key-value-plus-sorted-index backend the run
// store writes through. Redis implements the index with sorted sets; the
// in-memory provider with a map of scores. Method names are deliberately
// backend-neutral.
type StorageProvider interface {
	// Get retrieves a value. Missing keys return "" and a nil error.
	Get(ctx context.Context, key string) (string, error)

	// Set stores a value with a TTL. Zero means no expiration.
	Set(ctx context.Context, key string, value string, ttl time.Duration) error

	// Del deletes keys.
	Del(ctx context.Context, keys ...string) error

	// Exists reports whether a key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// AddToIndex adds a member with a score to a sorted index. Scores here
	// are timestamps, so the index orders records by time.
	AddToIndex(ctx context.Context, key string, score float64, member string) error

	// ListByScoreDesc pages through an index highest-score-first. min and
	// max accept "-inf" and "+inf".
	ListByScoreDesc(ctx context.Context, key string, min, max string, offset, count int64) ([]string, error)

	// RemoveFromIndex drops members from a sorted index.
	RemoveFromIndex(ctx context.Context, key string, members ...string) error
}

// RunStoreConfig tunes run retention.
type RunStoreConfig struct {
	// TTL retains successful runs. Default 24h.
	TTL time.Duration

	// ErrorTTL retains failed and cancelled runs longer, since those are
	// the ones someone comes back to inspect. Default 7 days.
	ErrorTTL time.Duration

	// KeyPrefix namespaces every key. Default "weft:run".
	KeyPrefix string
}

// RunStore persists run records through a StorageProvider and serves the
// recent-runs listing. Safe for concurrent use when the provider is.
type RunStore struct {
	provider StorageProvider
	cfg      RunStoreConfig
	logger   core.Logger
}

// NewRunStore creates a RunStore. Zero config fields take defaults.
func NewRunStore(provider StorageProvider, cfg RunStoreConfig, logger core.Logger) *RunStore {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.ErrorTTL <= 0 {
		cfg.ErrorTTL = 7 * 24 * time.Hour
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "weft:run"
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &RunStore{provider: provider, cfg: cfg, logger: logger}
}

func (s *RunStore) recordKey(runID string) string {
	return s.cfg.KeyPrefix + ":" + runID
}

func (s *RunStore) indexKey() string {
	return s.cfg.KeyPrefix + ":index"
}

// Record stores one finished run. An index write failure is logged and
// swallowed; the record itself is the source of truth, the index only feeds
// listings.
func (s *RunStore) Record(ctx context.Context, run *StoredRun) error {
	if run == nil || run.RunID == "" {
		return NewError("runstore.record", KindStoreIO, fmt.Errorf("run id is required"))
	}

	data, err := json.Marshal(run)
	if err != nil {
		return NewError("runstore.record", KindStoreIO, fmt.Errorf("marshal run %s: %w", run.RunID, err))
	}

	ttl := s.cfg.TTL
	if run.Status != EndStatusOK {
		ttl = s.cfg.ErrorTTL
	}

	if err := s.provider.Set(ctx, s.recordKey(run.RunID), string(data), ttl); err != nil {
		return NewError("runstore.record", KindStoreIO, fmt.Errorf("store run %s: %w", run.RunID, err))
	}

	score := float64(run.StartedAt.UnixNano())
	if err := s.provider.AddToIndex(ctx, s.indexKey(), score, run.RunID); err != nil {
		s.logger.WarnWithContext(ctx, "Failed to index run", map[string]interface{}{
			"operation": "runstore",
			"run_id":    run.RunID,
			"error":     err.Error(),
		})
	}
	return nil
}

// Get loads one run record.
func (s *RunStore) Get(ctx context.Context, runID string) (*StoredRun, error) {
	if runID == "" {
		return nil, NewError("runstore.get", KindStoreIO, fmt.Errorf("run id is required"))
	}
	data, err := s.provider.Get(ctx, s.recordKey(runID))
	if err != nil {
		return nil, NewError("runstore.get", KindStoreIO, err)
	}
	if data == "" {
		return nil, NewError("runstore.get", KindStoreIO, fmt.Errorf("run %s not found", runID))
	}
	var run StoredRun
	if err := json.Unmarshal([]byte(data), &run); err != nil {
		return nil, NewError("runstore.get", KindStoreIO, fmt.Errorf("unmarshal run %s: %w", runID, err))
	}
	return &run, nil
}

// ListRecent returns summaries newest first. Index entries whose records
// expired are cleaned up as they are discovered.
func (s *RunStore) ListRecent(ctx context.Context, limit int) ([]RunSummary, error) {
	const maxLimit = 1000
	if limit <= 0 {
		limit = 50
	} else if limit > maxLimit {
		limit = maxLimit
	}

	runIDs, err := s.provider.ListByScoreDesc(ctx, s.indexKey(), "-inf", "+inf", 0, int64(limit))
	if err != nil {
		return nil, NewError("runstore.list", KindStoreIO, err)
	}

	summaries := make([]RunSummary, 0, len(runIDs))
	for _, runID := range runIDs {
		run, err := s.Get(ctx, runID)
		if err != nil {
			// Expired record, stale index entry.
			_ = s.provider.RemoveFromIndex(ctx, s.indexKey(), runID)
			continue
		}
		summaries = append(summaries, RunSummary{
			RunID:      run.RunID,
			SessionID:  run.SessionID,
			TemplateID: run.TemplateID,
			Question:   run.Question,
			Status:     run.Status,
			StepCount:  len(run.StepResults),
			StartedAt:  run.StartedAt,
			DurationMS: run.DurationMS,
		})
	}
	return summaries, nil
}
