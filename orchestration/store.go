package orchestration

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/weftworks/weft/core"
)

// Store persists workflow templates as one JSON document per template under
// a root directory and serves similarity lookups over them. The in-memory
// index is guarded by a RWMutex; every write path re-persists the template
// document under the write lock, which also serializes writes per template.
//
// Store write failures are StoreIO errors: callers log them and keep going,
// a broken disk never aborts a session.
type Store struct {
	root    string
	catalog *Catalog
	logger  core.Logger

	mu    sync.RWMutex
	index map[string]*WorkflowTemplate
}

// ScoredTemplate is a similarity hit.
type ScoredTemplate struct {
	Template *WorkflowTemplate `json:"template"`
	Score    float64           `json:"score"`
}

// StoreStats summarizes the template corpus for /api/v1/stats.
type StoreStats struct {
	TotalTemplates int            `json:"totalTemplates"`
	TotalUsage     int            `json:"totalUsage"`
	AvgSuccessRate float64        `json:"avgSuccessRate"`
	ByCategory     map[string]int `json:"byCategory"`
}

// templateDocument is the on-disk shape: metadata plus the step and edge
// lists under the original "nodes"/"connections" keys.
type templateDocument struct {
	Metadata     templateMetadata       `json:"metadata"`
	Nodes        []Step                 `json:"nodes"`
	Connections  []Edge                 `json:"connections"`
	SharedSchema map[string]interface{} `json:"sharedStoreSchema,omitempty"`
}

type templateMetadata struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Description     string    `json:"description"`
	QuestionPattern string    `json:"questionPattern"`
	SuccessRate     float64   `json:"successRate"`
	UsageCount      int       `json:"usageCount"`
	CreatedAt       time.Time `json:"createdAt"`
	LastUsedAt      time.Time `json:"lastUsedAt"`
	Tags            []string  `json:"tags,omitempty"`
	Feedback        []string  `json:"feedback,omitempty"`
}

// NewStore opens the template store rooted at dir, creating it when absent
// and loading every readable template document. Unreadable documents are
// logged and skipped; they never block startup.
func NewStore(dir string, catalog *Catalog, logger core.Logger) (*Store, error) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, NewError("store.New", KindStoreIO,
			fmt.Errorf("create store root %s: %w", dir, err))
	}

	s := &Store{
		root:    dir,
		catalog: catalog,
		logger:  logger,
		index:   make(map[string]*WorkflowTemplate),
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, NewError("store.New", KindStoreIO,
			fmt.Errorf("read store root %s: %w", dir, err))
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		tmpl, err := readTemplateDocument(filepath.Join(dir, entry.Name()))
		if err != nil {
			s.logger.Warn("Skipping unreadable template document", map[string]interface{}{
				"operation": "store_load",
				"file":      entry.Name(),
				"error":     err.Error(),
			})
			continue
		}
		s.index[tmpl.ID] = tmpl
	}

	s.logger.Info("Workflow store opened", map[string]interface{}{
		"operation": "store_open",
		"root":      dir,
		"templates": len(s.index),
	})
	return s, nil
}

// Save validates and persists a template. Identical plans share a content
// hash and coalesce: saving an id that already exists leaves the stored
// template and its statistics untouched.
func (s *Store) Save(tmpl *WorkflowTemplate) error {
	if err := tmpl.Validate(); err != nil {
		return err
	}
	for _, step := range tmpl.Steps {
		if !s.catalog.Has(step.NodeName) {
			return StepError("store.Save", KindInvalidInput, step.StepName,
				fmt.Errorf("node %q: %w", step.NodeName, core.ErrNodeNotFound))
		}
	}

	if tmpl.ID == "" {
		tmpl.Seal()
	}
	now := time.Now().UTC()
	if tmpl.CreatedAt.IsZero() {
		tmpl.CreatedAt = now
	}
	if tmpl.LastUsedAt.IsZero() {
		tmpl.LastUsedAt = now
	}
	if tmpl.SuccessRate == 0 && tmpl.UsageCount == 0 {
		// A fresh template starts trusted; outcomes move the rate from
		// there.
		tmpl.SuccessRate = 1.0
	}
	if len(tmpl.Tags) == 0 {
		tmpl.Tags = tmpl.DeriveTags(s.catalog)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.index[tmpl.ID]; ok {
		s.logger.Debug("Template already stored, coalescing", map[string]interface{}{
			"operation":   "store_save",
			"template_id": existing.ID,
			"usage_count": existing.UsageCount,
		})
		return nil
	}

	stored := tmpl.clone()
	if err := s.persist(stored); err != nil {
		return err
	}
	s.index[stored.ID] = stored

	s.logger.Info("Template saved", map[string]interface{}{
		"operation":   "store_save",
		"template_id": stored.ID,
		"name":        stored.Name,
		"steps":       len(stored.Steps),
	})
	return nil
}

// Get returns a copy of the stored template.
func (s *Store) Get(id string) (*WorkflowTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tmpl, ok := s.index[id]
	if !ok {
		return nil, fmt.Errorf("template %q: %w", id, core.ErrTemplateNotFound)
	}
	return tmpl.clone(), nil
}

// Delete removes a template from the index and the disk.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[id]; !ok {
		return fmt.Errorf("template %q: %w", id, core.ErrTemplateNotFound)
	}
	delete(s.index, id)
	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return NewError("store.Delete", KindStoreIO,
			fmt.Errorf("remove template %s: %w", id, err))
	}
	return nil
}

// List returns copies of every stored template, newest first.
func (s *Store) List() []*WorkflowTemplate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*WorkflowTemplate, 0, len(s.index))
	for _, tmpl := range s.index {
		out = append(out, tmpl.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// FindSimilar scores every stored template's question pattern against the
// question by token-set overlap and returns the top k hits. Ties break by
// success rate, then usage count, then recency. Zero-overlap templates are
// not returned.
func (s *Store) FindSimilar(question string, k int) []ScoredTemplate {
	if k <= 0 {
		return nil
	}
	queryTokens := tokenize(question)
	if len(queryTokens) == 0 {
		return nil
	}

	s.mu.RLock()
	var scored []ScoredTemplate
	for _, tmpl := range s.index {
		score := jaccard(queryTokens, tokenize(tmpl.QuestionPattern))
		if score <= 0 {
			continue
		}
		scored = append(scored, ScoredTemplate{Template: tmpl.clone(), Score: score})
	}
	s.mu.RUnlock()

	sort.Slice(scored, func(i, j int) bool {
		a, b := scored[i], scored[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Template.SuccessRate != b.Template.SuccessRate {
			return a.Template.SuccessRate > b.Template.SuccessRate
		}
		if a.Template.UsageCount != b.Template.UsageCount {
			return a.Template.UsageCount > b.Template.UsageCount
		}
		return a.Template.LastUsedAt.After(b.Template.LastUsedAt)
	})

	if len(scored) > k {
		scored = scored[:k]
	}
	return scored
}

// RecordOutcome folds a run outcome into the template's statistics:
// usage count increments and the success rate moves by exponential moving
// average with weight 0.3 on the new outcome.
func (s *Store) RecordOutcome(id string, success bool) error {
	outcome := 0.0
	if success {
		outcome = 1.0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tmpl, ok := s.index[id]
	if !ok {
		return fmt.Errorf("template %q: %w", id, core.ErrTemplateNotFound)
	}

	tmpl.UsageCount++
	tmpl.SuccessRate = 0.7*tmpl.SuccessRate + 0.3*outcome
	tmpl.LastUsedAt = time.Now().UTC()

	if err := s.persist(tmpl); err != nil {
		return err
	}
	s.logger.Debug("Template outcome recorded", map[string]interface{}{
		"operation":    "store_record_outcome",
		"template_id":  id,
		"success":      success,
		"usage_count":  tmpl.UsageCount,
		"success_rate": tmpl.SuccessRate,
	})
	return nil
}

// RecordUsage increments usage and refreshes recency without touching the
// success rate. This is the permission-denial path: the user saying no is
// not evidence against the workflow.
func (s *Store) RecordUsage(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tmpl, ok := s.index[id]
	if !ok {
		return fmt.Errorf("template %q: %w", id, core.ErrTemplateNotFound)
	}

	tmpl.UsageCount++
	tmpl.LastUsedAt = time.Now().UTC()
	return s.persist(tmpl)
}

// AppendFeedback attaches free-form user feedback to a stored template.
func (s *Store) AppendFeedback(id, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tmpl, ok := s.index[id]
	if !ok {
		return fmt.Errorf("template %q: %w", id, core.ErrTemplateNotFound)
	}

	tmpl.Feedback = append(tmpl.Feedback, text)
	return s.persist(tmpl)
}

// Stats summarizes the corpus.
func (s *Store) Stats() StoreStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := StoreStats{
		TotalTemplates: len(s.index),
		ByCategory:     make(map[string]int),
	}
	var rateSum float64
	for _, tmpl := range s.index {
		stats.TotalUsage += tmpl.UsageCount
		rateSum += tmpl.SuccessRate
		for _, tag := range tmpl.Tags {
			stats.ByCategory[tag]++
		}
	}
	if stats.TotalTemplates > 0 {
		stats.AvgSuccessRate = rateSum / float64(stats.TotalTemplates)
	}
	return stats
}

func (s *Store) path(id string) string {
	return filepath.Join(s.root, id+".json")
}

// persist writes the template document via a temp file and rename so a
// crash mid-write never leaves a torn document behind.
func (s *Store) persist(tmpl *WorkflowTemplate) error {
	doc := templateDocument{
		Metadata: templateMetadata{
			ID:              tmpl.ID,
			Name:            tmpl.Name,
			Description:     tmpl.Description,
			QuestionPattern: tmpl.QuestionPattern,
			SuccessRate:     tmpl.SuccessRate,
			UsageCount:      tmpl.UsageCount,
			CreatedAt:       tmpl.CreatedAt,
			LastUsedAt:      tmpl.LastUsedAt,
			Tags:            tmpl.Tags,
			Feedback:        tmpl.Feedback,
		},
		Nodes:        tmpl.Steps,
		Connections:  tmpl.Edges,
		SharedSchema: tmpl.SharedSchema,
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return NewError("store.persist", KindStoreIO,
			fmt.Errorf("marshal template %s: %w", tmpl.ID, err))
	}

	tmp, err := os.CreateTemp(s.root, tmpl.ID+".*.tmp")
	if err != nil {
		return NewError("store.persist", KindStoreIO,
			fmt.Errorf("create temp for template %s: %w", tmpl.ID, err))
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return NewError("store.persist", KindStoreIO,
			fmt.Errorf("write template %s: %w", tmpl.ID, err))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return NewError("store.persist", KindStoreIO,
			fmt.Errorf("close template %s: %w", tmpl.ID, err))
	}
	if err := os.Rename(tmpName, s.path(tmpl.ID)); err != nil {
		os.Remove(tmpName)
		return NewError("store.persist", KindStoreIO,
			fmt.Errorf("rename template %s: %w", tmpl.ID, err))
	}
	return nil
}

func readTemplateDocument(path string) (*WorkflowTemplate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc templateDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc.Metadata.ID == "" {
		return nil, fmt.Errorf("document %s has no template id", filepath.Base(path))
	}
	return &WorkflowTemplate{
		ID:              doc.Metadata.ID,
		Name:            doc.Metadata.Name,
		Description:     doc.Metadata.Description,
		QuestionPattern: doc.Metadata.QuestionPattern,
		Steps:           doc.Nodes,
		Edges:           doc.Connections,
		SharedSchema:    doc.SharedSchema,
		SuccessRate:     doc.Metadata.SuccessRate,
		UsageCount:      doc.Metadata.UsageCount,
		CreatedAt:       doc.Metadata.CreatedAt,
		LastUsedAt:      doc.Metadata.LastUsedAt,
		Tags:            doc.Metadata.Tags,
		Feedback:        doc.Metadata.Feedback,
	}, nil
}

// clone copies a template deeply enough that callers can hold it outside
// the store lock.
func (t *WorkflowTemplate) clone() *WorkflowTemplate {
	c := *t
	c.Steps = make([]Step, len(t.Steps))
	for i, s := range t.Steps {
		cs := s
		if s.BoundInputs != nil {
			cs.BoundInputs = make(map[string]string, len(s.BoundInputs))
			for k, v := range s.BoundInputs {
				cs.BoundInputs[k] = v
			}
		}
		cs.DeclaredOutputs = append([]string(nil), s.DeclaredOutputs...)
		c.Steps[i] = cs
	}
	c.Edges = append([]Edge(nil), t.Edges...)
	c.Tags = append([]string(nil), t.Tags...)
	c.Feedback = append([]string(nil), t.Feedback...)
	if t.SharedSchema != nil {
		c.SharedSchema = make(map[string]interface{}, len(t.SharedSchema))
		for k, v := range t.SharedSchema {
			c.SharedSchema[k] = v
		}
	}
	return &c
}

// tokenize lowercases and splits on anything that is not a letter or
// digit, returning the token set.
func tokenize(s string) map[string]bool {
	tokens := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	set := make(map[string]bool, len(tokens))
	for _, tok := range tokens {
		set[tok] = true
	}
	return set
}

// jaccard computes intersection over union of two token sets.
func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	for tok := range a {
		if b[tok] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}
