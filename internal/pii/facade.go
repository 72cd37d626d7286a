package pii

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/raaihank/pii-sentinel/internal/detect"
	"github.com/raaihank/pii-sentinel/internal/pattern"
	"github.com/raaihank/pii-sentinel/internal/recognizer"
	"github.com/raaihank/pii-sentinel/internal/rules"
)

// ErrNotInitialized is returned when detection is requested before Init
// has completed. Init is performed once by the composition root; this
// error past startup indicates a programming error, not a runtime state
// to recover from.
var ErrNotInitialized = errors.New("pii service not initialized")

// Service is the public, thread-safe entry point for PII detection and
// rule management. Rule mutations go through the store's write lock;
// detections run lock-free against an atomically published registry
// keyed by rule generation, so arbitrarily many detections proceed in
// parallel with mutations.
type Service struct {
	store       *rules.Store
	patterns    *pattern.Cache
	engine      *detect.Engine
	statistical recognizer.Statistical
	logger      *zap.Logger

	registry    atomic.Pointer[recognizer.Registry]
	initialized atomic.Bool
}

// New wires the service from explicitly constructed parts. Nothing is
// lazily initialized on first use; call Init before serving requests.
func New(store *rules.Store, patterns *pattern.Cache, engine *detect.Engine, statistical recognizer.Statistical, logger *zap.Logger) *Service {
	return &Service{
		store:       store,
		patterns:    patterns,
		engine:      engine,
		statistical: statistical,
		logger:      logger,
	}
}

// Init loads persisted rules and builds the initial registry. A missing
// or corrupt rules file is not fatal; detection continues with the
// statistical recognizer only.
func (s *Service) Init() error {
	if err := s.store.Load(); err != nil {
		return fmt.Errorf("failed to load rules: %w", err)
	}
	snapshot, generation := s.store.Snapshot()
	s.registry.Store(recognizer.BuildRegistry(snapshot, generation, s.statistical, s.patterns, s.logger))
	s.initialized.Store(true)

	s.logger.Info("PII service initialized",
		zap.Int("rules", len(snapshot)),
		zap.Uint64("generation", generation))
	return nil
}

// currentRegistry returns a registry for the current rule generation,
// rebuilding at most once per generation change. Concurrent detections
// that observe a stale registry race to rebuild it; the result is
// idempotent, so the last writer winning is harmless.
func (s *Service) currentRegistry() *recognizer.Registry {
	generation := s.store.Generation()
	if reg := s.registry.Load(); reg != nil && reg.Generation() == generation {
		return reg
	}

	snapshot, generation := s.store.Snapshot()
	reg := recognizer.BuildRegistry(snapshot, generation, s.statistical, s.patterns, s.logger)
	s.registry.Store(reg)
	return reg
}

// Detect runs one detection pass over the text. A statistical
// recognizer failure returns the partial custom-rule result together
// with a *detect.StatisticalError.
func (s *Service) Detect(ctx context.Context, text, language string) (*detect.Result, error) {
	if !s.initialized.Load() {
		return nil, ErrNotInitialized
	}
	return s.engine.Detect(ctx, s.currentRegistry(), text, language, nil)
}

// BatchResult aggregates detection over a list of texts.
type BatchResult struct {
	IsSafe        bool             `json:"is_safe"`
	Results       []*detect.Result `json:"results"`
	TotalEntities int              `json:"total_entities"`
	EntityTypes   []string         `json:"entity_types"`
	RiskLevel     string           `json:"risk_level"`
}

// BatchDetect runs detection over each text; entities are tagged with
// the index of the text that produced them. All texts are scanned with
// the same registry snapshot so the batch is internally consistent.
func (s *Service) BatchDetect(ctx context.Context, texts []string, language string) (*BatchResult, error) {
	if !s.initialized.Load() {
		return nil, ErrNotInitialized
	}
	reg := s.currentRegistry()

	batch := &BatchResult{IsSafe: true}
	var all []detect.Entity
	seenTypes := make(map[string]bool)

	for i, text := range texts {
		result, err := s.engine.Detect(ctx, reg, text, language, nil)
		if err != nil {
			var statErr *detect.StatisticalError
			if !errors.As(err, &statErr) {
				return nil, err
			}
			// Partial result; keep going with the rest of the batch.
		}
		for j := range result.Entities {
			result.Entities[j].Line = i
		}
		batch.Results = append(batch.Results, result)
		batch.TotalEntities += len(result.Entities)
		if !result.IsSafe {
			batch.IsSafe = false
		}
		for _, t := range result.Analysis.EntityTypes {
			if !seenTypes[t] {
				seenTypes[t] = true
				batch.EntityTypes = append(batch.EntityTypes, t)
			}
		}
		all = append(all, result.Entities...)
	}

	batch.RiskLevel = detect.ScoreRisk(all)
	return batch, nil
}

// Preview runs detection against the committed rules plus a transient
// overlay. The overlay registry is scoped to this call: persisted
// state, the generation counter, and the live registry are untouched
// no matter how the call ends.
func (s *Service) Preview(ctx context.Context, text, language string, temporary []rules.Rule) (*detect.Result, error) {
	if !s.initialized.Load() {
		return nil, ErrNotInitialized
	}

	snapshot, generation := s.store.Snapshot()
	overlay := make([]rules.Rule, 0, len(snapshot)+len(temporary))
	overlay = append(overlay, snapshot...)

	for _, r := range temporary {
		if r.ID == "" {
			r.ID = "temp-" + uuid.NewString()
		}
		rules.ApplyDefaults(&r)
		if err := rules.Validate(&r); err != nil {
			return nil, err
		}
		overlay = append(overlay, r)
	}

	reg := recognizer.BuildRegistry(overlay, generation, s.statistical, s.patterns, s.logger)
	result, err := s.engine.Detect(ctx, reg, text, language, nil)
	if result != nil {
		result.PreviewOnly = true
	}
	return result, err
}

// GetRules returns all rules, enabled or not.
func (s *Service) GetRules() []rules.Rule {
	return s.store.List()
}

// GetRule returns a rule by id.
func (s *Service) GetRule(id string) (rules.Rule, error) {
	rule, ok := s.store.Get(id)
	if !ok {
		return rules.Rule{}, &rules.NotFoundError{ID: id}
	}
	return rule, nil
}

// AddRule validates and inserts a new rule. Adding an id that already
// exists is a validation error; use UpdateRule to change a rule.
func (s *Service) AddRule(rule rules.Rule) (rules.Rule, error) {
	if _, exists := s.store.Get(rule.ID); exists {
		return rules.Rule{}, &rules.ValidationError{RuleID: rule.ID, Field: "id", Reason: "already exists"}
	}
	added, err := s.store.Upsert(rule)
	if err != nil {
		return rules.Rule{}, err
	}
	s.logger.Info("Rule added", zap.String("rule_id", added.ID))
	return added, nil
}

// RulePatch carries the mutable fields of a rule; nil fields are left
// unchanged.
type RulePatch struct {
	Name          *string  `json:"name,omitempty"`
	Pattern       *string  `json:"pattern,omitempty"`
	Description   *string  `json:"description,omitempty"`
	EntityType    *string  `json:"entity_type,omitempty"`
	Category      *string  `json:"category,omitempty"`
	Country       *string  `json:"country,omitempty"`
	Language      *string  `json:"language,omitempty"`
	Enabled       *bool    `json:"enabled,omitempty"`
	MaskingMethod *string  `json:"masking_method,omitempty"`
	Confidence    *float64 `json:"confidence,omitempty"`
}

// UpdateRule applies a patch to an existing rule.
func (s *Service) UpdateRule(id string, patch RulePatch) (rules.Rule, error) {
	rule, ok := s.store.Get(id)
	if !ok {
		return rules.Rule{}, &rules.NotFoundError{ID: id}
	}

	if patch.Name != nil {
		rule.Name = *patch.Name
	}
	if patch.Pattern != nil {
		rule.Pattern = *patch.Pattern
	}
	if patch.Description != nil {
		rule.Description = *patch.Description
	}
	if patch.EntityType != nil {
		rule.EntityType = *patch.EntityType
	}
	if patch.Category != nil {
		rule.Category = *patch.Category
	}
	if patch.Country != nil {
		rule.Country = *patch.Country
	}
	if patch.Language != nil {
		rule.Language = *patch.Language
	}
	if patch.Enabled != nil {
		rule.Enabled = *patch.Enabled
	}
	if patch.MaskingMethod != nil {
		rule.MaskingMethod = *patch.MaskingMethod
	}
	if patch.Confidence != nil {
		rule.Confidence = *patch.Confidence
	}

	updated, err := s.store.Upsert(rule)
	if err != nil {
		return rules.Rule{}, err
	}
	s.logger.Info("Rule updated", zap.String("rule_id", id))
	return updated, nil
}

// DeleteRule removes a rule by id.
func (s *Service) DeleteRule(id string) error {
	if err := s.store.Delete(id); err != nil {
		return err
	}
	s.logger.Info("Rule deleted", zap.String("rule_id", id))
	return nil
}

// BulkReport describes the outcome of a bulk rule replacement.
type BulkReport struct {
	Applied  []rules.Rule     `json:"applied"`
	Rejected []rules.Rejected `json:"rejected"`
}

// BulkUpdateRules replaces the whole rule set. Invalid rules are
// rejected and reported while the remaining valid rules are applied.
func (s *Service) BulkUpdateRules(replacement []rules.Rule) (*BulkReport, error) {
	applied, rejected, err := s.store.ReplaceAll(replacement)
	report := &BulkReport{Applied: applied, Rejected: rejected}
	if err != nil {
		return report, err
	}
	s.logger.Info("Rules bulk updated",
		zap.Int("applied", len(applied)),
		zap.Int("rejected", len(rejected)))
	return report, nil
}

// ReloadRules re-reads persisted rules. The generation bump forces a
// registry rebuild on the next detection.
func (s *Service) ReloadRules() error {
	if err := s.store.Load(); err != nil {
		return err
	}
	s.logger.Info("Rules reloaded", zap.Uint64("generation", s.store.Generation()))
	return nil
}

// Generation exposes the current rule generation, used for cache keys.
func (s *Service) Generation() uint64 {
	return s.store.Generation()
}

// Close releases the statistical recognizer.
func (s *Service) Close() error {
	if s.statistical != nil {
		return s.statistical.Close()
	}
	return nil
}
