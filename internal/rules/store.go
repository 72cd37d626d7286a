package rules

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// fileFormat is the wrapped on-disk shape. Loading also accepts a bare
// array of rules for backward compatibility; writes always emit this.
type fileFormat struct {
	Version     string `json:"version"`
	LastUpdated string `json:"last_updated"`
	Rules       []Rule `json:"rules"`
}

const fileVersion = "1.0"

// PersistError reports a storage failure. The in-memory rule set is
// never swapped when persistence fails.
type PersistError struct {
	Path string
	Err  error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("failed to persist rules to %s: %v", e.Path, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// Rejected pairs a rule that failed validation with the reason.
type Rejected struct {
	Rule   Rule   `json:"rule"`
	Reason string `json:"reason"`
}

// ErrNoValidRules is returned when every rule of a bulk replace was
// rejected; the previous set stays in place.
var ErrNoValidRules = fmt.Errorf("no valid rules in batch")

// Store is the sole writer of rule state. Mutations validate first,
// persist to disk, and only then swap the in-memory snapshot, so
// readers never observe a partially-updated set and memory never
// disagrees with storage. Every successful mutation bumps the
// generation counter that registry caching keys off.
type Store struct {
	path   string
	logger *zap.Logger

	mu         sync.RWMutex
	rules      []Rule
	generation uint64

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewStore creates a store persisting to the given JSON file.
func NewStore(path string, logger *zap.Logger) *Store {
	return &Store{
		path:   path,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Load reads persisted rules into memory. A missing or corrupt file is
// not fatal: detection continues with statistical recognition only.
func (s *Store) Load() error {
	loaded, err := s.readFile()
	if err != nil {
		s.logger.Warn("Failed to load rules file, continuing with empty rule set",
			zap.String("path", s.path),
			zap.Error(err))
		loaded = nil
	}
	s.install(loaded)
	return nil
}

// reload is the strict variant used by the file watcher: an unreadable
// or unparseable file leaves the in-memory set untouched, so a partial
// or corrupt external write never wipes a working rule set.
func (s *Store) reload() error {
	loaded, err := s.readFile()
	if err != nil {
		s.logger.Warn("Ignoring unreadable rules file change",
			zap.String("path", s.path),
			zap.Error(err))
		return err
	}
	s.install(loaded)
	return nil
}

// install validates, swaps, and bumps the generation.
func (s *Store) install(loaded []Rule) {
	kept := make([]Rule, 0, len(loaded))
	for _, r := range loaded {
		ApplyDefaults(&r)
		if err := Validate(&r); err != nil {
			s.logger.Warn("Skipping invalid persisted rule",
				zap.String("rule_id", r.ID),
				zap.Error(err))
			continue
		}
		kept = append(kept, r)
	}

	s.mu.Lock()
	s.rules = kept
	s.generation++
	gen := s.generation
	s.mu.Unlock()

	s.logger.Info("Rules loaded",
		zap.String("path", s.path),
		zap.Int("rules", len(kept)),
		zap.Uint64("generation", gen))
}

func (s *Store) readFile() ([]Rule, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}

	var wrapped fileFormat
	if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.Rules != nil {
		return wrapped.Rules, nil
	}

	// Legacy shape: a bare array of rule objects.
	var bare []Rule
	if err := json.Unmarshal(data, &bare); err != nil {
		return nil, fmt.Errorf("unrecognized rules file format: %w", err)
	}
	return bare, nil
}

// persist writes the wrapped shape. Called with the write lock held;
// the write itself is a local file operation, not slow I/O like model
// inference, so holding the lock keeps memory and disk in lockstep.
func (s *Store) persist(rules []Rule) error {
	payload := fileFormat{
		Version:     fileVersion,
		LastUpdated: time.Now().UTC().Format(time.RFC3339),
		Rules:       rules,
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return &PersistError{Path: s.path, Err: err}
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return &PersistError{Path: s.path, Err: err}
		}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return &PersistError{Path: s.path, Err: err}
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return &PersistError{Path: s.path, Err: err}
	}
	return nil
}

// Snapshot returns a copy of the current rules and the generation that
// produced them. Callers may build derived state from the copy without
// holding any store lock.
func (s *Store) Snapshot() ([]Rule, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Rule, len(s.rules))
	copy(out, s.rules)
	return out, s.generation
}

// Generation returns the current rule set generation.
func (s *Store) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// List returns a copy of all rules, enabled or not.
func (s *Store) List() []Rule {
	out, _ := s.Snapshot()
	return out
}

// Get returns the rule with the given id.
func (s *Store) Get(id string) (Rule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.rules {
		if r.ID == id {
			return r, true
		}
	}
	return Rule{}, false
}

// ReplaceAll validates every rule and atomically swaps the whole set.
// Invalid rules are filtered out and reported; the batch proceeds with
// the rest. The swap happens only when at least one rule survives
// validation and persistence succeeds.
func (s *Store) ReplaceAll(rules []Rule) (applied []Rule, rejected []Rejected, err error) {
	now := time.Now().UTC()
	seen := make(map[string]bool, len(rules))

	for _, r := range rules {
		ApplyDefaults(&r)
		if verr := Validate(&r); verr != nil {
			rejected = append(rejected, Rejected{Rule: r, Reason: verr.Error()})
			continue
		}
		if seen[r.ID] {
			rejected = append(rejected, Rejected{Rule: r, Reason: fmt.Sprintf("duplicate rule id %q in batch", r.ID)})
			continue
		}
		seen[r.ID] = true
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		r.UpdatedAt = now
		applied = append(applied, r)
	}

	if len(applied) == 0 {
		return nil, rejected, ErrNoValidRules
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.persist(applied); err != nil {
		return nil, rejected, err
	}
	s.rules = applied
	s.generation++
	s.logger.Info("Rule set replaced",
		zap.Int("applied", len(applied)),
		zap.Int("rejected", len(rejected)),
		zap.Uint64("generation", s.generation))
	return applied, rejected, nil
}

// Upsert validates and inserts or updates a single rule with the same
// persist-then-swap discipline.
func (s *Store) Upsert(rule Rule) (Rule, error) {
	ApplyDefaults(&rule)
	if err := Validate(&rule); err != nil {
		return Rule{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	next := make([]Rule, len(s.rules))
	copy(next, s.rules)

	found := false
	for i, r := range next {
		if r.ID == rule.ID {
			rule.CreatedAt = r.CreatedAt
			rule.UpdatedAt = now
			next[i] = rule
			found = true
			break
		}
	}
	if !found {
		if rule.CreatedAt.IsZero() {
			rule.CreatedAt = now
		}
		rule.UpdatedAt = now
		next = append(next, rule)
	}

	if err := s.persist(next); err != nil {
		return Rule{}, err
	}
	s.rules = next
	s.generation++
	return rule, nil
}

// Delete removes a rule by id.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, r := range s.rules {
		if r.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return &NotFoundError{ID: id}
	}

	next := make([]Rule, 0, len(s.rules)-1)
	next = append(next, s.rules[:idx]...)
	next = append(next, s.rules[idx+1:]...)

	if err := s.persist(next); err != nil {
		return err
	}
	s.rules = next
	s.generation++
	return nil
}

// Watch reloads the rule set when the rules file changes on disk and
// invokes onChange after each successful reload. External edits thus
// behave like an explicit reload.
func (s *Store) Watch(onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create rules watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch rules directory: %w", err)
	}
	s.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != s.path {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				s.logger.Debug("Rules file changed on disk", zap.String("op", event.Op.String()))
				if err := s.reload(); err != nil {
					continue
				}
				if onChange != nil {
					onChange()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("Rules watcher error", zap.Error(err))
			case <-s.done:
				return
			}
		}
	}()
	return nil
}

// Close stops the file watcher if one is running.
func (s *Store) Close() error {
	close(s.done)
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}
