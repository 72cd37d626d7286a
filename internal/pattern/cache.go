package pattern

import (
	"container/list"
	"fmt"
	"regexp"
	"sync"

	"go.uber.org/zap"
)

// DefaultMaxEntries bounds the cache when no ceiling is configured.
const DefaultMaxEntries = 1000

// matchNothing is the fallback matcher for patterns that fail to
// compile. \b\B can never hold at the same position, so it matches
// nothing on any input.
var matchNothing = regexp.MustCompile(`\b\B`)

// Error reports an uncompilable pattern. Detection continues for every
// other rule; only the offending pattern is replaced.
type Error struct {
	Pattern string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid pattern %q: %v", e.Pattern, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

type entry struct {
	pattern string
	re      *regexp.Regexp
	err     *Error
}

// Cache compiles and memoizes regex patterns keyed by pattern text.
// One compiled matcher exists per distinct pattern regardless of how
// many rules share it. The cache is bounded; least-recently-used
// entries are evicted once the ceiling is reached.
type Cache struct {
	mu      sync.Mutex
	max     int
	order   *list.List // front = most recently used
	entries map[string]*list.Element
	logger  *zap.Logger
}

// NewCache creates a pattern cache with the given size ceiling.
// A non-positive ceiling falls back to DefaultMaxEntries.
func NewCache(max int, logger *zap.Logger) *Cache {
	if max <= 0 {
		max = DefaultMaxEntries
	}
	return &Cache{
		max:     max,
		order:   list.New(),
		entries: make(map[string]*list.Element),
		logger:  logger,
	}
}

// GetOrCompile returns the cached matcher for the pattern text,
// compiling and inserting it on a miss. An invalid pattern yields a
// match-nothing matcher together with the compile error, so one bad
// rule can never block detection for the rest.
func (c *Cache) GetOrCompile(patternText string) (*regexp.Regexp, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[patternText]; ok {
		c.order.MoveToFront(el)
		e := el.Value.(*entry)
		if e.err != nil {
			return e.re, e.err
		}
		return e.re, nil
	}

	e := &entry{pattern: patternText}
	re, err := regexp.Compile(patternText)
	if err != nil {
		e.re = matchNothing
		e.err = &Error{Pattern: patternText, Err: err}
		c.logger.Warn("Pattern failed to compile, substituting match-nothing matcher",
			zap.String("pattern", patternText),
			zap.Error(err))
	} else {
		e.re = re
	}

	c.entries[patternText] = c.order.PushFront(e)
	c.evict()

	if e.err != nil {
		return e.re, e.err
	}
	return e.re, nil
}

// evict drops least-recently-used entries until the ceiling holds.
// Called with the lock held.
func (c *Cache) evict() {
	for c.order.Len() > c.max {
		oldest := c.order.Back()
		if oldest == nil {
			return
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*entry).pattern)
	}
}

// Len returns the number of cached patterns.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
