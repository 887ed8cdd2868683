package rules

import (
	"context"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/telhawk-systems/telhawk-respond/common/logging"
	"github.com/telhawk-systems/telhawk-respond/internal/metrics"
	"github.com/telhawk-systems/telhawk-respond/internal/models"
)

type snapshot struct {
	rules    []models.Rule
	errors   []*LoadError
	loadedAt time.Time
}

// Store holds the active rule set. Reload swaps the whole set atomically, so
// readers observe either the previous or the new set, never a mix.
type Store struct {
	dir    string
	loader *Loader
	logger *logging.Logger

	mu      sync.Mutex // serializes reloads
	current atomic.Pointer[snapshot]
}

// NewStore creates a Store reading from dir. It starts empty until Reload is called.
func NewStore(dir string, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.Default()
	}
	s := &Store{
		dir:    dir,
		loader: NewLoader(),
		logger: logger.With(logging.Component(metrics.ComponentRules)),
	}
	s.current.Store(&snapshot{})
	return s
}

// Dir returns the directory rules are loaded from.
func (s *Store) Dir() string {
	return s.dir
}

// Reload rescans the rules directory and replaces the active set. If the
// directory cannot be read the previous set stays active.
func (s *Store) Reload(ctx context.Context) (*LoadResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.loader.Load(s.dir)
	if err != nil {
		s.logger.ErrorContext(ctx, "rule reload failed, keeping previous rule set", logging.Error(err))
		return nil, err
	}

	for _, le := range result.Errors {
		s.logger.WarnContext(ctx, "skipping invalid rule",
			logging.File(le.File),
			logging.RuleID(le.RuleID),
			logging.Error(le.Err),
		)
	}

	s.current.Store(&snapshot{
		rules:    result.Rules,
		errors:   result.Errors,
		loadedAt: time.Now().UTC(),
	})

	metrics.RulesLoaded.Set(float64(len(result.Rules)))
	metrics.RuleLoadErrors.Add(float64(len(result.Errors)))

	s.logger.InfoContext(ctx, "loaded rules",
		"count", len(result.Rules),
		"invalid", len(result.Errors),
		"files", result.Files,
	)
	return result, nil
}

// Rules returns a sequence over the rule set active at call time. The
// sequence can be ranged over any number of times and is unaffected by
// reloads that happen while it is being consumed.
func (s *Store) Rules() iter.Seq[models.Rule] {
	snap := s.current.Load()
	return func(yield func(models.Rule) bool) {
		for _, r := range snap.rules {
			if !yield(r) {
				return
			}
		}
	}
}

// Len returns the number of active rules.
func (s *Store) Len() int {
	return len(s.current.Load().rules)
}

// LastErrors returns the load errors of the active set.
func (s *Store) LastErrors() []*LoadError {
	return s.current.Load().errors
}

// LoadedAt returns when the active set was loaded, zero if never.
func (s *Store) LoadedAt() time.Time {
	return s.current.Load().loadedAt
}
