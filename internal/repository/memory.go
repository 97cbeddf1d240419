package repository

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flagport/flagport/internal/core"
)

// MemoryStore is an in-memory storage backend. It owns its maps outright and
// guards them with a single RWMutex; every public method leaves the store in
// a consistent state, so concurrent readers never observe a flag with a rule
// partially appended.
type MemoryStore struct {
	mu           sync.RWMutex
	environments map[string]Environment // by id
	flags        map[string]FeatureFlag // by id
	exposures    []Exposure
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		environments: make(map[string]Environment),
		flags:        make(map[string]FeatureFlag),
	}
}

// ListEnvironments returns all environments ordered by key.
func (s *MemoryStore) ListEnvironments(_ context.Context) ([]Environment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	environments := make([]Environment, 0, len(s.environments))
	for _, env := range s.environments {
		environments = append(environments, env)
	}
	sort.Slice(environments, func(i, j int) bool {
		return environments[i].Key < environments[j].Key
	})

	return environments, nil
}

// EnvironmentExists reports whether an environment with the given key is
// registered.
func (s *MemoryStore) EnvironmentExists(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.environmentKeyExistsLocked(key), nil
}

// CreateEnvironment registers a new environment. The key must be unique.
func (s *MemoryStore) CreateEnvironment(_ context.Context, env Environment) (Environment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.environmentKeyExistsLocked(env.Key) {
		return Environment{}, fmt.Errorf("create environment %q: %w", env.Key, ErrDuplicateKey)
	}

	env.ID = uuid.NewString()
	env.CreatedAt = time.Now().UTC()
	s.environments[env.ID] = env

	return env, nil
}

// DeleteEnvironment removes an environment by id. It refuses to delete an
// environment that any flag state entry or targeting rule still references.
func (s *MemoryStore) DeleteEnvironment(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	env, ok := s.environments[id]
	if !ok {
		return fmt.Errorf("delete environment %q: %w", id, ErrNotFound)
	}

	for _, flag := range s.flags {
		if _, referenced := flag.State[env.Key]; referenced {
			return fmt.Errorf("delete environment %q: %w", env.Key, ErrEnvironmentInUse)
		}
		for _, rule := range flag.Rules {
			if rule.Environment == env.Key {
				return fmt.Errorf("delete environment %q: %w", env.Key, ErrEnvironmentInUse)
			}
		}
	}

	delete(s.environments, id)
	return nil
}

// ListFlags returns flags matching filter, ordered by key, plus the total
// match count before paging.
func (s *MemoryStore) ListFlags(_ context.Context, filter FlagFilter) ([]FeatureFlag, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]FeatureFlag, 0, len(s.flags))
	for _, flag := range s.flags {
		if filter.Environment != "" {
			if _, ok := flag.State[filter.Environment]; !ok {
				continue
			}
		}
		matched = append(matched, copyFlag(flag))
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Key < matched[j].Key })

	total := len(matched)
	start := min(filter.Offset, total)
	end := total
	if filter.Limit > 0 {
		end = min(start+filter.Limit, total)
	}

	return matched[start:end], total, nil
}

// ListAllFlags returns every flag without paging. Evaluation must see the
// complete flag set.
func (s *MemoryStore) ListAllFlags(_ context.Context) ([]FeatureFlag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	flags := make([]FeatureFlag, 0, len(s.flags))
	for _, flag := range s.flags {
		flags = append(flags, copyFlag(flag))
	}
	sort.Slice(flags, func(i, j int) bool { return flags[i].Key < flags[j].Key })

	return flags, nil
}

// GetFlagByID retrieves one flag by id.
func (s *MemoryStore) GetFlagByID(_ context.Context, id string) (FeatureFlag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	flag, ok := s.flags[id]
	if !ok {
		return FeatureFlag{}, fmt.Errorf("get flag %q: %w", id, ErrNotFound)
	}

	return copyFlag(flag), nil
}

// GetFlagByKey retrieves one flag by key.
func (s *MemoryStore) GetFlagByKey(_ context.Context, key string) (FeatureFlag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, flag := range s.flags {
		if flag.Key == key {
			return copyFlag(flag), nil
		}
	}

	return FeatureFlag{}, fmt.Errorf("get flag by key %q: %w", key, ErrNotFound)
}

// CreateFlag persists a new flag. The key must be unique and every key in the
// state map must name a registered environment.
func (s *MemoryStore) CreateFlag(_ context.Context, flag FeatureFlag) (FeatureFlag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.flags {
		if existing.Key == flag.Key {
			return FeatureFlag{}, fmt.Errorf("create flag %q: %w", flag.Key, ErrDuplicateKey)
		}
	}
	for envKey := range flag.State {
		if !s.environmentKeyExistsLocked(envKey) {
			return FeatureFlag{}, fmt.Errorf("create flag %q: environment %q: %w", flag.Key, envKey, ErrInvalidEnvironment)
		}
	}

	now := time.Now().UTC()
	flag.ID = uuid.NewString()
	flag.CreatedAt = now
	flag.UpdatedAt = now
	flag.Rules = nil
	if flag.State == nil {
		flag.State = make(map[string]bool)
	}
	if flag.Tags == nil {
		flag.Tags = []string{}
	}

	s.flags[flag.ID] = copyFlag(flag)
	return flag, nil
}

// UpdateFlag applies a partial metadata update and refreshes UpdatedAt.
func (s *MemoryStore) UpdateFlag(_ context.Context, id string, update FlagUpdate) (FeatureFlag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	flag, ok := s.flags[id]
	if !ok {
		return FeatureFlag{}, fmt.Errorf("update flag %q: %w", id, ErrNotFound)
	}

	if update.Name != nil {
		flag.Name = *update.Name
	}
	if update.Description != nil {
		flag.Description = *update.Description
	}
	if update.Tags != nil {
		flag.Tags = slices.Clone(update.Tags)
	}
	flag.UpdatedAt = time.Now().UTC()

	s.flags[id] = flag
	return copyFlag(flag), nil
}

// UpdateFlagState sets or overwrites the flag's default state for one
// environment. This may introduce a state entry for an environment the flag
// did not reference at creation time.
func (s *MemoryStore) UpdateFlagState(_ context.Context, id, environment string, enabled bool) (FeatureFlag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	flag, ok := s.flags[id]
	if !ok {
		return FeatureFlag{}, fmt.Errorf("update flag state %q: %w", id, ErrNotFound)
	}
	if !s.environmentKeyExistsLocked(environment) {
		return FeatureFlag{}, fmt.Errorf("update flag state %q: environment %q: %w", id, environment, ErrInvalidEnvironment)
	}

	if flag.State == nil {
		flag.State = make(map[string]bool)
	}
	flag.State[environment] = enabled
	flag.UpdatedAt = time.Now().UTC()

	s.flags[id] = copyFlag(flag)
	return copyFlag(flag), nil
}

// AddRule appends a targeting rule to the flag's rule sequence. New rules are
// always evaluated after all previously added rules.
func (s *MemoryStore) AddRule(_ context.Context, flagID string, rule core.Rule) (core.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	flag, ok := s.flags[flagID]
	if !ok {
		return core.Rule{}, fmt.Errorf("add rule to flag %q: %w", flagID, ErrNotFound)
	}
	if !s.environmentKeyExistsLocked(rule.Environment) {
		return core.Rule{}, fmt.Errorf("add rule to flag %q: environment %q: %w", flagID, rule.Environment, ErrInvalidEnvironment)
	}

	rule.ID = uuid.NewString()
	rule.CreatedAt = time.Now().UTC()
	flag.Rules = append(slices.Clone(flag.Rules), rule)
	flag.UpdatedAt = time.Now().UTC()

	s.flags[flagID] = flag
	return rule, nil
}

// DeleteRule removes one rule from the flag's sequence. Deleting a rule that
// no longer exists fails with ErrNotFound.
func (s *MemoryStore) DeleteRule(_ context.Context, flagID, ruleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	flag, ok := s.flags[flagID]
	if !ok {
		return fmt.Errorf("delete rule from flag %q: %w", flagID, ErrNotFound)
	}

	idx := slices.IndexFunc(flag.Rules, func(r core.Rule) bool { return r.ID == ruleID })
	if idx < 0 {
		return fmt.Errorf("delete rule %q: %w", ruleID, ErrNotFound)
	}

	flag.Rules = slices.Delete(slices.Clone(flag.Rules), idx, idx+1)
	flag.UpdatedAt = time.Now().UTC()

	s.flags[flagID] = flag
	return nil
}

// DeleteFlag removes a flag and all of its owned rules.
func (s *MemoryStore) DeleteFlag(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.flags[id]; !ok {
		return fmt.Errorf("delete flag %q: %w", id, ErrNotFound)
	}

	delete(s.flags, id)
	return nil
}

// RecordExposure appends one exposure event.
func (s *MemoryStore) RecordExposure(_ context.Context, exposure Exposure) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if exposure.ID == "" {
		exposure.ID = uuid.NewString()
	}
	s.exposures = append(s.exposures, exposure)

	return nil
}

// ExposureDailyCounts returns exposure counts per UTC day ("2006-01-02") for
// one flag key and environment, counting events at or after since.
func (s *MemoryStore) ExposureDailyCounts(_ context.Context, flagKey, environment string, since time.Time) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int)
	for _, exposure := range s.exposures {
		if exposure.FlagKey != flagKey || exposure.Environment != environment {
			continue
		}
		if exposure.Timestamp.Before(since) {
			continue
		}
		counts[exposure.Timestamp.UTC().Format("2006-01-02")]++
	}

	return counts, nil
}

func (s *MemoryStore) environmentKeyExistsLocked(key string) bool {
	key = strings.TrimSpace(key)
	for _, env := range s.environments {
		if env.Key == key {
			return true
		}
	}
	return false
}

func copyFlag(flag FeatureFlag) FeatureFlag {
	copied := flag
	copied.State = make(map[string]bool, len(flag.State))
	for k, v := range flag.State {
		copied.State[k] = v
	}
	copied.Tags = slices.Clone(flag.Tags)
	copied.Rules = slices.Clone(flag.Rules)
	return copied
}
