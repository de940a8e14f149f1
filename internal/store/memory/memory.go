// Package memory provides an in-memory implementation of the token store.
//
// This implementation is suitable for development, testing, and
// single-node deployments where persistence across restarts is not
// required.
package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/pinwheel-sh/pinwheel/internal/store"
	"github.com/pinwheel-sh/pinwheel/internal/token"
)

// Store is an in-memory implementation of store.Store. It is safe for
// concurrent use.
type Store struct {
	mu       sync.RWMutex
	active   map[string]token.Token
	archived map[string]token.Token
	cache    map[string][]byte
}

// Compile-time check that Store implements store.Store.
var _ store.Store = (*Store)(nil)

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		active:   make(map[string]token.Token),
		archived: make(map[string]token.Token),
		cache:    make(map[string][]byte),
	}
}

// CommitTokens implements store.Store.
func (s *Store) CommitTokens(ctx context.Context, updates []token.Token, deletes []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range updates {
		s.active[u.Name] = u.Clone()
	}
	for _, d := range deletes {
		delete(s.active, d)
	}
	return nil
}

// ArchiveTokens implements store.Store.
func (s *Store) ArchiveTokens(ctx context.Context, tokens []token.Token) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tokens {
		delete(s.active, t.Name)
		s.archived[t.Name] = t.Clone()
	}
	return nil
}

// DeleteArchivedTokens implements store.Store.
func (s *Store) DeleteArchivedTokens(ctx context.Context, names []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range names {
		delete(s.archived, n)
	}
	return nil
}

// ReadActiveTokens implements store.Store.
func (s *Store) ReadActiveTokens(ctx context.Context, filter store.Filter) ([]token.Token, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return matchTokens(s.active, filter), nil
}

// ReadArchivedTokens implements store.Store.
func (s *Store) ReadArchivedTokens(ctx context.Context, filter store.Filter) ([]token.Token, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return matchTokens(s.archived, filter), nil
}

// ReadTokens implements store.Store.
func (s *Store) ReadTokens(ctx context.Context, filter store.Filter) ([]token.Token, error) {
	active, err := s.ReadActiveTokens(ctx, filter)
	if err != nil {
		return nil, err
	}
	archived, err := s.ReadArchivedTokens(ctx, filter)
	if err != nil {
		return nil, err
	}
	return append(active, archived...), nil
}

// ReadActiveNames implements store.Store.
func (s *Store) ReadActiveNames(ctx context.Context, filter store.Filter) ([]string, error) {
	toks, err := s.ReadActiveTokens(ctx, filter)
	if err != nil {
		return nil, err
	}
	return names(toks), nil
}

// ReadArchivedNames implements store.Store.
func (s *Store) ReadArchivedNames(ctx context.Context, filter store.Filter) ([]string, error) {
	toks, err := s.ReadArchivedTokens(ctx, filter)
	if err != nil {
		return nil, err
	}
	return names(toks), nil
}

// ReadNames implements store.Store.
func (s *Store) ReadNames(ctx context.Context, filter store.Filter) ([]string, error) {
	toks, err := s.ReadTokens(ctx, filter)
	if err != nil {
		return nil, err
	}
	return names(toks), nil
}

// GetCachedData implements store.Store.
func (s *Store) GetCachedData(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.cache[name]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// SetCachedData implements store.Store.
func (s *Store) SetCachedData(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.cache[name] = cp
	return nil
}

// ClearCachedData implements store.Store.
func (s *Store) ClearCachedData(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string][]byte)
	return nil
}

func matchTokens(table map[string]token.Token, filter store.Filter) []token.Token {
	out := make([]token.Token, 0, len(table))
	for name, t := range table {
		if matchesFilter(name, filter) {
			out = append(out, t.Clone())
		}
	}
	return out
}

func matchesFilter(name string, filter store.Filter) bool {
	if filter.Prefix != "" && !strings.HasPrefix(name, filter.Prefix) {
		return false
	}
	if filter.Suffix != "" && !strings.HasSuffix(name, filter.Suffix) {
		return false
	}
	if filter.Infix != "" && !strings.Contains(name, filter.Infix) {
		return false
	}
	return true
}

func names(toks []token.Token) []string {
	out := make([]string, 0, len(toks))
	for _, t := range toks {
		out = append(out, t.Name)
	}
	return out
}
