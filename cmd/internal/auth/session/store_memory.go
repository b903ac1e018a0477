package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. The mutex makes each method atomic,
// which is all ConditionedUpdate needs within one process.
type MemoryStore struct {
	mu      sync.Mutex
	byValue map[string]RefreshToken
	ids     map[string]struct{}
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byValue: make(map[string]RefreshToken),
		ids:     make(map[string]struct{}),
	}
}

func (s *MemoryStore) FindByValue(ctx context.Context, value string) (RefreshToken, error) {
	if err := ctx.Err(); err != nil {
		return RefreshToken{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.byValue[value]
	if !ok {
		return RefreshToken{}, ErrTokenNotFound
	}
	return cloneToken(t), nil
}

func (s *MemoryStore) Insert(ctx context.Context, t RefreshToken) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkInsert(t); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(t)
}

func (s *MemoryStore) insertLocked(t RefreshToken) error {
	if _, ok := s.byValue[t.TokenValue]; ok {
		return ErrDuplicateToken
	}
	if _, ok := s.ids[t.ID]; ok {
		return ErrDuplicateToken
	}
	s.byValue[t.TokenValue] = cloneToken(t)
	s.ids[t.ID] = struct{}{}
	return nil
}

func (s *MemoryStore) ConditionedUpdate(ctx context.Context, revoked RefreshToken, successor *RefreshToken) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkConditionedUpdate(revoked, successor); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.byValue[revoked.TokenValue]
	if !ok || cur.Revoked {
		return ErrRevocationConflict
	}
	if successor != nil {
		if err := s.insertLocked(*successor); err != nil {
			return err
		}
	}
	cur.Revoked = true
	cur.RevokedAt = revoked.RevokedAt
	cur.RevokedByIP = revoked.RevokedByIP
	cur.ReplacedByTokenValue = revoked.ReplacedByTokenValue
	s.byValue[cur.TokenValue] = cloneToken(cur)
	return nil
}

func (s *MemoryStore) RevokeAllForUser(ctx context.Context, userID string, now time.Time, ip string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for v, t := range s.byValue {
		if t.UserID != userID || t.Revoked {
			continue
		}
		at := now
		t.Revoked = true
		t.RevokedAt = &at
		t.RevokedByIP = ip
		s.byValue[v] = t
		n++
	}
	return n, nil
}

// cloneToken copies the pointer fields so callers cannot alias stored state.
func cloneToken(t RefreshToken) RefreshToken {
	if t.RevokedAt != nil {
		at := *t.RevokedAt
		t.RevokedAt = &at
	}
	if t.ReplacedByTokenValue != nil {
		v := *t.ReplacedByTokenValue
		t.ReplacedByTokenValue = &v
	}
	return t
}
