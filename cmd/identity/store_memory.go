package identity

import (
	"context"
	"sync"
)

// MemoryStore is an in-process user store for development and tests.
// Uniqueness of id and email_norm is checked under the same lock as the write.
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]User
	byEmail map[string]string
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]User),
		byEmail: make(map[string]string),
	}
}

// FindByEmail looks a user up by case-insensitive email.
func (s *MemoryStore) FindByEmail(ctx context.Context, email string) (User, error) {
	const op = "identity.FindByEmail"
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byEmail[NormalizeEmail(email)]
	if !ok {
		return User{}, NotFoundError{Op: op, Resource: "user"}
	}
	return s.byID[id], nil
}

// FindByID looks a user up by ID.
func (s *MemoryStore) FindByID(ctx context.Context, id string) (User, error) {
	const op = "identity.FindByID"
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.byID[id]
	if !ok {
		return User{}, NotFoundError{Op: op, Resource: "user"}
	}
	return u, nil
}

// Insert stores a new user. Duplicate id or email returns ConflictError.
func (s *MemoryStore) Insert(ctx context.Context, u User) error {
	const op = "identity.Insert"
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := u.validate(op); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[u.ID]; ok {
		return ConflictError{Op: op, Field: "id"}
	}
	if _, ok := s.byEmail[u.EmailNorm]; ok {
		return ConflictError{Op: op, Field: "email"}
	}
	s.byID[u.ID] = u
	s.byEmail[u.EmailNorm] = u.ID
	return nil
}

// Update replaces an existing user.
func (s *MemoryStore) Update(ctx context.Context, u User) error {
	const op = "identity.Update"
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := u.validate(op); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.byID[u.ID]
	if !ok {
		return NotFoundError{Op: op, Resource: "user"}
	}
	if owner, taken := s.byEmail[u.EmailNorm]; taken && owner != u.ID {
		return ConflictError{Op: op, Field: "email"}
	}
	delete(s.byEmail, prev.EmailNorm)
	s.byID[u.ID] = u
	s.byEmail[u.EmailNorm] = u.ID
	return nil
}

// Delete removes a user.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	const op = "identity.Delete"
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.byID[id]
	if !ok {
		return NotFoundError{Op: op, Resource: "user"}
	}
	delete(s.byID, id)
	delete(s.byEmail, u.EmailNorm)
	return nil
}

// Count returns the number of stored users.
func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}
