package identity

import (
	"context"
	"strings"
	"sync"
)

// InMemoryDirectory is a process-local Directory used for development and tests.
type InMemoryDirectory struct {
	mu       sync.RWMutex
	byID     map[string]User
	byHandle map[string]string
}

// NewInMemoryDirectory constructs an empty directory.
func NewInMemoryDirectory() *InMemoryDirectory {
	return &InMemoryDirectory{
		byID:     make(map[string]User),
		byHandle: make(map[string]string),
	}
}

// CreateUser inserts a user, rejecting duplicate ids and handles.
func (d *InMemoryDirectory) CreateUser(ctx context.Context, in CreateUserInput) (User, error) {
	const op = "identity.InMemoryDirectory.CreateUser"

	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	u, err := prepareUser(op, in)
	if err != nil {
		return User{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.byID[u.ID]; ok {
		return User{}, ConflictError{Op: op, Field: "id"}
	}
	if _, ok := d.byHandle[u.HandleNorm]; ok {
		return User{}, ConflictError{Op: op, Field: "handle"}
	}
	d.byID[u.ID] = u
	d.byHandle[u.HandleNorm] = u.ID
	return u, nil
}

// UserExists implements Directory.
func (d *InMemoryDirectory) UserExists(ctx context.Context, userID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	d.mu.RLock()
	_, ok := d.byID[strings.TrimSpace(userID)]
	d.mu.RUnlock()
	return ok, nil
}

// UserSummary implements Directory.
func (d *InMemoryDirectory) UserSummary(ctx context.Context, userID string) (Summary, error) {
	if err := ctx.Err(); err != nil {
		return Summary{}, err
	}
	d.mu.RLock()
	u, ok := d.byID[strings.TrimSpace(userID)]
	d.mu.RUnlock()
	if !ok {
		return Summary{}, NotFoundError{Op: "identity.InMemoryDirectory.UserSummary", Resource: "user"}
	}
	return u.Summary(), nil
}
