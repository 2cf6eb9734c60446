package identity

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"parley/cmd/identity/ids"
)

const (
	maxHandleChars      = 32
	maxDisplayNameChars = 64
)

// User is a directory entry.
type User struct {
	ID          string
	Handle      string
	HandleNorm  string
	DisplayName string
	AvatarURI   string
	CreatedAt   time.Time
}

// Summary carries the display fields attached to messages and conversation lists.
type Summary struct {
	ID          string `json:"id"`
	Handle      string `json:"handle,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	AvatarURI   string `json:"avatar_uri,omitempty"`
}

// Summary returns the public display projection of u.
func (u User) Summary() Summary {
	return Summary{
		ID:          u.ID,
		Handle:      u.Handle,
		DisplayName: u.DisplayName,
		AvatarURI:   u.AvatarURI,
	}
}

// Directory is the read contract the messaging core depends on.
type Directory interface {
	UserExists(ctx context.Context, userID string) (bool, error)
	// UserSummary returns NotFoundError when the user does not exist.
	UserSummary(ctx context.Context, userID string) (Summary, error)
}

// CreateUserInput describes a directory insert. ID is generated when empty.
type CreateUserInput struct {
	ID          string
	Handle      string
	DisplayName string
	AvatarURI   string
	Now         time.Time
}

// prepareUser validates and normalizes a CreateUserInput into a User.
func prepareUser(op string, in CreateUserInput) (User, error) {
	handle := strings.TrimPrefix(strings.TrimSpace(in.Handle), "@")
	if handle == "" {
		return User{}, invalid(op, "handle is required")
	}
	if utf8.RuneCountInString(handle) > maxHandleChars {
		return User{}, invalid(op, "handle too long")
	}
	if strings.ContainsAny(handle, " \t\r\n:,") {
		return User{}, invalid(op, "handle contains forbidden characters")
	}

	display := strings.TrimSpace(in.DisplayName)
	if utf8.RuneCountInString(display) > maxDisplayNameChars {
		return User{}, invalid(op, "display name too long")
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id := strings.TrimSpace(in.ID)
	if id == "" {
		var err error
		id, err = ids.NewULID(now)
		if err != nil {
			return User{}, err
		}
	}

	return User{
		ID:          id,
		Handle:      handle,
		HandleNorm:  NormalizeHandle(handle),
		DisplayName: display,
		AvatarURI:   strings.TrimSpace(in.AvatarURI),
		CreatedAt:   now,
	}, nil
}

// ParseSeedUsers parses "id:handle:Display Name" entries separated by commas.
// The display name part is optional. Empty entries are skipped.
func ParseSeedUsers(raw string) ([]CreateUserInput, error) {
	const op = "identity.ParseSeedUsers"

	var out []CreateUserInput
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.SplitN(part, ":", 3)
		if len(fields) < 2 {
			return nil, invalid(op, "entry must be id:handle[:display name]: "+part)
		}
		in := CreateUserInput{
			ID:     strings.TrimSpace(fields[0]),
			Handle: strings.TrimSpace(fields[1]),
		}
		if len(fields) == 3 {
			in.DisplayName = strings.TrimSpace(fields[2])
		}
		if in.ID == "" || in.Handle == "" {
			return nil, invalid(op, "entry must be id:handle[:display name]: "+part)
		}
		out = append(out, in)
	}
	return out, nil
}

// Writer is implemented by directories that accept inserts.
type Writer interface {
	Directory
	CreateUser(ctx context.Context, in CreateUserInput) (User, error)
}

// Seed inserts entries into w, skipping users that already exist.
// It returns how many users were created.
func Seed(ctx context.Context, w Writer, entries []CreateUserInput) (int, error) {
	created := 0
	for _, in := range entries {
		if _, err := w.CreateUser(ctx, in); err != nil {
			if IsConflict(err) {
				continue
			}
			return created, err
		}
		created++
	}
	return created, nil
}
