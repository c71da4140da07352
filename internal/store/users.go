// internal/store/users.go
package store

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/parlorgames/parlor/internal/kv"
)

// ErrInvalidToken reports a missing, unknown, or expired token.
var ErrInvalidToken = errors.New("store: invalid token")

// NewID mints a time-ordered unique identifier.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// v7 generation only fails if the entropy source does; fall back to v4.
		return uuid.NewString()
	}
	return id.String()
}

// CreateGuestUser mints a fresh guest user with a unique guest-NNNN
// username, retrying on suffix collisions.
func (s *Store) CreateGuestUser(ctx context.Context) (User, error) {
	for {
		user := User{
			UserID: NewID(),
			Player: Player{
				Username: fmt.Sprintf("guest-%04d", rand.Intn(10000)),
				IsGuest:  true,
			},
		}
		userWrite, err := PutWrite(UserKey(user.UserID), user)
		if err != nil {
			return User{}, err
		}
		nameWrite, err := PutWrite(UsernameKey(user.Player.Username), user.UserID)
		if err != nil {
			return User{}, err
		}
		err = s.db.Commit(ctx,
			[]kv.Check{
				{Key: UserKey(user.UserID), Version: 0},
				{Key: UsernameKey(user.Player.Username), Version: 0},
			},
			[]kv.Write{userWrite, nameWrite},
		)
		if errors.Is(err, kv.ErrConflict) {
			if ctx.Err() != nil {
				return User{}, ctx.Err()
			}
			continue
		}
		if err != nil {
			return User{}, err
		}
		return user, nil
	}
}

// GetUser reads a user record; absence is ErrNotFound.
func (s *Store) GetUser(ctx context.Context, userID string) (User, int64, error) {
	var u User
	ver, err := s.Require(ctx, UserKey(userID), &u)
	return u, ver, err
}

// UpdateUsername renames a user, preserving the username index. Unchanged
// names are a no-op; taken names return ErrUsernameTaken.
func (s *Store) UpdateUsername(ctx context.Context, userID, username string) error {
	return s.Retry(ctx, "update_username", func(ctx context.Context) error {
		user, userVer, err := s.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		if user.Player.Username == username {
			return nil
		}
		taken, err := s.db.Get(ctx, UsernameKey(username))
		if err != nil {
			return err
		}
		if taken.Present() {
			return ErrUsernameTaken
		}
		oldIdx, err := s.db.Get(ctx, UsernameKey(user.Player.Username))
		if err != nil {
			return err
		}

		oldName := user.Player.Username
		user.Player.Username = username
		userWrite, err := PutWrite(UserKey(userID), user)
		if err != nil {
			return err
		}
		nameWrite, err := PutWrite(UsernameKey(username), userID)
		if err != nil {
			return err
		}
		return s.db.Commit(ctx,
			[]kv.Check{
				{Key: UserKey(userID), Version: userVer},
				{Key: UsernameKey(username), Version: 0},
				{Key: UsernameKey(oldName), Version: oldIdx.Version},
			},
			[]kv.Write{
				userWrite,
				nameWrite,
				{Key: UsernameKey(oldName), Delete: true},
			},
		)
	})
}

// IssueToken writes a fresh bearer token for userID and returns it.
func (s *Store) IssueToken(ctx context.Context, userID string, ttl time.Duration) (string, error) {
	token := NewID()
	write, err := PutWrite(TokenKey(token), Token{
		UserID:     userID,
		Expiration: time.Now().Add(ttl).Unix(),
	})
	if err != nil {
		return "", err
	}
	if err := s.db.Commit(ctx, nil, []kv.Write{write}); err != nil {
		return "", err
	}
	return token, nil
}

// ResolveToken returns the user a token belongs to. Missing, expired, or
// dangling tokens are ErrInvalidToken; expired tokens are lazily deleted.
func (s *Store) ResolveToken(ctx context.Context, token string) (User, error) {
	if token == "" {
		return User{}, ErrInvalidToken
	}
	var rec Token
	ver, err := s.Load(ctx, TokenKey(token), &rec)
	if err != nil {
		return User{}, err
	}
	if ver == 0 {
		return User{}, ErrInvalidToken
	}
	if rec.Expiration <= time.Now().Unix() {
		if err := s.db.Commit(ctx, nil, []kv.Write{{Key: TokenKey(token), Delete: true}}); err != nil {
			s.log.WithField("token", token).Warnf("failed to delete expired token: %v", err)
		}
		return User{}, ErrInvalidToken
	}
	user, _, err := s.GetUser(ctx, rec.UserID)
	if errors.Is(err, ErrNotFound) {
		return User{}, ErrInvalidToken
	}
	return user, err
}
