package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	ErrUserNotFound      = errors.New("store: user not found")
	ErrUsernameExists    = errors.New("store: username already exists")
)

// AdminLevel is the (encrypted at rest) privilege tier of a User.
type AdminLevel string

const (
	AdminLevelOwner   AdminLevel = "owner"
	AdminLevelManager AdminLevel = "manager"
)

// User is an administrator account. UsernameHash and PasswordHash and
// AdminLevel are stored encrypted under DATA_KEY; UsernameIndex is an
// HMAC of the username used for unique lookup without decrypting anything.
type User struct {
	ID             string
	UsernameIndex  string
	UsernameHash   string
	PasswordHash   string
	WrappedDataKey string
	AdminLevel     string
	CreatedAt      time.Time
}

// CreateUser inserts a new user.
func (s *Store) CreateUser(u *User) error {
	_, err := s.db.Exec(`
		INSERT INTO users (id, username_index, username_hash, password_hash, wrapped_data_key, admin_level, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, u.ID, u.UsernameIndex, u.UsernameHash, u.PasswordHash, u.WrappedDataKey, u.AdminLevel, time.Now().Unix())
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrUsernameExists
		}
		return fmt.Errorf("store: create user: %w", err)
	}
	return nil
}

// GetUserByUsernameIndex looks a user up by the HMAC index of their username.
func (s *Store) GetUserByUsernameIndex(usernameIndex string) (*User, error) {
	return scanUserRow(s.db.QueryRow(`
		SELECT id, username_index, username_hash, password_hash, wrapped_data_key, admin_level, created_at
		FROM users WHERE username_index = ?
	`, usernameIndex))
}

// GetUser retrieves a user by id.
func (s *Store) GetUser(id string) (*User, error) {
	return scanUserRow(s.db.QueryRow(`
		SELECT id, username_index, username_hash, password_hash, wrapped_data_key, admin_level, created_at
		FROM users WHERE id = ?
	`, id))
}

func scanUserRow(row *sql.Row) (*User, error) {
	var u User
	var createdAt int64

	err := row.Scan(&u.ID, &u.UsernameIndex, &u.UsernameHash, &u.PasswordHash, &u.WrappedDataKey, &u.AdminLevel, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get user: %w", err)
	}

	u.CreatedAt = time.Unix(createdAt, 0)
	return &u, nil
}

// UpdateUserWrappedDataKey rewrites a user's wrapped DATA_KEY and password
// hash, used by a password change.
func (s *Store) UpdateUserWrappedDataKey(userID, wrappedDataKey, passwordHash string) error {
	result, err := s.db.Exec(`
		UPDATE users SET wrapped_data_key = ?, password_hash = ? WHERE id = ?
	`, wrappedDataKey, passwordHash, userID)
	if err != nil {
		return fmt.Errorf("store: update user wrapped data key: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrUserNotFound
	}
	return nil
}

// CountUsers returns the total number of users, used by setup to enforce
// exactly-one-owner.
func (s *Store) CountUsers() (int, error) {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		return 0, fmt.Errorf("store: count users: %w", err)
	}
	return count, nil
}
