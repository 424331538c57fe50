package auth

import (
	"database/sql"
	"errors"

	"github.com/mqttcore/broker/pkg/er"
	h "github.com/mqttcore/broker/pkg/hash"
)

// Store authenticates CONNECT username/password pairs against a sqlite
// users table, and provisions new entries via CreateUser.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Authenticate reports whether username/password is a valid
// credential pair. A missing user is reported as ErrUserNotFound and a
// wrong password as ErrInvalidPassword, each wrapped in an er.Err; the
// transport answers both with CONNACK's BadUsernameOrPassword code.
func (s *Store) Authenticate(username, password string) error {
	var hash string

	err := s.db.QueryRow("SELECT secret FROM users WHERE username = ?", username).Scan(&hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &er.Err{Context: "Auth, user lookup", Message: er.ErrUserNotFound}
		}
		return &er.Err{Context: "Auth, user lookup", Message: err}
	}

	if !h.VerifyPasswd(hash, password) {
		return &er.Err{Context: "Auth, verify", Message: er.ErrInvalidPassword}
	}

	return nil
}

// CreateUser hashes password and inserts or replaces the credential row
// for username. cmd/goqtt does not call it; accounts are provisioned by
// whatever code calls CreateUser against the same database.
func (s *Store) CreateUser(username, password string, cost int) error {
	hash, err := h.HashPasswd(password, cost)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO users (username, secret) VALUES (?, ?)
		ON CONFLICT(username) DO UPDATE SET secret = excluded.secret`, username, hash)
	if err != nil {
		return &er.Err{Context: "Auth, create user", Message: err}
	}
	return nil
}

// EnsureSchema creates the users table if it does not already exist.
func EnsureSchema(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS users (
		username TEXT PRIMARY KEY,
		secret   TEXT NOT NULL
	)`)
	return err
}
