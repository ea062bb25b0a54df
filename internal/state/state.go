// Package state persists auth sessions and access tokens in bbolt.
package state

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	apperrors "github.com/smaregi-labs/smaregi-mcp/internal/errors"
	"github.com/smaregi-labs/smaregi-mcp/internal/models"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	sessionsBucket   = []byte("auth_sessions")
	stateIndexBucket = []byte("session_state_index")
	tokensBucket     = []byte("access_tokens")
	tokenIndexBucket = []byte("access_token_index")
)

// keyHash returns the SHA-256 hex digest of a value. Used as the bbolt
// key for token records so raw access tokens never appear as keys.
func keyHash(value string) []byte {
	h := sha256.Sum256([]byte(value))
	dst := make([]byte, hex.EncodedLen(len(h)))
	hex.Encode(dst, h[:])

	return dst
}

// State wraps a bbolt database for all persistent application state.
type State struct {
	db *bolt.DB
}

// LoadAt opens a state database at the given path, creating it and its
// parent directory if they do not exist.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{sessionsBucket, stateIndexBucket, tokensBucket, tokenIndexBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// PutSession persists an auth session and indexes it by state value.
func (s *State) PutSession(sess models.AuthSession) error {
	if sess.ID == "" {
		return fmt.Errorf("session id is required")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(sess)
		if err != nil {
			return err
		}

		if err := tx.Bucket(sessionsBucket).Put([]byte(sess.ID), data); err != nil {
			return err
		}

		if sess.State == "" {
			return nil
		}

		return tx.Bucket(stateIndexBucket).Put([]byte(sess.State), []byte(sess.ID))
	})
}

// Session returns a session by ID, or nil if not found.
func (s *State) Session(id string) (*models.AuthSession, error) {
	var sess *models.AuthSession

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(sessionsBucket).Get([]byte(id))
		if v == nil {
			return nil
		}

		sess = &models.AuthSession{}

		return json.Unmarshal(v, sess)
	})

	return sess, err
}

// SessionByState returns the session bound to an OAuth state value, or
// nil if not found.
func (s *State) SessionByState(stateVal string) (*models.AuthSession, error) {
	var sess *models.AuthSession

	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(stateIndexBucket).Get([]byte(stateVal))
		if id == nil {
			return nil
		}

		v := tx.Bucket(sessionsBucket).Get(id)
		if v == nil {
			return nil
		}

		sess = &models.AuthSession{}

		return json.Unmarshal(v, sess)
	})

	return sess, err
}

// PendingSession returns the most recently updated tool-driven session
// (one holding a verifier) that has not completed its callback, or nil
// when none are pending.
func (s *State) PendingSession() (*models.AuthSession, error) {
	var sess *models.AuthSession

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).ForEach(func(k, v []byte) error {
			var cur models.AuthSession
			if err := json.Unmarshal(v, &cur); err != nil {
				return err
			}

			if cur.Authenticated || cur.Verifier == "" {
				return nil
			}

			if sess == nil || cur.UpdatedAt.After(sess.UpdatedAt) {
				sess = &cur
			}

			return nil
		})
	})

	return sess, err
}

// MarkAuthenticated flips the authenticated flag on a session.
func (s *State) MarkAuthenticated(id string, now time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionsBucket)

		v := b.Get([]byte(id))
		if v == nil {
			return fmt.Errorf("%w: %s", apperrors.ErrSessionNotFound, id)
		}

		var sess models.AuthSession
		if err := json.Unmarshal(v, &sess); err != nil {
			return err
		}

		sess.Authenticated = true
		sess.UpdatedAt = now

		data, err := json.Marshal(sess)
		if err != nil {
			return err
		}

		return b.Put([]byte(id), data)
	})
}

// DeleteSession removes a session and its state index entry.
func (s *State) DeleteSession(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionsBucket)

		v := b.Get([]byte(id))
		if v != nil {
			var sess models.AuthSession
			if err := json.Unmarshal(v, &sess); err == nil && sess.State != "" {
				if err := tx.Bucket(stateIndexBucket).Delete([]byte(sess.State)); err != nil {
					return err
				}
			}
		}

		return b.Delete([]byte(id))
	})
}

// PruneSessions deletes sessions created before now-maxAge and returns
// how many were removed.
func (s *State) PruneSessions(maxAge time.Duration, now time.Time) (int, error) {
	cutoff := now.Add(-maxAge)
	pruned := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionsBucket)
		idx := tx.Bucket(stateIndexBucket)

		var stale []models.AuthSession

		err := b.ForEach(func(k, v []byte) error {
			var sess models.AuthSession
			if err := json.Unmarshal(v, &sess); err != nil {
				return err
			}

			if sess.CreatedAt.Before(cutoff) {
				stale = append(stale, sess)
			}

			return nil
		})
		if err != nil {
			return err
		}

		for _, sess := range stale {
			if sess.State != "" {
				if err := idx.Delete([]byte(sess.State)); err != nil {
					return err
				}
			}

			if err := b.Delete([]byte(sess.ID)); err != nil {
				return err
			}

			pruned++
		}

		return nil
	})

	return pruned, err
}

// PutToken persists a token record keyed by its session ID and indexes
// it by access token hash so bearer lookups do not need the session.
func (s *State) PutToken(rec models.AccessTokenRecord) error {
	if rec.SessionID == "" {
		return fmt.Errorf("session id is required for token persistence")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(tokensBucket)
		key := keyHash(rec.SessionID)

		// Drop the index entry for a superseded access token so a
		// refreshed session cannot be reached through its old token.
		if v := b.Get(key); v != nil {
			var old models.AccessTokenRecord
			if err := json.Unmarshal(v, &old); err == nil && old.AccessToken != rec.AccessToken {
				if err := tx.Bucket(tokenIndexBucket).Delete(keyHash(old.AccessToken)); err != nil {
					return err
				}
			}
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}

		if err := b.Put(key, data); err != nil {
			return err
		}

		return tx.Bucket(tokenIndexBucket).Put(keyHash(rec.AccessToken), []byte(rec.SessionID))
	})
}

// Token returns the token record for a session, or nil if not found.
func (s *State) Token(sessionID string) (*models.AccessTokenRecord, error) {
	var rec *models.AccessTokenRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(tokensBucket).Get(keyHash(sessionID))
		if v == nil {
			return nil
		}

		rec = &models.AccessTokenRecord{}

		return json.Unmarshal(v, rec)
	})

	return rec, err
}

// TokenByAccessToken resolves a raw bearer token to its record, or nil
// if unknown. A stale index entry (token rotated since) resolves to nil.
func (s *State) TokenByAccessToken(token string) (*models.AccessTokenRecord, error) {
	var rec *models.AccessTokenRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		sessionID := tx.Bucket(tokenIndexBucket).Get(keyHash(token))
		if sessionID == nil {
			return nil
		}

		v := tx.Bucket(tokensBucket).Get(keyHash(string(sessionID)))
		if v == nil {
			return nil
		}

		found := &models.AccessTokenRecord{}
		if err := json.Unmarshal(v, found); err != nil {
			return err
		}

		if found.AccessToken != token {
			return nil
		}

		rec = found

		return nil
	})

	return rec, err
}

// TokenByRefreshToken scans for the record holding a refresh token.
// Refresh grants are rare enough that a full scan is fine.
func (s *State) TokenByRefreshToken(refreshToken string) (*models.AccessTokenRecord, error) {
	var rec *models.AccessTokenRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(tokensBucket).ForEach(func(k, v []byte) error {
			if rec != nil {
				return nil
			}

			var r models.AccessTokenRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}

			if r.RefreshToken == refreshToken {
				rec = &r
			}

			return nil
		})
	})

	return rec, err
}

// LatestToken returns the most recently updated token record, or nil
// when none are stored. Used by the tool-driven auth flow where the
// caller has no bearer token of its own.
func (s *State) LatestToken() (*models.AccessTokenRecord, error) {
	var rec *models.AccessTokenRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(tokensBucket).ForEach(func(k, v []byte) error {
			var r models.AccessTokenRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}

			if rec == nil || r.UpdatedAt.After(rec.UpdatedAt) {
				rec = &r
			}

			return nil
		})
	})

	return rec, err
}

// DeleteToken removes the token record for a session.
func (s *State) DeleteToken(sessionID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(tokensBucket)
		key := keyHash(sessionID)

		if v := b.Get(key); v != nil {
			var rec models.AccessTokenRecord
			if err := json.Unmarshal(v, &rec); err == nil {
				if err := tx.Bucket(tokenIndexBucket).Delete(keyHash(rec.AccessToken)); err != nil {
					return err
				}
			}
		}

		return b.Delete(key)
	})
}

// DeleteTokenByAccessToken removes the token record reachable from a
// raw bearer token. Missing tokens are not an error (RFC 7009).
func (s *State) DeleteTokenByAccessToken(token string) error {
	rec, err := s.TokenByAccessToken(token)
	if err != nil || rec == nil {
		return err
	}

	return s.DeleteToken(rec.SessionID)
}
