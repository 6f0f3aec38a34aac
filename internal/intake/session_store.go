package intake

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/guildops/ticket-bridge/pkg/util"
)

// ErrNotFound signals a session that was never created, has expired, or was
// deleted. It is the common case and is distinct from store I/O failures,
// which surface as STORAGE_ERROR and should be treated as transient.
var ErrNotFound = errors.New("intake session not found")

const (
	sessionKeyPrefix = "intake:session:"
	userKeyPrefix    = "intake:user:"
)

// SessionStore keeps in-progress ticket drafts in Redis, keyed by session id
// with a secondary user index for duplicate-intake prevention. Entries carry
// a fixed expiry: updates shrink the remaining TTL, they never slide it.
type SessionStore struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger

	// now is swappable for tests.
	now func() time.Time
}

// NewSessionStore constructs the store with the configured session TTL.
func NewSessionStore(client *redis.Client, ttl time.Duration, logger *zap.Logger) *SessionStore {
	return &SessionStore{
		client: client,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
	}
}

func sessionKey(sessionID string) string {
	return sessionKeyPrefix + sessionID
}

func userKey(guildID, userID string) string {
	return userKeyPrefix + guildID + ":" + userID
}

// Create allocates a fresh session id, writes the session with its TTL-bound
// expiry and records the user index with the same expiry.
func (s *SessionStore) Create(ctx context.Context, session Session) (string, error) {
	now := s.now()
	session.ID = uuid.NewString()
	session.CreatedAt = now
	session.ExpiresAt = now.Add(s.ttl)

	payload, err := json.Marshal(&session)
	if err != nil {
		return "", util.NewStorageError(err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, sessionKey(session.ID), payload, s.ttl)
	pipe.Set(ctx, userKey(session.GuildID, session.UserID), session.ID, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", util.NewStorageError(err)
	}
	return session.ID, nil
}

// Get returns the session, or ErrNotFound both when it was never created and
// when it expired or was deleted. A payload that outlived its deadline is
// proactively removed.
func (s *SessionStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	payload, err := s.client.Get(ctx, sessionKey(sessionID)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, util.NewStorageError(err)
	}

	var session Session
	if err := json.Unmarshal(payload, &session); err != nil {
		return nil, util.NewStorageError(err)
	}
	if session.Expired(s.now()) {
		s.removeExpired(ctx, &session)
		return nil, ErrNotFound
	}
	return &session, nil
}

// Update applies the mutation to the stored session and rewrites it with the
// TTL remaining until the fixed deadline. A session past its deadline is
// deleted instead of written back, and the update reports not applied. The
// mutation must not touch identity or expiry fields.
func (s *SessionStore) Update(ctx context.Context, sessionID string, apply func(*Session)) (bool, error) {
	session, err := s.Get(ctx, sessionID)
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	apply(session)

	remaining := session.ExpiresAt.Sub(s.now())
	if remaining <= 0 {
		s.removeExpired(ctx, session)
		return false, nil
	}

	payload, err := json.Marshal(session)
	if err != nil {
		return false, util.NewStorageError(err)
	}
	if err := s.client.Set(ctx, sessionKey(sessionID), payload, remaining).Err(); err != nil {
		return false, util.NewStorageError(err)
	}
	return true, nil
}

// Delete removes the session and, if the owner's index still points at this
// session, the index too. The index is left alone when the user has since
// started a different session.
func (s *SessionStore) Delete(ctx context.Context, sessionID string) error {
	payload, err := s.client.Get(ctx, sessionKey(sessionID)).Bytes()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return util.NewStorageError(err)
	}
	var session Session
	if err := json.Unmarshal(payload, &session); err != nil {
		return util.NewStorageError(err)
	}

	if err := s.client.Del(ctx, sessionKey(sessionID)).Err(); err != nil {
		return util.NewStorageError(err)
	}

	indexKey := userKey(session.GuildID, session.UserID)
	current, err := s.client.Get(ctx, indexKey).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return util.NewStorageError(err)
	}
	if current == sessionID {
		if err := s.client.Del(ctx, indexKey).Err(); err != nil {
			return util.NewStorageError(err)
		}
	}
	return nil
}

// ActiveSessionForUser returns the session id the user index points at, or
// ErrNotFound. The index and the session expire independently, so callers
// must confirm with Get before reusing the id.
func (s *SessionStore) ActiveSessionForUser(ctx context.Context, guildID, userID string) (string, error) {
	sessionID, err := s.client.Get(ctx, userKey(guildID, userID)).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", util.NewStorageError(err)
	}
	return sessionID, nil
}

// InitializeModalPages resets page counters and clears any recorded batches.
func (s *SessionStore) InitializeModalPages(ctx context.Context, sessionID string, totalPages int) (bool, error) {
	return s.Update(ctx, sessionID, func(session *Session) {
		session.CurrentModalPage = 0
		session.TotalModalPages = totalPages
		session.ModalAnswerBatches = make(map[int]map[string]string)
	})
}

// RecordPageAnswers stores one page's answers keyed by page index. Pages may
// arrive out of order; re-recording a page overwrites it.
func (s *SessionStore) RecordPageAnswers(ctx context.Context, sessionID string, pageIndex int, answers map[string]string) (bool, error) {
	return s.Update(ctx, sessionID, func(session *Session) {
		if session.ModalAnswerBatches == nil {
			session.ModalAnswerBatches = make(map[int]map[string]string)
		}
		batch := make(map[string]string, len(answers))
		for id, value := range answers {
			batch[id] = value
		}
		session.ModalAnswerBatches[pageIndex] = batch
	})
}

// AdvancePage increments the page pointer and reports whether further pages
// remain.
func (s *SessionStore) AdvancePage(ctx context.Context, sessionID string) (hasMore bool, err error) {
	applied, err := s.Update(ctx, sessionID, func(session *Session) {
		session.CurrentModalPage++
		hasMore = session.CurrentModalPage < session.TotalModalPages
	})
	if err != nil {
		return false, err
	}
	if !applied {
		return false, ErrNotFound
	}
	return hasMore, nil
}

// FlattenAnswers merges all recorded batches into the flat answers map, in
// page order so later pages overwrite overlapping ids. Field ids are unique
// across pages by configuration contract, so overlap indicates an upstream
// configuration error, not data to preserve.
func (s *SessionStore) FlattenAnswers(ctx context.Context, sessionID string) (bool, error) {
	return s.Update(ctx, sessionID, func(session *Session) {
		flat := make(map[string]string)
		pages := make([]int, 0, len(session.ModalAnswerBatches))
		for page := range session.ModalAnswerBatches {
			pages = append(pages, page)
		}
		sort.Ints(pages)
		for _, page := range pages {
			for id, value := range session.ModalAnswerBatches[page] {
				flat[id] = value
			}
		}
		session.Answers = flat
	})
}

func (s *SessionStore) removeExpired(ctx context.Context, session *Session) {
	if err := s.client.Del(ctx, sessionKey(session.ID)).Err(); err != nil && s.logger != nil {
		s.logger.Warn("failed to remove expired intake session",
			zap.String("session_id", session.ID), zap.Error(err))
	}
}
