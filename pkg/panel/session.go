package panel

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/panelbroker/gamebroker/pkg/errors"
	"golang.org/x/sync/singleflight"
)

// Session holds the panel session token shared by every call. Readers share
// the token under a read lock; a login in progress is awaited by every caller
// that needs a token instead of starting a second one.
type Session struct {
	rpc          *rpc
	username     string
	password     string
	loginTimeout time.Duration
	cache        SessionCache
	cacheTTL     time.Duration

	mu     sync.RWMutex
	token  string
	logins singleflight.Group

	// loginCount is exposed to tests through LoginCount.
	loginCount int
}

func newSession(r *rpc, username, password string, loginTimeout time.Duration, cache SessionCache, cacheTTL time.Duration) *Session {
	if cache == nil {
		cache = NewMemoryCache()
	}
	return &Session{
		rpc:          r,
		username:     username,
		password:     password,
		loginTimeout: loginTimeout,
		cache:        cache,
		cacheTTL:     cacheTTL,
	}
}

// Token returns the current session token, logging in if there is none.
func (s *Session) Token(ctx context.Context) (string, error) {
	s.mu.RLock()
	token := s.token
	s.mu.RUnlock()
	if token != "" {
		return token, nil
	}

	v, err, shared := s.logins.Do("login", func() (any, error) {
		s.mu.RLock()
		current := s.token
		s.mu.RUnlock()
		if current != "" {
			return current, nil
		}

		if cached, err := s.cache.Get(ctx); err != nil {
			slog.Warn("panel_session_cache_read_failed", "error", err)
		} else if cached != "" {
			slog.Debug("panel_session_cache_hit")
			s.store(cached)
			return cached, nil
		}

		token, err := s.login(ctx)
		if err != nil {
			return "", err
		}
		s.store(token)
		if err := s.cache.Set(ctx, token, s.cacheTTL); err != nil {
			slog.Warn("panel_session_cache_write_failed", "error", err)
		}
		return token, nil
	})
	if err != nil {
		return "", err
	}
	if shared {
		slog.Debug("panel_login_shared")
	}
	return v.(string), nil
}

// Invalidate drops stale if it is still the current token. A token already
// replaced by a newer login is left alone.
func (s *Session) Invalidate(ctx context.Context, stale string) {
	s.mu.Lock()
	if s.token != stale {
		s.mu.Unlock()
		return
	}
	s.token = ""
	s.mu.Unlock()

	// The cache only drops stale, so a token stored meanwhile survives.
	if err := s.cache.Delete(ctx, stale); err != nil {
		slog.Warn("panel_session_cache_delete_failed", "error", err)
	}
	slog.Info("panel_session_invalidated")
}

// Do runs fn with a valid token. If fn fails with ErrSessionInvalid the
// session is renewed and fn is retried exactly once.
func (s *Session) Do(ctx context.Context, fn func(token string) error) error {
	token, err := s.Token(ctx)
	if err != nil {
		return err
	}

	err = fn(token)
	if !errors.Is(err, ErrSessionInvalid) {
		return err
	}

	slog.Warn("panel_session_rejected", "action", "relogin")
	s.Invalidate(ctx, token)

	token, err = s.Token(ctx)
	if err != nil {
		return errors.Wrap(err, "relogin failed")
	}
	return fn(token)
}

// LoginCount reports how many logins this session has performed.
func (s *Session) LoginCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loginCount
}

// Logout ends the current session on the panel, if any.
func (s *Session) Logout(ctx context.Context) error {
	s.mu.Lock()
	token := s.token
	s.token = ""
	s.mu.Unlock()

	if token == "" {
		return nil
	}
	if err := s.cache.Delete(ctx, token); err != nil {
		slog.Warn("panel_session_cache_delete_failed", "error", err)
	}

	res := call(ctx, s.loginTimeout, func(ctx context.Context) ([]byte, error) {
		return s.rpc.post(ctx, "Core/Logout", token, nil)
	})
	if res.Outcome != OutcomeSuccess {
		slog.Warn("panel_logout_failed", "outcome", res.Outcome, "error", res.Err)
		return errors.Wrap(res.Err, "logout failed")
	}
	slog.Info("panel_logout_succeeded")
	return nil
}

func (s *Session) store(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

func (s *Session) login(ctx context.Context) (string, error) {
	slog.Info("panel_login_started", "username", s.username)

	res := call(ctx, s.loginTimeout, func(ctx context.Context) (string, error) {
		data, err := s.rpc.post(ctx, "Core/Login", "", map[string]any{
			"username":   s.username,
			"password":   s.password,
			"token":      "",
			"rememberMe": false,
		})
		if err != nil {
			return "", err
		}

		var resp struct {
			Success   bool   `json:"success"`
			SessionID string `json:"sessionID"`
		}
		if err := json.Unmarshal(data, &resp); err != nil {
			return "", errors.Wrap(err, "failed to decode login response")
		}
		if resp.SessionID == "" {
			return "", errors.New("no session id in login response")
		}
		return resp.SessionID, nil
	})

	s.mu.Lock()
	s.loginCount++
	s.mu.Unlock()

	if res.Outcome != OutcomeSuccess {
		slog.Error("panel_login_failed", "username", s.username, "outcome", res.Outcome, "error", res.Err)
		return "", errors.Mark(errors.Wrap(res.Err, s.username), ErrLoginFailed)
	}

	slog.Info("panel_login_succeeded", "username", s.username)
	return res.Value, nil
}
