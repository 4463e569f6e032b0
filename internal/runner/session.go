package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/lognaturel/central-updater/internal/central"
)

// session wraps the run's token and its single re-authentication budget. A
// rejected token triggers exactly one new-session request per run; if the
// replacement token is rejected too, something is wrong with the server or
// the credentials and the run must fail rather than loop.
type session struct {
	mu        sync.Mutex
	transport Transport
	store     CheckpointStore
	creds     central.Credentials
	token     string
	refreshed bool
}

// do runs op with the current token, refreshing the session and retrying
// once when the server reports the token expired. Safe for concurrent use
// during fetching: only the first goroutine to observe the expiry opens a
// new session, the rest retry with its token.
func (s *session) do(ctx context.Context, op func(token string) error) error {
	token := s.current()
	err := op(token)
	if !errors.Is(err, central.ErrSessionExpired) {
		return err
	}

	fresh, refreshErr := s.refresh(ctx, token)
	if refreshErr != nil {
		return refreshErr
	}
	return op(fresh)
}

// ensure makes the session usable before fetching starts: an empty cached
// token is replaced outright, a present one is probed and replaced only on
// rejection.
func (s *session) ensure(ctx context.Context) error {
	token := s.current()
	if token == "" {
		_, err := s.refresh(ctx, token)
		return err
	}

	err := s.transport.VerifyToken(ctx, token)
	if errors.Is(err, central.ErrSessionExpired) {
		_, err = s.refresh(ctx, token)
	}
	return err
}

func (s *session) current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

func (s *session) refresh(ctx context.Context, stale string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != stale {
		return s.token, nil
	}
	if s.refreshed {
		return "", fmt.Errorf("session expired twice in one run: %w", central.ErrSessionExpired)
	}

	token, err := s.transport.Authenticate(ctx, s.creds)
	if err != nil {
		return "", err
	}
	s.token = token
	s.refreshed = true

	if err := s.store.SaveToken(ctx, token); err != nil {
		return "", err
	}
	return token, nil
}
