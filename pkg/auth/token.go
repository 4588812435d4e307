// Package auth supplies the bearer tokens used to talk to the lab controller.
//
// Two identities exist: the hub's own admin token, read from the environment
// or a mounted secret, and each user's token, taken from the auth state the
// authenticator stored for that user. Both are exposed as oauth2.TokenSource
// so callers can attach them with Token.SetAuthHeader.
package auth

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/oauth2"

	holonlog "github.com/holon-run/restspawner/pkg/log"
)

// InvalidAuthStateError is returned when a user's auth state carries no
// usable token.
type InvalidAuthStateError struct {
	Reason string
}

func (e *InvalidAuthStateError) Error() string {
	return "invalid auth state: " + e.Reason
}

// State is the opaque per-user auth state handed over by the authenticator.
// Only the "token" key is read.
type State map[string]any

// StateFunc loads the current auth state for one user.
type StateFunc func() (State, error)

type userTokenSource struct {
	load StateFunc
}

// NewUserTokenSource returns a token source that reads the user's token from
// freshly loaded auth state on every call, so refreshed tokens are picked up.
func NewUserTokenSource(load StateFunc) oauth2.TokenSource {
	return &userTokenSource{load: load}
}

// StaticUserToken wraps a token already known to the caller.
func StaticUserToken(token string) oauth2.TokenSource {
	return NewUserTokenSource(func() (State, error) {
		return State{"token": token}, nil
	})
}

func (s *userTokenSource) Token() (*oauth2.Token, error) {
	state, err := s.load()
	if err != nil {
		return nil, fmt.Errorf("failed to load auth state: %w", err)
	}
	if state == nil {
		return nil, &InvalidAuthStateError{Reason: "no auth state"}
	}
	raw, ok := state["token"]
	if !ok {
		return nil, &InvalidAuthStateError{Reason: "no token in user auth state"}
	}
	token, ok := raw.(string)
	if !ok || strings.TrimSpace(token) == "" {
		return nil, &InvalidAuthStateError{Reason: "empty token in user auth state"}
	}
	return &oauth2.Token{AccessToken: token, TokenType: "Bearer"}, nil
}

// AdminTokenSource serves the hub's own token. The environment variable wins
// when set; otherwise the mounted file is read, trimmed and cached until the
// file (or the secret directory holding it) changes.
type AdminTokenSource struct {
	path   string
	envVar string

	mu      sync.Mutex
	cached  string
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewAdminTokenSource creates the admin token source. Watching the secret
// directory is best effort; without a watcher the file is re-read on every
// call.
func NewAdminTokenSource(path, envVar string) *AdminTokenSource {
	s := &AdminTokenSource{
		path:   path,
		envVar: envVar,
		done:   make(chan struct{}),
	}
	if path == "" {
		return s
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		holonlog.Warn("cannot watch admin token, reading it on every request", "path", path, "error", err)
		return s
	}
	// Kubernetes swaps secrets by relinking ..data, so watch the directory.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		holonlog.Warn("cannot watch admin token, reading it on every request", "path", path, "error", err)
		_ = watcher.Close()
		return s
	}
	s.watcher = watcher
	go s.watch()
	return s
}

func (s *AdminTokenSource) watch() {
	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			holonlog.Debug("admin token changed", "path", event.Name, "op", event.Op.String())
			s.Invalidate()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			holonlog.Warn("admin token watcher error", "error", err)
			s.Invalidate()
		}
	}
}

// Invalidate drops the cached token so the next call re-reads the file.
func (s *AdminTokenSource) Invalidate() {
	s.mu.Lock()
	s.cached = ""
	s.mu.Unlock()
}

// Token implements oauth2.TokenSource.
func (s *AdminTokenSource) Token() (*oauth2.Token, error) {
	if s.envVar != "" {
		if v := strings.TrimSpace(os.Getenv(s.envVar)); v != "" {
			return &oauth2.Token{AccessToken: v, TokenType: "Bearer"}, nil
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != "" {
		return &oauth2.Token{AccessToken: s.cached, TokenType: "Bearer"}, nil
	}
	if s.path == "" {
		return nil, errors.New("no admin token configured")
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read admin token: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return nil, fmt.Errorf("admin token file %s is empty", s.path)
	}
	if s.watcher != nil {
		s.cached = token
	}
	return &oauth2.Token{AccessToken: token, TokenType: "Bearer"}, nil
}

// Close stops watching the secret directory.
func (s *AdminTokenSource) Close() error {
	if s.watcher == nil {
		return nil
	}
	select {
	case <-s.done:
		return nil
	default:
		close(s.done)
	}
	return s.watcher.Close()
}
