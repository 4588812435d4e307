package auth

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestUserTokenSource(t *testing.T) {
	tests := []struct {
		name      string
		state     State
		loadErr   error
		want      string
		wantState bool
	}{
		{name: "token present", state: State{"token": "user-token", "username": "alice"}, want: "user-token"},
		{name: "no token key", state: State{"username": "alice"}, wantState: true},
		{name: "empty token", state: State{"token": "  "}, wantState: true},
		{name: "token of wrong type", state: State{"token": 42}, wantState: true},
		{name: "nil state", state: nil, wantState: true},
		{name: "load failure", loadErr: errors.New("db down")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := NewUserTokenSource(func() (State, error) { return tt.state, tt.loadErr })
			tok, err := ts.Token()

			switch {
			case tt.want != "":
				if err != nil {
					t.Fatalf("Token() error = %v", err)
				}
				if tok.AccessToken != tt.want {
					t.Errorf("AccessToken = %q, want %q", tok.AccessToken, tt.want)
				}
			case tt.wantState:
				var stateErr *InvalidAuthStateError
				if !errors.As(err, &stateErr) {
					t.Errorf("Token() error = %v, want InvalidAuthStateError", err)
				}
			default:
				if !errors.Is(err, tt.loadErr) {
					t.Errorf("Token() error = %v, want wrapped %v", err, tt.loadErr)
				}
			}
		})
	}
}

func TestUserTokenSetsBearerHeader(t *testing.T) {
	tok, err := StaticUserToken("abc").Token()
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	req, _ := http.NewRequest(http.MethodGet, "http://controller.test", nil)
	tok.SetAuthHeader(req)
	if got := req.Header.Get("Authorization"); got != "Bearer abc" {
		t.Errorf("Authorization = %q, want %q", got, "Bearer abc")
	}
}

func TestAdminTokenPrefersEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "token")
	if err := os.WriteFile(path, []byte("from-file\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TEST_ADMIN_TOKEN", "from-env")

	s := NewAdminTokenSource(path, "TEST_ADMIN_TOKEN")
	defer s.Close()

	tok, err := s.Token()
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if tok.AccessToken != "from-env" {
		t.Errorf("AccessToken = %q, want %q", tok.AccessToken, "from-env")
	}
}

func TestAdminTokenFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "token")
	if err := os.WriteFile(path, []byte("  admin-secret \n"), 0600); err != nil {
		t.Fatal(err)
	}

	s := NewAdminTokenSource(path, "")
	defer s.Close()

	tok, err := s.Token()
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if tok.AccessToken != "admin-secret" {
		t.Errorf("AccessToken = %q, want %q", tok.AccessToken, "admin-secret")
	}
}

func TestAdminTokenErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		s := NewAdminTokenSource(filepath.Join(t.TempDir(), "absent"), "")
		defer s.Close()
		if _, err := s.Token(); err == nil {
			t.Error("Token() expected error for missing file, got nil")
		}
	})

	t.Run("empty file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "token")
		if err := os.WriteFile(path, []byte("\n"), 0600); err != nil {
			t.Fatal(err)
		}
		s := NewAdminTokenSource(path, "")
		defer s.Close()
		if _, err := s.Token(); err == nil {
			t.Error("Token() expected error for empty file, got nil")
		}
	})

	t.Run("nothing configured", func(t *testing.T) {
		s := NewAdminTokenSource("", "")
		if _, err := s.Token(); err == nil {
			t.Error("Token() expected error, got nil")
		}
	})
}

func TestAdminTokenPicksUpRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "token")
	if err := os.WriteFile(path, []byte("first"), 0600); err != nil {
		t.Fatal(err)
	}

	s := NewAdminTokenSource(path, "")
	defer s.Close()

	tok, err := s.Token()
	if err != nil || tok.AccessToken != "first" {
		t.Fatalf("Token() = %v, %v; want first", tok, err)
	}

	if err := os.WriteFile(path, []byte("second"), 0600); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		tok, err := s.Token()
		if err == nil && tok.AccessToken == "second" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("rotated token not observed, last = %v, %v", tok, err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestAdminTokenInvalidate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "token")
	if err := os.WriteFile(path, []byte("first"), 0600); err != nil {
		t.Fatal(err)
	}
	s := NewAdminTokenSource(path, "")
	defer s.Close()

	if _, err := s.Token(); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("second"), 0600); err != nil {
		t.Fatal(err)
	}
	s.Invalidate()

	tok, err := s.Token()
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if tok.AccessToken != "second" {
		t.Errorf("AccessToken after Invalidate = %q, want %q", tok.AccessToken, "second")
	}
}
