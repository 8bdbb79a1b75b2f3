package session

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func testSealer(t *testing.T, secret string) *Sealer {
	t.Helper()
	s, err := NewSealer(secret, time.Hour)
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	return s
}

func TestSealOpen(t *testing.T) {
	s := testSealer(t, "0123456789abcdef-secret")

	token, err := s.Issue(Claims{UserID: "u-1", Email: "a@example.com", Role: "FARMER"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if strings.ContainsAny(token, "+/=") {
		t.Errorf("token %q is not raw URL-safe base64", token)
	}

	got, err := s.Open(token)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got.UserID != "u-1" || got.Role != "FARMER" {
		t.Errorf("claims = %+v", got)
	}
	if got.ExpiresAt.IsZero() {
		t.Error("ExpiresAt not set by Issue")
	}
}

func TestOpen_Rejects(t *testing.T) {
	s := testSealer(t, "0123456789abcdef-secret")
	other := testSealer(t, "another-secret-of-length")

	valid, _ := s.Issue(Claims{UserID: "u-1", Role: "ADMIN"})
	foreign, _ := other.Issue(Claims{UserID: "u-1", Role: "ADMIN"})
	expired, _ := s.Seal(Claims{UserID: "u-1", Role: "ADMIN", ExpiresAt: time.Now().Add(-time.Minute)})

	tampered := []byte(valid)
	tampered[len(tampered)-3] ^= 0x01

	tests := map[string]string{
		"empty":     "",
		"garbage":   "not-a-token",
		"short":     "AAAA",
		"tampered":  string(tampered),
		"other key": foreign,
		"expired":   expired,
	}
	for name, token := range tests {
		if _, err := s.Open(token); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("%s: Open error = %v, want ErrInvalidToken", name, err)
		}
	}
}

func TestNewSealer_EmptySecret(t *testing.T) {
	if _, err := NewSealer("", time.Hour); !errors.Is(err, ErrNoSecret) {
		t.Errorf("NewSealer(\"\") error = %v, want ErrNoSecret", err)
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header, want string
	}{
		{"Bearer abc", "abc"},
		{"bearer   xyz ", "xyz"},
		{"Basic abc", ""},
		{"", ""},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.header != "" {
			r.Header.Set("Authorization", tt.header)
		}
		if got := BearerToken(r); got != tt.want {
			t.Errorf("BearerToken(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}

func TestFromRequest(t *testing.T) {
	s := testSealer(t, "0123456789abcdef-secret")
	access, _ := s.Issue(Claims{UserID: "u-7", Email: "tech@example.com", Role: "TECHNICIAN"})

	cookieValue, err := s.SealWebSession(WebSession{
		User:        WebUser{ID: "u-7", Email: "tech@example.com", Role: "TECHNICIAN"},
		AccessToken: access,
	})
	if err != nil {
		t.Fatalf("SealWebSession: %v", err)
	}

	t.Run("cookie", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.AddCookie(Cookie(cookieValue, time.Now().Add(time.Hour), false))
		ws, err := s.FromRequest(r)
		if err != nil {
			t.Fatalf("FromRequest: %v", err)
		}
		if ws.User.Role != "TECHNICIAN" || ws.AccessToken != access {
			t.Errorf("session = %+v", ws)
		}
	})

	t.Run("bearer", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("Authorization", "Bearer "+access)
		ws, err := s.FromRequest(r)
		if err != nil {
			t.Fatalf("FromRequest: %v", err)
		}
		if ws.User.ID != "u-7" || ws.AccessToken != access {
			t.Errorf("session = %+v", ws)
		}
	})

	t.Run("bad cookie", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.AddCookie(&http.Cookie{Name: CookieName, Value: "junk"})
		r.Header.Set("Authorization", "Bearer "+access)
		if _, err := s.FromRequest(r); !errors.Is(err, ErrNoSession) {
			t.Errorf("FromRequest error = %v, want ErrNoSession", err)
		}
	})

	t.Run("none", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if _, err := s.FromRequest(r); !errors.Is(err, ErrNoSession) {
			t.Errorf("FromRequest error = %v, want ErrNoSession", err)
		}
	})
}
