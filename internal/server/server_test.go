package server

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"golang.org/x/oauth2"

	"github.com/cadenza-fm/cadenza/internal/shared"
)

// newCallback wires a CallbackServer to an httptest token endpoint so the
// exchange step never leaves the process. The returned client hits the
// callback handler directly.
func newCallback(t *testing.T, state string, tokenStatus int) (*CallbackServer, *httptest.Server) {
	t.Helper()
	tokens := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if tokenStatus != http.StatusOK {
			w.WriteHeader(tokenStatus)
			return
		}
		io.WriteString(w, `{"access_token":"at","token_type":"Bearer","refresh_token":"rt"}`)
	}))
	t.Cleanup(tokens.Close)

	config := &oauth2.Config{
		ClientID:     "id",
		ClientSecret: "secret",
		RedirectURL:  "http://127.0.0.1:8080/callback",
		Endpoint:     oauth2.Endpoint{TokenURL: tokens.URL},
	}
	s := NewCallbackServer(config, state, "127.0.0.1:0", shared.NewLogger(io.Discard))
	return s, httptest.NewServer(http.HandlerFunc(s.handleCallback))
}

func TestCallbackServer(t *testing.T) {
	t.Run("DeliversTokenOnSuccess", func(t *testing.T) {
		s, ts := newCallback(t, "state-1", http.StatusOK)
		defer ts.Close()

		resp, err := http.Get(ts.URL + "?state=state-1&code=abc")
		if err != nil {
			t.Fatalf("callback request failed: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("expected 200, got %d", resp.StatusCode)
		}
		body, _ := io.ReadAll(resp.Body)
		if !strings.Contains(string(body), "authorized") {
			t.Errorf("expected success page, got %q", body)
		}

		res := <-s.Result()
		if res.Err != nil {
			t.Fatalf("expected token, got error %v", res.Err)
		}
		if res.Token.AccessToken != "at" || res.Token.RefreshToken != "rt" {
			t.Errorf("unexpected token %+v", res.Token)
		}
	})

	t.Run("RejectsMismatchedState", func(t *testing.T) {
		s, ts := newCallback(t, "state-1", http.StatusOK)
		defer ts.Close()

		resp, err := http.Get(ts.URL + "?state=forged&code=abc")
		if err != nil {
			t.Fatalf("callback request failed: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", resp.StatusCode)
		}

		res := <-s.Result()
		if !errors.Is(res.Err, shared.ErrAuthFailed) {
			t.Fatalf("expected auth-failed error, got %v", res.Err)
		}
	})

	t.Run("ReportsDeniedAuthorization", func(t *testing.T) {
		s, ts := newCallback(t, "state-1", http.StatusOK)
		defer ts.Close()

		resp, err := http.Get(ts.URL + "?state=state-1&error=access_denied&error_description=user+said+no")
		if err != nil {
			t.Fatalf("callback request failed: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", resp.StatusCode)
		}

		res := <-s.Result()
		if !errors.Is(res.Err, shared.ErrAuthFailed) {
			t.Fatalf("expected auth-failed error, got %v", res.Err)
		}
		if !strings.Contains(res.Err.Error(), "access_denied") {
			t.Errorf("expected provider error carried, got %v", res.Err)
		}
	})

	t.Run("SurfacesExchangeFailure", func(t *testing.T) {
		s, ts := newCallback(t, "state-1", http.StatusInternalServerError)
		defer ts.Close()

		resp, err := http.Get(ts.URL + "?state=state-1&code=abc")
		if err != nil {
			t.Fatalf("callback request failed: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusInternalServerError {
			t.Errorf("expected 500, got %d", resp.StatusCode)
		}

		res := <-s.Result()
		if !errors.Is(res.Err, shared.ErrAuthFailed) {
			t.Fatalf("expected auth-failed error, got %v", res.Err)
		}
	})

	t.Run("SecondCallbackRejected", func(t *testing.T) {
		_, ts := newCallback(t, "state-1", http.StatusOK)
		defer ts.Close()

		first, err := http.Get(ts.URL + "?state=state-1&code=abc")
		if err != nil {
			t.Fatalf("first callback failed: %v", err)
		}
		first.Body.Close()

		second, err := http.Get(ts.URL + "?state=state-1&code=abc")
		if err != nil {
			t.Fatalf("second callback failed: %v", err)
		}
		second.Body.Close()
		if second.StatusCode != http.StatusConflict {
			t.Errorf("expected 409 on replay, got %d", second.StatusCode)
		}
	})
}

func TestCallbackPath(t *testing.T) {
	cases := []struct {
		redirect string
		want     string
	}{
		{"http://127.0.0.1:8080/callback", "/callback"},
		{"http://localhost:9090/oauth/return", "/oauth/return"},
		{"", "/callback"},
	}
	for _, tc := range cases {
		if got := callbackPath(tc.redirect); got != tc.want {
			t.Errorf("callbackPath(%q) = %q, want %q", tc.redirect, got, tc.want)
		}
	}
}
