// Package server runs the short-lived local HTTP server that receives the
// OAuth2 redirect during connector authorization. "cadenza auth spotify"
// starts it on the configured callback address, waits for one result and
// shuts it down.
package server

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/oauth2"

	"github.com/cadenza-fm/cadenza/internal/shared"
)

// Result is the outcome of one authorization flow. Exactly one of Token
// and Err is set.
type Result struct {
	Token *oauth2.Token
	Err   error
}

// CallbackServer is a single-shot HTTP server for the OAuth2 authorization
// code redirect. It checks the state parameter, exchanges the code for a
// token and delivers one Result; later hits on the callback path are
// rejected with 409.
type CallbackServer struct {
	oauth  *oauth2.Config
	state  string
	logger *log.Logger
	srv    *http.Server
	result chan Result
	once   sync.Once
	mu     sync.Mutex
	done   bool
}

// NewCallbackServer builds the server for the given OAuth2 config. The
// callback path comes from the config's redirect URL; state must be the
// random token embedded in the authorization URL.
func NewCallbackServer(config *oauth2.Config, state, addr string, logger *log.Logger) *CallbackServer {
	s := &CallbackServer{
		oauth:  config,
		state:  state,
		logger: logger,
		result: make(chan Result, 1),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(callbackPath(config.RedirectURL), s.handleCallback)
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// callbackPath extracts the path of the redirect URL, defaulting to
// /callback.
func callbackPath(redirectURL string) string {
	u, err := url.Parse(redirectURL)
	if err != nil || u.Path == "" {
		return "/callback"
	}
	return u.Path
}

// Start listens in the background. The returned channel reports a listen
// failure; it stays silent on a clean shutdown.
func (s *CallbackServer) Start() <-chan error {
	errs := make(chan error, 1)
	go func() {
		s.logger.Info("oauth callback server listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errs <- err
		}
	}()
	return errs
}

// Result returns the channel the flow outcome arrives on. It receives one
// value and is then closed.
func (s *CallbackServer) Result() <-chan Result {
	return s.result
}

// Shutdown stops the listener, waiting for in-flight requests.
func (s *CallbackServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *CallbackServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		http.Error(w, "Callback already processed", http.StatusConflict)
		return
	}
	s.done = true
	s.mu.Unlock()

	q := r.URL.Query()
	if q.Get("state") != s.state {
		s.logger.Warn("rejecting callback with mismatched state")
		s.deliver(Result{Err: fmt.Errorf("%w: state mismatch on callback", shared.ErrAuthFailed)})
		http.Error(w, "Invalid state parameter", http.StatusBadRequest)
		return
	}

	code := q.Get("code")
	if code == "" {
		s.deliver(Result{Err: fmt.Errorf("%w: %s (%s)", shared.ErrAuthFailed,
			q.Get("error"), q.Get("error_description"))})
		http.Error(w, "Authorization denied", http.StatusBadRequest)
		return
	}

	token, err := s.oauth.Exchange(r.Context(), code)
	if err != nil {
		s.deliver(Result{Err: fmt.Errorf("%w: token exchange: %v", shared.ErrAuthFailed, err)})
		http.Error(w, "Token exchange failed", http.StatusInternalServerError)
		return
	}

	s.deliver(Result{Token: token})
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, successPage)
}

// deliver sends the result exactly once, no matter which callback variant
// arrives first.
func (s *CallbackServer) deliver(res Result) {
	s.once.Do(func() {
		s.result <- res
		close(s.result)
	})
}

const successPage = `<!DOCTYPE html>
<html>
<head>
    <title>cadenza</title>
    <style>
        body { font-family: system-ui, sans-serif; display: flex; align-items: center;
               justify-content: center; height: 100vh; margin: 0; background: #1a1b26; }
        .card { text-align: center; background: #24283b; color: #c0caf5;
                padding: 2rem 3rem; border-radius: 8px; }
        h1 { color: #9ece6a; margin: 0 0 0.5rem 0; font-size: 1.4rem; }
        p { margin: 0; color: #a9b1d6; }
    </style>
</head>
<body>
    <div class="card">
        <h1>Connected</h1>
        <p>cadenza is authorized. You can close this tab and return to the terminal.</p>
    </div>
</body>
</html>
`
