package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"codekudos/auth"
	"codekudos/identity"
)

// ConnectGitHub starts the onboarding handshake by redirecting the browser to
// the provider with a fresh single-use state nonce.
func (s *Server) ConnectGitHub(w http.ResponseWriter, r *http.Request) {
	authorizeURL, err := s.identity.Begin(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to start authorization")
		return
	}
	http.Redirect(w, r, authorizeURL, http.StatusFound)
}

// GitHubCallback completes the handshake: the state nonce is consumed, the
// code exchanged, the developer upserted, and a developer-scoped bearer token
// issued for subsequent API calls.
func (s *Server) GitHubCallback(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	if strings.TrimSpace(code) == "" {
		s.writeError(w, http.StatusBadRequest, "missing authorization code")
		return
	}

	developer, err := s.identity.Complete(r.Context(), state, code)
	if err != nil {
		if errors.Is(err, identity.ErrStateInvalid) {
			s.writeError(w, http.StatusBadRequest, "invalid or expired state")
			return
		}
		s.writeError(w, http.StatusBadGateway, "authorization failed")
		return
	}

	token, err := s.auth.Issue(developer.GithubUsername, auth.RoleDeveloper)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"developer": developer,
		"token":     token,
	})
}

// SetDeveloperWallet assigns the payout address for a developer. Operators
// run this once during provisioning.
func (s *Server) SetDeveloperWallet(w http.ResponseWriter, r *http.Request) {
	handle := chi.URLParam(r, "handle")
	var req struct {
		Address string `json:"address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	developer, err := s.identity.SetWallet(r.Context(), handle, req.Address)
	if err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, developer)
}
