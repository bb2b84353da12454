package main

import (
	"net/http"
	"strings"

	"pharmatrace/session"
)

type challengeRequest struct {
	WalletAddress string `json:"walletAddress"`
}

type challengeResponse struct {
	WalletAddress string `json:"walletAddress"`
	Message       string `json:"message"`
	ExpiresAt     string `json:"expiresAt"`
}

type loginRequest struct {
	WalletAddress string `json:"walletAddress"`
	Signature     string `json:"signature,omitempty"`
	Password      string `json:"password,omitempty"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type logoutRequest struct {
	RefreshToken string `json:"refreshToken,omitempty"`
}

type tokenResponse struct {
	AccessToken      string `json:"accessToken"`
	RefreshToken     string `json:"refreshToken"`
	TokenType        string `json:"tokenType"`
	AccessExpiresAt  string `json:"accessExpiresAt"`
	RefreshExpiresAt string `json:"refreshExpiresAt"`
	WalletAddress    string `json:"walletAddress"`
	Role             string `json:"role"`
}

func toTokenResponse(pair session.TokenPair) tokenResponse {
	return tokenResponse{
		AccessToken:      pair.AccessToken,
		RefreshToken:     pair.RefreshToken,
		TokenType:        "Bearer",
		AccessExpiresAt:  formatTime(pair.AccessExpiresAt),
		RefreshExpiresAt: formatTime(pair.RefreshExpiresAt),
		WalletAddress:    pair.Session.Subject,
		Role:             string(pair.Session.Role),
	}
}

func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	var req challengeRequest
	if err := readJSON(w, r, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	ch, err := s.sessions.Challenge(r.Context(), req.WalletAddress)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, challengeResponse{
		WalletAddress: ch.Wallet,
		Message:       ch.Message,
		ExpiresAt:     formatTime(ch.ExpiresAt),
	})
}

// handleLogin accepts either a signed challenge or a password.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := readJSON(w, r, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	var proof session.Proof
	switch {
	case strings.TrimSpace(req.Signature) != "":
		proof = session.Proof{Kind: session.ProofSignature, Signature: req.Signature}
	case req.Password != "":
		proof = session.Proof{Kind: session.ProofPassword, Password: req.Password}
	default:
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "signature or password is required")
		return
	}

	pair, err := s.sessions.Issue(r.Context(), req.WalletAddress, proof)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, toTokenResponse(pair))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := readJSON(w, r, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "refreshToken is required")
		return
	}
	pair, err := s.sessions.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, toTokenResponse(pair))
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	access, _ := bearerToken(r)
	var req logoutRequest
	if r.ContentLength != 0 {
		if err := readJSON(w, r, &req); err != nil {
			s.writeServiceError(w, r, err)
			return
		}
	}
	if err := s.sessions.Logout(r.Context(), access, req.RefreshToken); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]bool{"loggedOut": true})
}
