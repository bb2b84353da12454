package main

import (
	"context"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"pharmatrace/batch"
	"pharmatrace/session"
	"pharmatrace/stakeholder"
)

type ctxKey string

const (
	ctxKeyUserID    ctxKey = "userID"
	ctxKeyRole      ctxKey = "role"
	ctxKeySessionID ctxKey = "sessionID"
)

type batchService interface {
	CreateBatch(ctx context.Context, actor session.Session, req batch.CreateRequest) (batch.Batch, error)
	Get(ctx context.Context, actor session.Session, identifier string) (batch.Batch, error)
	List(ctx context.Context, actor session.Session, filter batch.ListFilter) ([]batch.Batch, error)
	History(ctx context.Context, actor session.Session, identifier string) ([]batch.HistoryEntry, error)
	Transfer(ctx context.Context, actor session.Session, identifier, to string) (batch.Batch, error)
	UpdateStatus(ctx context.Context, actor session.Session, identifier string, target batch.Status) (batch.Batch, error)
	Verify(ctx context.Context, identifier string) (batch.VerificationResult, error)
}

type sessionService interface {
	Challenge(ctx context.Context, wallet string) (session.Challenge, error)
	Issue(ctx context.Context, wallet string, proof session.Proof) (session.TokenPair, error)
	Validate(ctx context.Context, token string) (session.Session, error)
	Refresh(ctx context.Context, refreshToken string) (session.TokenPair, error)
	Logout(ctx context.Context, accessToken, refreshToken string) error
}

type stakeholderService interface {
	Register(ctx context.Context, actorRole stakeholder.Role, req stakeholder.RegisterRequest) (stakeholder.Stakeholder, error)
	Get(ctx context.Context, wallet string) (stakeholder.Stakeholder, error)
	List(ctx context.Context, filters stakeholder.ListFilters) ([]stakeholder.Stakeholder, error)
	UpdateRole(ctx context.Context, actorWallet string, actorRole stakeholder.Role, wallet string, role stakeholder.Role) (stakeholder.Stakeholder, error)
	SetActive(ctx context.Context, actorWallet string, actorRole stakeholder.Role, wallet string, active bool) (stakeholder.Stakeholder, error)
}

// Server exposes the batch provenance API over HTTP.
type Server struct {
	batches      batchService
	sessions     sessionService
	stakeholders stakeholderService
	logger       *log.Logger
}

func NewServer(batches batchService, sessions sessionService, stakeholders stakeholderService, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{batches: batches, sessions: sessions, stakeholders: stakeholders, logger: logger}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(logRequests(s.logger))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeData(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/auth", func(api chi.Router) {
		api.Post("/challenge", s.handleChallenge)
		api.Post("/login", s.handleLogin)
		api.Post("/refresh", s.handleRefresh)
		api.With(s.requireSession).Post("/logout", s.handleLogout)
	})

	r.Get("/batches/verify/{identifier}", s.handleVerifyBatch)

	r.Group(func(api chi.Router) {
		api.Use(s.requireSession)

		api.Post("/batches", s.handleCreateBatch)
		api.Get("/batches", s.handleListBatches)
		api.Get("/batches/{tokenId}", s.handleGetBatch)
		api.Get("/batches/{tokenId}/history", s.handleBatchHistory)
		api.Put("/batches/{tokenId}/status", s.handleUpdateStatus)
		api.Post("/batches/{tokenId}/transfer", s.handleTransfer)

		api.Post("/stakeholders", s.handleRegisterStakeholder)
		api.Get("/stakeholders", s.handleListStakeholders)
		api.Get("/stakeholders/{wallet}", s.handleGetStakeholder)
		api.Put("/stakeholders/{wallet}/role", s.handleUpdateRole)
		api.Put("/stakeholders/{wallet}/status", s.handleSetActive)
	})

	return r
}

// requireSession validates the bearer access token and stores the caller in
// the request context.
func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token")
			return
		}
		sess, err := s.sessions.Validate(r.Context(), token)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, sess.Subject)
		ctx = context.WithValue(ctx, ctxKeyRole, sess.Role)
		ctx = context.WithValue(ctx, ctxKeySessionID, sess.ID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(h, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// actorFrom returns the caller stored by requireSession.
func actorFrom(r *http.Request) (session.Session, bool) {
	userID, _ := r.Context().Value(ctxKeyUserID).(string)
	role, _ := r.Context().Value(ctxKeyRole).(stakeholder.Role)
	if userID == "" || role == "" {
		return session.Session{}, false
	}
	id, _ := r.Context().Value(ctxKeySessionID).(string)
	return session.Session{ID: id, Subject: userID, Role: role}, true
}
