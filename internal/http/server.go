package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"equinox/internal/config"
	"equinox/internal/domain"
	"equinox/internal/engine"
	storepkg "equinox/internal/store"
)

type contextKey string

const contextKeyAdminSubject contextKey = "admin_subject"

type MoveService interface {
	GetAIMove(ctx context.Context, fen, tier string) (domain.MoveResult, error)
}

type Submitter interface {
	Submit(ctx context.Context, sub domain.LedgerMoveSubmission) (domain.TransactionReceipt, error)
}

type EngineControl interface {
	Status() engine.Status
	Restart(ctx context.Context) error
}

type Server struct {
	cfg    config.Config
	store  storepkg.Store
	moves  MoveService
	ledger Submitter
	engine EngineControl
	log    zerolog.Logger
}

// NewServer wires the HTTP surface. ledger may be nil when on-chain
// submission is disabled.
func NewServer(cfg config.Config, store storepkg.Store, moves MoveService, ledger Submitter, eng EngineControl, log zerolog.Logger) *Server {
	return &Server{
		cfg:    cfg,
		store:  store,
		moves:  moves,
		ledger: ledger,
		engine: eng,
		log:    log.With().Str("component", "http").Logger(),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, s.accessLog, middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Post("/get-ai-move", s.handleGetAIMove)
	r.Post("/ai/move", s.handleGetAIMove)
	r.Post("/admin/login", s.handleAdminLogin)

	r.Group(func(protected chi.Router) {
		protected.Use(s.requireAdmin)
		protected.Post("/ledger/moves", s.handleSubmitMove)
		protected.Get("/ledger/moves/{game}/{seq}", s.handleGetReceipt)
		protected.Get("/engine/status", s.handleEngineStatus)
		protected.Post("/engine/restart", s.handleEngineRestart)
		protected.Get("/events", s.handleListEvents)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "ok",
		"time":         time.Now().UTC().Format(time.RFC3339),
		"engine_state": s.engine.Status().State,
	})
}

type moveRequest struct {
	FEN        string                       `json:"fen"`
	Difficulty string                       `json:"difficulty"`
	Submit     *domain.LedgerMoveSubmission `json:"submit,omitempty"`
}

func (s *Server) handleGetAIMove(w http.ResponseWriter, r *http.Request) {
	var req moveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "request body must be JSON with fen and difficulty")
		return
	}
	if req.Submit != nil {
		// Recording a move spends the service authority's signature, so it
		// takes the same token as the operator routes.
		if _, err := s.adminSubject(r); err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		if s.ledger == nil {
			writeError(w, http.StatusBadRequest, "ledger submission is not enabled")
			return
		}
	}

	res, err := s.moves.GetAIMove(r.Context(), req.FEN, req.Difficulty)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	body := map[string]interface{}{
		"move":       res.Move,
		"request_id": res.RequestID,
	}
	if res.Ponder != "" {
		body["ponder"] = res.Ponder
	}
	if req.Submit == nil {
		writeJSON(w, http.StatusOK, body)
		return
	}

	sub := *req.Submit
	sub.Move = res.Move
	receipt, err := s.ledger.Submit(r.Context(), sub)
	if err != nil {
		status, msg := s.classify(r, err)
		body["error"] = msg
		writeJSON(w, status, body)
		return
	}
	body["receipt"] = receipt
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleSubmitMove(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		writeError(w, http.StatusNotFound, "ledger submission is not enabled")
		return
	}
	var sub domain.LedgerMoveSubmission
	if err := decodeJSON(r, &sub); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	receipt, err := s.ledger.Submit(r.Context(), sub)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	seq, err := strconv.ParseUint(chi.URLParam(r, "seq"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "sequence must be a positive integer")
		return
	}
	receipt, err := s.store.GetReceipt(chi.URLParam(r, "game"), seq)
	if err != nil {
		if errors.Is(err, storepkg.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no receipt recorded")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load receipt")
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleEngineStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) handleEngineRestart(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Restart(r.Context()); err != nil {
		s.log.Error().Err(err).Msg("engine restart failed")
		writeError(w, http.StatusInternalServerError, "engine restart failed")
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	limit := parseInt(r.URL.Query().Get("limit"), 50)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": s.store.ListEvents(limit),
	})
}

func (s *Server) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Username != s.cfg.AdminUsername || req.Password != s.cfg.AdminPassword {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := s.signAdminToken(req.Username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create admin token")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":      token,
		"expires_at": expiresAt.Format(time.RFC3339),
		"type":       "Bearer",
	})
}

// classify maps a domain error to a status and a caller-safe message. Only
// invalid requests echo their message; everything else is logged by kind.
func (s *Server) classify(r *http.Request, err error) (int, string) {
	kind := domain.KindOf(err)
	if kind == domain.KindInvalidRequest {
		var de *domain.Error
		if errors.As(err, &de) && de.Message != "" {
			return http.StatusBadRequest, de.Message
		}
		return http.StatusBadRequest, "invalid request"
	}
	s.log.Error().
		Err(err).
		Str("kind", string(kind)).
		Str("request_id", middleware.GetReqID(r.Context())).
		Msg("request failed")
	return http.StatusInternalServerError, "internal error"
}

func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := s.classify(r, err)
	writeError(w, status, msg)
}

func (s *Server) signAdminToken(subject string) (string, time.Time, error) {
	ttl := s.cfg.JWTTTL
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	now := time.Now().UTC()
	expiresAt := now.Add(ttl)
	claims := jwt.MapClaims{
		"sub": subject,
		"exp": expiresAt.Unix(),
		"iat": now.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.cfg.JWTSecret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

var (
	errMissingToken  = errors.New("missing bearer token")
	errInvalidToken  = errors.New("invalid admin token")
	errInvalidClaims = errors.New("invalid admin claims")
)

// adminSubject validates the request's bearer token and returns its subject.
func (s *Server) adminSubject(r *http.Request) (string, error) {
	token := bearerToken(r.Header.Get("Authorization"))
	if token == "" {
		return "", errMissingToken
	}
	parsed, err := jwt.Parse(token, func(token *jwt.Token) (interface{}, error) {
		return []byte(s.cfg.JWTSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid {
		return "", errInvalidToken
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", errInvalidClaims
	}
	sub, _ := claims["sub"].(string)
	return sub, nil
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sub, err := s.adminSubject(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		ctx := context.WithValue(r.Context(), contextKeyAdminSubject, sub)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		defer func() {
			s.log.Info().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("elapsed", time.Since(started)).
				Msg("http request")
		}()
		next.ServeHTTP(ww, r)
	})
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func parseInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

func decodeJSON(r *http.Request, target interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
