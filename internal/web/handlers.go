package web

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/safesats/safesats/internal/auth"
	"github.com/safesats/safesats/internal/domain"
	"github.com/safesats/safesats/internal/session"
)

type response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

type marketOrderRequest struct {
	Side   domain.Side     `json:"side"`
	Amount decimal.Decimal `json:"amount"`
}

type limitOrderRequest struct {
	Side   domain.Side     `json:"side"`
	Amount decimal.Decimal `json:"amount"`
	Price  decimal.Decimal `json:"price"`
}

type commitResponse struct {
	Transaction *domain.Transaction `json:"transaction,omitempty"`
	Order       *domain.Order       `json:"order,omitempty"`
	// View local state after the commit was applied.
	View session.View `json:"view"`
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := s.auth.FromRequest(r)
		if err != nil {
			s.writeJSON(w, http.StatusUnauthorized, response{
				Error:   domain.ErrorCode(domain.ErrPermissionDenied),
				Message: "authentication required",
			})
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithUserID(r.Context(), userID)))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, response{Success: true})
}

func (s *Server) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())
	sess, err := s.sessions.Open(r.Context(), userID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.ok(w, sess.View())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	s.ok(w, sess.View())
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())
	if err := s.sessions.Close(userID); err != nil {
		s.writeError(w, err)
		return
	}
	s.ok(w, nil)
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", s.cfg.PageSize)
	if err != nil || limit <= 0 || limit > maxPageSize {
		s.writeError(w, errors.Wrap(domain.ErrInvalidAmount, "invalid limit"))
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil || offset < 0 {
		s.writeError(w, errors.Wrap(domain.ErrInvalidAmount, "invalid offset"))
		return
	}

	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	txs, err := sess.Transactions(r.Context(), limit, offset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if txs == nil {
		txs = []domain.Transaction{}
	}
	s.ok(w, txs)
}

func (s *Server) handleMarketOrder(w http.ResponseWriter, r *http.Request) {
	var req marketOrderRequest
	if !s.decode(w, r, &req) {
		return
	}
	if !req.Side.IsValid() {
		s.writeError(w, errors.Wrapf(domain.ErrInvalidAmount, "unknown side %q", req.Side))
		return
	}

	sess, ok := s.session(w, r)
	if !ok {
		return
	}

	var (
		c   domain.Commit
		err error
	)
	if req.Side == domain.SideBuy {
		c, err = sess.Buy(r.Context(), req.Amount)
	} else {
		c, err = sess.Sell(r.Context(), req.Amount)
	}
	s.writeCommit(w, sess, c, err)
}

func (s *Server) handleLimitOrder(w http.ResponseWriter, r *http.Request) {
	var req limitOrderRequest
	if !s.decode(w, r, &req) {
		return
	}
	if !req.Side.IsValid() {
		s.writeError(w, errors.Wrapf(domain.ErrInvalidAmount, "unknown side %q", req.Side))
		return
	}

	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	c, err := sess.PlaceLimitOrder(r.Context(), req.Side, req.Amount, req.Price)
	s.writeCommit(w, sess, c, err)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	c, err := sess.CancelOrder(r.Context(), chi.URLParam(r, "id"))
	s.writeCommit(w, sess, c, err)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	c, err := sess.ResetPortfolio(r.Context())
	s.writeCommit(w, sess, c, err)
}

func (s *Server) handleRefreshPrice(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	snap, err := sess.RefreshPrice(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.ok(w, snap)
}

// session returns the caller's session, opening it on first use.
func (s *Server) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	userID, _ := auth.UserID(r.Context())
	sess, err := s.sessions.Get(r.Context(), userID)
	if err != nil {
		s.writeError(w, err)
		return nil, false
	}
	return sess, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeJSON(w, http.StatusBadRequest, response{
			Error:   domain.ErrorCode(domain.ErrInvalidAmount),
			Message: "invalid request body",
		})
		return false
	}
	return true
}

func (s *Server) writeCommit(w http.ResponseWriter, sess *session.Session, c domain.Commit, err error) {
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.ok(w, commitResponse{
		Transaction: c.Transaction,
		Order:       c.Order,
		View:        sess.View(),
	})
}

func (s *Server) ok(w http.ResponseWriter, data any) {
	s.writeJSON(w, http.StatusOK, response{Success: true, Data: data})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := domain.ErrorCode(err)
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	s.writeJSON(w, status, response{Error: code, Message: err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("write response", zap.Error(err))
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInsufficientBalance), errors.Is(err, domain.ErrInvalidAmount):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrPriceUnavailable),
		errors.Is(err, domain.ErrNetworkFailure),
		errors.Is(err, domain.ErrInvalidResponseFormat):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrPermissionDenied):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
