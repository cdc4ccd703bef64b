package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"escrowflow/arbitration"
	"escrowflow/authz"
	"escrowflow/deal"
	"escrowflow/triage"
	"escrowflow/trust"
)

type ctxKey int

const ctxKeyActor ctxKey = iota

// DealLedgerService is the slice of the deal service the HTTP layer needs.
type DealLedgerService interface {
	Get(ctx context.Context, dealID string) (deal.Deal, error)
	Create(ctx context.Context, actor string, params deal.CreateParams) (deal.Deal, error)
	Fund(ctx context.Context, dealID, actor string, amount int64) error
	Approve(ctx context.Context, dealID, actor string) error
	Release(ctx context.Context, dealID, actor string) error
	Cancel(ctx context.Context, dealID, actor string) error
}

type ArbitrationService interface {
	Get(ctx context.Context, disputeID int64) (arbitration.Dispute, error)
	File(ctx context.Context, dealID, reason string, severity int, riskLevel, initiator string) (arbitration.Dispute, error)
	FileFromComplaint(ctx context.Context, dealID, complaint, initiator string) (arbitration.Dispute, triage.Classification, error)
	Vote(ctx context.Context, disputeID int64, arbiter string, forInitiator bool, reasoning string) error
	Resolve(ctx context.Context, disputeID int64, actor string, resolution arbitration.Resolution, note string) error
	Escalate(ctx context.Context, disputeID int64, actor, note string) error
	Revoke(ctx context.Context, disputeID int64, actor, reason string) error
	ForceFundRedirect(ctx context.Context, disputeID int64, actor, from, to string, amount int64, reason string) error
	ReassignArbiter(ctx context.Context, disputeID int64, actor, newArbiter string) error
	Pause(ctx context.Context, actor string) error
	Unpause(ctx context.Context, actor string) error
}

type TrustService interface {
	Get(ctx context.Context, actor string) (trust.Score, error)
	Blacklist(ctx context.Context, actor, by, reason string) error
	Unblacklist(ctx context.Context, actor, by, reason string) error
}

type TriageService interface {
	Classify(ctx context.Context, text, userID string) (triage.Classification, error)
}

type Server struct {
	dealService    DealLedgerService
	disputeService ArbitrationService
	trustService   TrustService
	triageService  TriageService
	tokens         *authz.TokenService
	log            *slog.Logger
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/deals", s.requireAuth(s.handleDeals))
	mux.HandleFunc("/api/deals/", s.requireAuth(s.handleDealDetail))
	mux.HandleFunc("/api/disputes", s.requireAuth(s.handleDisputes))
	mux.HandleFunc("/api/disputes/", s.requireAuth(s.handleDisputeDetail))
	mux.HandleFunc("/api/trust/", s.requireAuth(s.handleTrust))
	mux.HandleFunc("/api/classify", s.requireAuth(s.handleClassify))
	mux.HandleFunc("/api/arbitration/pause", s.requireAuth(s.handlePause))
	mux.HandleFunc("/api/arbitration/unpause", s.requireAuth(s.handleUnpause))
	return s.withRequestID(mux)
}

// withRequestID tags every request with an id for log correlation. An
// incoming X-Request-ID is honored so upstream proxies can trace calls.
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		s.log.Debug("request", "id", id, "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		actor, _, err := s.tokens.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), ctxKeyActor, actor)))
	}
}

func actorFrom(r *http.Request) string {
	actor, _ := r.Context().Value(ctxKeyActor).(string)
	return actor
}

type dealResponse struct {
	ID        string `json:"id"`
	Payer     string `json:"payer"`
	Payee     string `json:"payee"`
	Token     string `json:"token"`
	Amount    int64  `json:"amount"`
	Metadata  string `json:"metadata,omitempty"`
	State     string `json:"state"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

func toDealResponse(d deal.Deal) dealResponse {
	return dealResponse{
		ID:        d.ID,
		Payer:     d.Payer,
		Payee:     d.Payee,
		Token:     d.Token,
		Amount:    d.Amount,
		Metadata:  d.Metadata,
		State:     string(d.State),
		CreatedAt: d.CreatedAt.Format(time.RFC3339),
		UpdatedAt: d.UpdatedAt.Format(time.RFC3339),
	}
}

type disputeResponse struct {
	ID                   int64  `json:"id"`
	DealID               string `json:"dealId"`
	Initiator            string `json:"initiator"`
	Respondent           string `json:"respondent"`
	Reason               string `json:"reason"`
	Severity             int    `json:"severity"`
	RiskLevel            string `json:"riskLevel"`
	Status               string `json:"status"`
	VotesForInitiator    int    `json:"votesForInitiator"`
	VotesForRespondent   int    `json:"votesForRespondent"`
	TotalVotes           int    `json:"totalVotes"`
	Resolution           string `json:"resolution"`
	RequiresSuperArbiter bool   `json:"requiresSuperArbiter"`
	EscalationCount      int    `json:"escalationCount"`
	AssignedArbiter      string `json:"assignedArbiter,omitempty"`
	CreatedAt            string `json:"createdAt"`
}

func toDisputeResponse(d arbitration.Dispute) disputeResponse {
	resp := disputeResponse{
		ID:                   d.ID,
		DealID:               d.DealID,
		Initiator:            d.Initiator,
		Respondent:           d.Respondent,
		Reason:               d.Reason,
		Severity:             d.Severity,
		RiskLevel:            d.RiskLevel,
		Status:               string(d.Status),
		VotesForInitiator:    d.VotesForInitiator,
		VotesForRespondent:   d.VotesForRespondent,
		TotalVotes:           d.TotalVotes,
		Resolution:           string(d.Resolution),
		RequiresSuperArbiter: d.RequiresSuperArbiter,
		EscalationCount:      d.EscalationCount,
		CreatedAt:            d.CreatedAt.Format(time.RFC3339),
	}
	if d.AssignedArbiter != nil {
		resp.AssignedArbiter = *d.AssignedArbiter
	}
	return resp
}

type trustResponse struct {
	Actor         string `json:"actor"`
	Score         int    `json:"score"`
	DisputesFiled int    `json:"disputesFiled"`
	DisputesWon   int    `json:"disputesWon"`
	DisputesLost  int    `json:"disputesLost"`
	IsBlacklisted bool   `json:"isBlacklisted"`
}

func (s *Server) handleDeals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var body struct {
		Payer    string `json:"payer"`
		Payee    string `json:"payee"`
		Token    string `json:"token"`
		Amount   int64  `json:"amount"`
		Metadata string `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	created, err := s.dealService.Create(r.Context(), actorFrom(r), deal.CreateParams{
		Payer:    body.Payer,
		Payee:    body.Payee,
		Token:    body.Token,
		Amount:   body.Amount,
		Metadata: body.Metadata,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDealResponse(created))
}

func (s *Server) handleDealDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/deals/"), "/")
	if rest == "" {
		writeError(w, http.StatusBadRequest, "deal id required")
		return
	}
	dealID, action, _ := strings.Cut(rest, "/")

	if action == "" {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		d, err := s.dealService.Get(r.Context(), dealID)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toDealResponse(d))
		return
	}

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	actor := actorFrom(r)
	var err error
	switch action {
	case "fund":
		var body struct {
			Amount int64 `json:"amount"`
		}
		if decodeErr := json.NewDecoder(r.Body).Decode(&body); decodeErr != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		err = s.dealService.Fund(r.Context(), dealID, actor, body.Amount)
	case "approve":
		err = s.dealService.Approve(r.Context(), dealID, actor)
	case "release":
		err = s.dealService.Release(r.Context(), dealID, actor)
	case "cancel":
		err = s.dealService.Cancel(r.Context(), dealID, actor)
	default:
		writeError(w, http.StatusNotFound, "unknown action")
		return
	}
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	d, err := s.dealService.Get(r.Context(), dealID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDealResponse(d))
}

func (s *Server) handleDisputes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var body struct {
		DealID    string `json:"dealId"`
		Complaint string `json:"complaint"`
		Reason    string `json:"reason"`
		Severity  int    `json:"severity"`
		RiskLevel string `json:"riskLevel"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	actor := actorFrom(r)

	// A free-text complaint goes through triage; a pre-classified filing
	// carries its own severity and risk level.
	if body.Complaint != "" {
		d, cls, err := s.disputeService.FileFromComplaint(r.Context(), body.DealID, body.Complaint, actor)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, struct {
			Dispute        disputeResponse       `json:"dispute"`
			Classification triage.Classification `json:"classification"`
		}{toDisputeResponse(d), cls})
		return
	}

	d, err := s.disputeService.File(r.Context(), body.DealID, body.Reason, body.Severity, body.RiskLevel, actor)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDisputeResponse(d))
}

func (s *Server) handleDisputeDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/disputes/"), "/")
	if rest == "" {
		writeError(w, http.StatusBadRequest, "dispute id required")
		return
	}
	idPart, action, _ := strings.Cut(rest, "/")
	disputeID, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil || disputeID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid dispute id")
		return
	}

	if action == "" {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		d, err := s.disputeService.Get(r.Context(), disputeID)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toDisputeResponse(d))
		return
	}

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	actor := actorFrom(r)
	switch action {
	case "votes":
		var body struct {
			ForInitiator bool   `json:"forInitiator"`
			Reasoning    string `json:"reasoning"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		err = s.disputeService.Vote(r.Context(), disputeID, actor, body.ForInitiator, body.Reasoning)
	case "resolve":
		var body struct {
			Resolution string `json:"resolution"`
			Note       string `json:"note"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		resolution := arbitration.Resolution(body.Resolution)
		switch resolution {
		case arbitration.ResolutionInitiatorWins, arbitration.ResolutionRespondentWins, arbitration.ResolutionSplit:
		default:
			writeError(w, http.StatusBadRequest, "invalid resolution")
			return
		}
		err = s.disputeService.Resolve(r.Context(), disputeID, actor, resolution, body.Note)
	case "escalate":
		var body struct {
			Note string `json:"note"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		err = s.disputeService.Escalate(r.Context(), disputeID, actor, body.Note)
	case "revoke":
		var body struct {
			Reason string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		err = s.disputeService.Revoke(r.Context(), disputeID, actor, body.Reason)
	case "redirect":
		var body struct {
			From   string `json:"from"`
			To     string `json:"to"`
			Amount int64  `json:"amount"`
			Reason string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		err = s.disputeService.ForceFundRedirect(r.Context(), disputeID, actor, body.From, body.To, body.Amount, body.Reason)
	case "reassign":
		var body struct {
			Arbiter string `json:"arbiter"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		err = s.disputeService.ReassignArbiter(r.Context(), disputeID, actor, body.Arbiter)
	default:
		writeError(w, http.StatusNotFound, "unknown action")
		return
	}
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	d, err := s.disputeService.Get(r.Context(), disputeID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(d))
}

func (s *Server) handleTrust(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/trust/"), "/")
	if rest == "" {
		writeError(w, http.StatusBadRequest, "actor required")
		return
	}
	subject, action, _ := strings.Cut(rest, "/")

	if action == "" {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		score, err := s.trustService.Get(r.Context(), subject)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, trustResponse{
			Actor:         score.Actor,
			Score:         score.Score,
			DisputesFiled: score.DisputesFiled,
			DisputesWon:   score.DisputesWon,
			DisputesLost:  score.DisputesLost,
			IsBlacklisted: score.IsBlacklisted,
		})
		return
	}

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var body struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var err error
	switch action {
	case "blacklist":
		err = s.trustService.Blacklist(r.Context(), subject, actorFrom(r), body.Reason)
	case "unblacklist":
		err = s.trustService.Unblacklist(r.Context(), subject, actorFrom(r), body.Reason)
	default:
		writeError(w, http.StatusNotFound, "unknown action")
		return
	}
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var body struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	cls, err := s.triageService.Classify(r.Context(), body.Text, actorFrom(r))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cls)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.togglePause(w, r, s.disputeService.Pause)
}

func (s *Server) handleUnpause(w http.ResponseWriter, r *http.Request) {
	s.togglePause(w, r, s.disputeService.Unpause)
}

func (s *Server) togglePause(w http.ResponseWriter, r *http.Request, toggle func(context.Context, string) error) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := toggle(r.Context(), actorFrom(r)); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, deal.ErrNotFound), errors.Is(err, arbitration.ErrNotFound), errors.Is(err, trust.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, authz.ErrForbidden), errors.Is(err, arbitration.ErrBlacklisted), errors.Is(err, deal.ErrWrongActor), errors.Is(err, arbitration.ErrNotParty):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, triage.ErrRateLimitExceeded):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, arbitration.ErrPaused):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, deal.ErrWrongState),
		errors.Is(err, arbitration.ErrAlreadyVoted),
		errors.Is(err, arbitration.ErrNotActive),
		errors.Is(err, arbitration.ErrNotOpen),
		errors.Is(err, arbitration.ErrNotDisputable),
		errors.Is(err, arbitration.ErrEscalationCooldown),
		errors.Is(err, arbitration.ErrEscalationCapped):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, deal.ErrSelfDeal),
		errors.Is(err, deal.ErrInvalidAmount),
		errors.Is(err, deal.ErrAmountMismatch),
		errors.Is(err, deal.ErrEmptyReason),
		errors.Is(err, arbitration.ErrEmptyReason),
		errors.Is(err, arbitration.ErrEmptyReasoning),
		errors.Is(err, arbitration.ErrInvalidSeverity),
		errors.Is(err, arbitration.ErrInvalidRiskLevel),
		errors.Is(err, arbitration.ErrInvalidRedirect),
		errors.Is(err, arbitration.ErrArbiterNotCapable),
		errors.Is(err, triage.ErrContentRejected):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.log.Error("unhandled service error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
