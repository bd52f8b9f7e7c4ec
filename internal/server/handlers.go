package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"BondLadder/internal/ingestion"
	"BondLadder/internal/projection"
	"BondLadder/internal/rebalance"
)

// ============================================================================
// Query handlers
// ============================================================================

func (s *Server) handleGetPortfolio(w http.ResponseWriter, r *http.Request) {
	resp, err := s.deps.QueryService.GetPortfolio(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "query portfolio", err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.deps.QueryService.GetPositions(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "query positions", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"positions": positions})
}

func (s *Server) handleGetReports(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 50, 500)
	after, err := queryInt64(r, "after")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "parse cursor", err)
		return
	}

	reports, err := s.deps.QueryService.GetReports(r.Context(), limit, after)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "query reports", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"reports": reports})
}

func (s *Server) handleGetActions(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 100, 500)
	maturity, err := queryInt64(r, "maturity")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "parse maturity", err)
		return
	}
	after, err := queryInt64(r, "after")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "parse cursor", err)
		return
	}

	actions, err := s.deps.QueryService.GetActions(r.Context(), limit, maturity, after)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "query actions", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"actions": actions})
}

func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 100, 500)
	after, err := queryInt64(r, "after")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "parse cursor", err)
		return
	}

	events, err := s.deps.QueryService.GetEvents(r.Context(), limit, after)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "query events", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

// ============================================================================
// Command handlers
// ============================================================================

// depositRequest mirrors the NATS deposit payload. The host assigns funds
// sequences, so this endpoint carries the host's own sequence instead of
// inventing one; mixing this path with NATS on the same counter is the
// host's responsibility.
type depositRequest struct {
	DepositID string `json:"deposit_id"`
	Amount    int64  `json:"amount"`
	Sequence  int64  `json:"sequence"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "decode deposit", err)
		return
	}
	depositID, err := uuid.Parse(req.DepositID)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "parse deposit_id", err)
		return
	}

	if err := s.deps.Submitter.SubmitDeposit(r.Context(), depositID, req.Amount, req.Sequence); err != nil {
		s.writeError(w, submitStatus(err), "submit deposit", err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"accepted":   true,
		"deposit_id": depositID,
	})
}

type withdrawalRequest struct {
	WithdrawalID string `json:"withdrawal_id"`
	Amount       int64  `json:"amount"`
	Sequence     int64  `json:"sequence"`
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req withdrawalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "decode withdrawal", err)
		return
	}
	withdrawalID, err := uuid.Parse(req.WithdrawalID)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "parse withdrawal_id", err)
		return
	}

	if err := s.deps.Submitter.SubmitWithdrawal(r.Context(), withdrawalID, req.Amount, req.Sequence); err != nil {
		s.writeError(w, submitStatus(err), "submit withdrawal", err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"accepted":      true,
		"withdrawal_id": withdrawalID,
	})
}

func (s *Server) handleTend(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Submitter.SubmitTend(r.Context()); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "submit tend", err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Submitter.SubmitReport(r.Context()); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "submit report", err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

// configRequest replaces the whole policy; fields are absolutes, not deltas.
// ExtraData is base64 in JSON.
type configRequest struct {
	MinOutput            int64  `json:"min_output"`
	MinAcceptablePrice   int64  `json:"min_acceptable_price"`
	PositionClosureLimit int    `json:"position_closure_limit"`
	PartialClosureBuffer int64  `json:"partial_closure_buffer"`
	ExtraData            []byte `json:"extra_data,omitempty"`
}

func (s *Server) handleConfigUpdate(w http.ResponseWriter, r *http.Request) {
	var req configRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "decode config", err)
		return
	}

	// The core rejects invalid policies and rewinds its cursor, but the
	// submitter's config counter cannot see that, so an invalid policy must
	// be stopped here before it consumes a sequence.
	policy := rebalance.Policy{
		MinOutput:            req.MinOutput,
		MinAcceptablePrice:   req.MinAcceptablePrice,
		PositionClosureLimit: req.PositionClosureLimit,
		PartialClosureBuffer: req.PartialClosureBuffer,
		ExtraData:            req.ExtraData,
	}
	if err := policy.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, "validate policy", err)
		return
	}

	updateID, err := s.deps.Submitter.SubmitConfigUpdate(r.Context(), ingestion.ConfigUpdate{
		MinOutput:            req.MinOutput,
		MinAcceptablePrice:   req.MinAcceptablePrice,
		PositionClosureLimit: req.PositionClosureLimit,
		PartialClosureBuffer: req.PartialClosureBuffer,
		ExtraData:            req.ExtraData,
	})
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "submit config", err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"accepted":  true,
		"update_id": updateID,
	})
}

// ============================================================================
// Admin handlers
// ============================================================================

func (s *Server) handleVerifyIntegrity(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.QueryService.VerifyIntegrity(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "verify integrity", err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleEventLogInfo(w http.ResponseWriter, r *http.Request) {
	lastSeq, err := s.deps.SnapshotMgr.GetLatestSequence(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "event log info", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int64{"last_sequence": lastSeq})
}

func (s *Server) handleRebuildProjections(w http.ResponseWriter, r *http.Request) {
	if err := projection.RebuildProjections(r.Context(), s.deps.DB); err != nil {
		s.writeError(w, http.StatusInternalServerError, "rebuild projections", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"rebuilt": true})
}

// ============================================================================
// Helpers
// ============================================================================

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("failed to encode JSON response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string, err error) {
	if status >= 500 {
		s.log.Error().Err(err).Msg(msg)
	} else {
		s.log.Warn().Err(err).Msg(msg)
	}
	s.writeJSON(w, status, map[string]string{"error": fmt.Sprintf("%s: %v", msg, err)})
}

// submitStatus maps a submitter failure to an HTTP status: input validation
// is the caller's fault, a cancelled or saturated core is not.
func submitStatus(err error) int {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return http.StatusServiceUnavailable
	}
	return http.StatusBadRequest
}

func queryLimit(r *http.Request, def, max int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 || v > max {
		return def
	}
	return v
}

func queryInt64(r *http.Request, name string) (*int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", name, err)
	}
	return &v, nil
}
