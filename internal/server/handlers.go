package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/raaihank/pii-sentinel/internal/audit"
	"github.com/raaihank/pii-sentinel/internal/detect"
	"github.com/raaihank/pii-sentinel/internal/pii"
	"github.com/raaihank/pii-sentinel/internal/rules"
	"github.com/raaihank/pii-sentinel/internal/websocket"
)

const maxRequestBody = 1 << 20 // 1 MiB

type detectRequest struct {
	Text        string `json:"text"`
	Language    string `json:"language,omitempty"`
	PreviewOnly bool   `json:"preview_only,omitempty"`
}

type batchDetectRequest struct {
	Texts    []string `json:"texts"`
	Language string   `json:"language,omitempty"`
}

type previewRequest struct {
	Text     string       `json:"text"`
	Language string       `json:"language,omitempty"`
	Rules    []rules.Rule `json:"rules"`
}

type detectResponse struct {
	*detect.Result
	Warning string `json:"warning,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// writeServiceError maps domain errors to HTTP status codes.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	var validationErr *rules.ValidationError
	var notFoundErr *rules.NotFoundError
	switch {
	case errors.As(err, &validationErr):
		writeError(w, http.StatusBadRequest, validationErr.Error())
	case errors.As(err, &notFoundErr):
		writeError(w, http.StatusNotFound, notFoundErr.Error())
	case errors.Is(err, pii.ErrNotInitialized):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, rules.ErrNoValidRules):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("Request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (s *Server) language(requested string) string {
	if requested != "" {
		return requested
	}
	return s.config.Detection.DefaultLanguage
}

// handleDetect runs one detection pass. A statistical recognizer
// failure still produces a masked result from the custom rules; the
// response then carries a warning instead of an error status.
func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	var req detectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	start := time.Now()
	language := s.language(req.Language)
	generation := s.service.Generation()

	if s.results != nil && !req.PreviewOnly {
		if cached, ok := s.results.Get(r.Context(), req.Text, language, generation); ok {
			writeJSON(w, http.StatusOK, detectResponse{Result: cached})
			return
		}
	}

	result, err := s.service.Detect(r.Context(), req.Text, language)
	var statErr *detect.StatisticalError
	if err != nil && !errors.As(err, &statErr) {
		s.writeServiceError(w, err)
		return
	}

	duration := time.Since(start)
	resp := detectResponse{Result: result}
	if statErr != nil {
		resp.Warning = "statistical recognizer unavailable, result covers custom rules only"
	}

	if req.PreviewOnly {
		result.PreviewOnly = true
		writeJSON(w, http.StatusOK, resp)
		return
	}

	// Only complete results are cached; a partial result must not
	// shadow a full one once the recognizer recovers.
	if s.results != nil && statErr == nil {
		s.results.Store(r.Context(), req.Text, language, generation, result)
	}
	s.recordDetection(r, req.Text, language, generation, result, duration)

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleBatchDetect(w http.ResponseWriter, r *http.Request) {
	var req batchDetectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Texts) == 0 {
		writeError(w, http.StatusBadRequest, "texts is required")
		return
	}

	batch, err := s.service.BatchDetect(r.Context(), req.Texts, s.language(req.Language))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	result, err := s.service.Preview(r.Context(), req.Text, s.language(req.Language), req.Rules)
	var statErr *detect.StatisticalError
	if err != nil && !errors.As(err, &statErr) {
		s.writeServiceError(w, err)
		return
	}

	resp := detectResponse{Result: result}
	if statErr != nil {
		resp.Warning = "statistical recognizer unavailable, result covers custom rules only"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules":      s.service.GetRules(),
		"generation": s.service.Generation(),
	})
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.service.GetRule(mux.Vars(r)["id"])
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleAddRule(w http.ResponseWriter, r *http.Request) {
	var rule rules.Rule
	if !decodeJSON(w, r, &rule) {
		return
	}
	added, err := s.service.AddRule(rule)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.broadcastRuleChange("added", added.ID)
	writeJSON(w, http.StatusCreated, added)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	var patch pii.RulePatch
	if !decodeJSON(w, r, &patch) {
		return
	}
	id := mux.Vars(r)["id"]
	updated, err := s.service.UpdateRule(id, patch)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.broadcastRuleChange("updated", id)
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.service.DeleteRule(id); err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.broadcastRuleChange("deleted", id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": id})
}

// handleBulkUpdateRules replaces the whole rule set. Invalid rules are
// reported per rule; the valid remainder is still applied.
func (s *Server) handleBulkUpdateRules(w http.ResponseWriter, r *http.Request) {
	var replacement []rules.Rule
	if !decodeJSON(w, r, &replacement) {
		return
	}
	report, err := s.service.BulkUpdateRules(replacement)
	if err != nil {
		if errors.Is(err, rules.ErrNoValidRules) {
			writeJSON(w, http.StatusBadRequest, report)
			return
		}
		s.writeServiceError(w, err)
		return
	}
	s.broadcastRuleChange("replaced", "")
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleReloadRules(w http.ResponseWriter, r *http.Request) {
	if err := s.service.ReloadRules(); err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.broadcastRuleChange("reloaded", "")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "reloaded",
		"rule_count": len(s.service.GetRules()),
		"generation": s.service.Generation(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"version": Version,
		"uptime":  time.Since(s.started).String(),
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	allRules := s.service.GetRules()
	enabled := 0
	for _, rule := range allRules {
		if rule.Enabled {
			enabled++
		}
	}
	info := map[string]interface{}{
		"version":          Version,
		"uptime":           time.Since(s.started).String(),
		"rule_count":       len(allRules),
		"enabled_rules":    enabled,
		"generation":       s.service.Generation(),
		"default_language": s.config.Detection.DefaultLanguage,
		"score_threshold":  s.config.Detection.ScoreThreshold,
		"cache_enabled":    s.results != nil,
		"audit_enabled":    s.auditor != nil,
	}
	if s.wsHub != nil {
		info["connected_clients"] = s.wsHub.ConnectedClients()
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleAuditEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	events, err := s.auditor.Recent(r.Context(), limit)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.results.Stats(r.Context()))
}

// recordDetection fans detection metadata out to the audit trail and
// WebSocket clients. Raw text never leaves the handler.
func (s *Server) recordDetection(r *http.Request, text, language string, generation uint64, result *detect.Result, duration time.Duration) {
	id := requestID(r.Context())

	s.logger.WithRequestID(id).LogDetection(language, len(result.Entities),
		result.Analysis.EntityTypes, result.Analysis.RiskLevel,
		float64(duration.Microseconds())/1000.0)

	if s.auditor != nil {
		s.auditor.Record(&audit.Event{
			RequestID:   id,
			Language:    language,
			TextLength:  len(text),
			EntityCount: len(result.Entities),
			EntityTypes: strings.Join(result.Analysis.EntityTypes, ","),
			RiskLevel:   result.Analysis.RiskLevel,
			IsSafe:      result.IsSafe,
			Generation:  int64(generation),
			DurationMS:  duration.Milliseconds(),
			CreatedAt:   time.Now().UTC(),
		})
	}

	if s.wsHub != nil {
		s.wsHub.BroadcastEvent(websocket.Event{
			Type:      websocket.EventTypeDetection,
			Timestamp: time.Now(),
			RequestID: id,
			Data: websocket.DetectionEvent{
				RequestID:   id,
				Language:    language,
				EntityCount: len(result.Entities),
				EntityTypes: result.Analysis.EntityTypes,
				RiskLevel:   result.Analysis.RiskLevel,
				IsSafe:      result.IsSafe,
				DurationMS:  float64(duration.Microseconds()) / 1000.0,
			},
		})
	}
}

func (s *Server) broadcastRuleChange(action, ruleID string) {
	if s.wsHub == nil {
		return
	}
	s.wsHub.BroadcastEvent(websocket.Event{
		Type:      websocket.EventTypeRuleChange,
		Timestamp: time.Now(),
		Data: websocket.RuleChangeEvent{
			Action:     action,
			RuleID:     ruleID,
			RuleCount:  len(s.service.GetRules()),
			Generation: s.service.Generation(),
		},
	})
}
