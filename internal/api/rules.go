package api

import (
	"net/http"
	"strings"

	"threatwatch/internal/model"
)

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Store.ListRules(r.Context(), principal(r).TenantID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": list, "count": len(list)})
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string            `json:"name"`
		Description string            `json:"description"`
		Conditions  []model.Condition `json:"conditions"`
		Severity    string            `json:"severity"`
		Enabled     *bool             `json:"enabled"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	rule := model.Rule{
		TenantID:    principal(r).TenantID,
		Name:        strings.TrimSpace(req.Name),
		Description: req.Description,
		Conditions:  req.Conditions,
		Severity:    model.ParseSeverity(req.Severity, model.SeverityMedium),
		Enabled:     req.Enabled == nil || *req.Enabled,
	}
	if msg := validateRule(rule); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	saved, err := s.deps.Store.SaveRule(r.Context(), rule)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid rule id")
		return
	}
	if err := s.deps.Store.DeleteRule(r.Context(), principal(r).TenantID, id); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func validateRule(rule model.Rule) string {
	if rule.Name == "" {
		return "name is required"
	}
	if len(rule.Conditions) == 0 {
		return "at least one condition is required"
	}
	for _, c := range rule.Conditions {
		if strings.TrimSpace(c.Field) == "" {
			return "condition field is required"
		}
		switch c.Op {
		case model.OpEquals, model.OpContains, model.OpGT, model.OpLT:
		default:
			return "unsupported operator " + string(c.Op)
		}
	}
	return ""
}
