package api

import (
	"net/http"
	"strings"

	"threatwatch/internal/model"
	"threatwatch/internal/storage"
)

type incidentDetail struct {
	*model.Incident
	Notes []model.IncidentNote `json:"notes"`
}

func (s *Server) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	filter := model.IncidentFilter{TenantID: p.TenantID, Limit: queryInt(r, "limit", 0)}
	if v := r.URL.Query().Get("status"); v != "" {
		st, ok := model.ParseStatus(v)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown status")
			return
		}
		filter.Status = st
	}
	list, err := s.deps.Store.ListIncidents(r.Context(), filter)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"incidents": list, "count": len(list)})
}

func (s *Server) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid incident id")
		return
	}
	inc, err := s.deps.Store.GetIncident(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if inc.TenantID != principal(r).TenantID {
		s.writeStoreError(w, storage.ErrNotFound)
		return
	}
	notes, err := s.deps.Store.ListIncidentNotes(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, incidentDetail{Incident: inc, Notes: notes})
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid incident id")
		return
	}
	var req struct {
		Status string `json:"status"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	to, ok := model.ParseStatus(req.Status)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown status")
		return
	}
	p := principal(r)
	inc, msgs, err := s.deps.Correlator.UpdateStatus(r.Context(), p.TenantID, id, to, p.UserID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.publish(msgs)
	writeJSON(w, http.StatusOK, inc)
}

func (s *Server) handleAddNote(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid incident id")
		return
	}
	var req struct {
		Content string `json:"content"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	p := principal(r)
	note, msgs, err := s.deps.Correlator.AddNote(r.Context(), p.TenantID, id, p.UserID, req.Content)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.publish(msgs)
	writeJSON(w, http.StatusCreated, note)
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid incident id")
		return
	}
	var req struct {
		Assignees []string `json:"assignees"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	p := principal(r)
	inc, msgs, err := s.deps.Correlator.Assign(r.Context(), p.TenantID, id, req.Assignees, p.UserID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.publish(msgs)
	writeJSON(w, http.StatusOK, inc)
}
