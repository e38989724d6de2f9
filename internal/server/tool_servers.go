package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/michaelbrown/toolsmith/internal/mcpconn"
	"github.com/michaelbrown/toolsmith/internal/servers"
	"github.com/michaelbrown/toolsmith/internal/storage"
)

// errorStatus maps registry and connection errors to a status code.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, servers.ErrInvalidName),
		errors.Is(err, mcpconn.ErrInvalidDescriptor):
		return http.StatusBadRequest
	case errors.Is(err, servers.ErrUnsetVariable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, mcpconn.ErrConnectionUnreachable):
		return http.StatusGatewayTimeout
	case errors.Is(err, mcpconn.ErrConnectionRejected),
		errors.Is(err, mcpconn.ErrHandshakeFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	list, err := s.registry.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]storage.ToolServer, 0, len(list))
	for _, ts := range list {
		out = append(out, servers.Mask(ts))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateServer(w http.ResponseWriter, r *http.Request) {
	ts := storage.ToolServer{Enabled: true}
	if err := decodeJSON(r, &ts); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if _, err := s.registry.Get(r.Context(), ts.Name); err == nil {
		writeError(w, http.StatusConflict, "tool server already exists: "+ts.Name)
		return
	}
	s.saveServer(w, r, &ts, http.StatusCreated)
}

func (s *Server) handleUpdateServer(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	existing, err := s.registry.Get(r.Context(), name)
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}

	ts := storage.ToolServer{Enabled: true}
	if err := decodeJSON(r, &ts); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	ts.Name = name
	ts.CreatedAt = existing.CreatedAt
	servers.Unmask(&ts, existing)
	s.saveServer(w, r, &ts, http.StatusOK)
}

func (s *Server) saveServer(w http.ResponseWriter, r *http.Request, ts *storage.ToolServer, status int) {
	if err := s.registry.Add(r.Context(), ts); err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	saved, err := s.registry.Get(r.Context(), ts.Name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, status, servers.Mask(*saved))
}

func (s *Server) handleGetServer(w http.ResponseWriter, r *http.Request) {
	ts, err := s.registry.Get(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, servers.Mask(*ts))
}

func (s *Server) handleDeleteServer(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Remove(r.Context(), chi.URLParam(r, "name")); err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type toolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// handleServerTools connects to a server for this request only and lists
// what it advertises. Nothing is cached.
func (s *Server) handleServerTools(w http.ResponseWriter, r *http.Request) {
	d, err := s.registry.Resolve(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}

	var out []toolInfo
	err = s.conns.Ephemeral(r.Context(), d, func(h *mcpconn.Handle) error {
		list, err := h.ListTools(r.Context())
		if err != nil {
			return err
		}
		out = make([]toolInfo, 0, len(list))
		for _, t := range list {
			out = append(out, toolInfo{Name: t.Name, Description: t.Description})
		}
		return nil
	})
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type connectionInfo struct {
	mcpconn.EntryInfo
	AgeSeconds float64 `json:"age_seconds"`
}

func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	entries := s.conns.Entries()
	out := make([]connectionInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, connectionInfo{EntryInfo: e, AgeSeconds: now.Sub(e.CreatedAt).Seconds()})
	}
	writeJSON(w, http.StatusOK, out)
}
