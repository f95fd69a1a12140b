package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/mtzanidakis/agora/internal/store"
	"github.com/mtzanidakis/agora/internal/trigger"
)

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Workflows
	mux.HandleFunc("GET /api/workflows", s.listWorkflows)
	mux.HandleFunc("POST /api/workflows/{name}/run", s.runWorkflow)

	// Message log
	mux.HandleFunc("GET /api/messages/{id}", s.getMessage)
	mux.HandleFunc("GET /api/messages/{id}/thread", s.getThread)
	mux.HandleFunc("GET /api/rooms/{id}/messages", s.getRoomMessages)

	// Triggers
	mux.HandleFunc("GET /api/triggers", s.listTriggers)
	mux.HandleFunc("POST /api/triggers", s.createTrigger)
	mux.HandleFunc("GET /api/triggers/{id}", s.getTrigger)
	mux.HandleFunc("PUT /api/triggers/{id}", s.updateTrigger)
	mux.HandleFunc("DELETE /api/triggers/{id}", s.deleteTrigger)

	// Webhook secrets
	mux.HandleFunc("GET /api/secrets", s.listSecrets)
	mux.HandleFunc("POST /api/secrets", s.createSecret)
	mux.HandleFunc("DELETE /api/secrets/{id}", s.deleteSecret)

	// System
	mux.HandleFunc("GET /api/status", s.getStatus)
}

func (s *Server) listWorkflows(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, map[string]any{"workflows": s.workflows.Names()})
}

func (s *Server) runWorkflow(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if s.workflows.Get(name) == nil {
		jsonError(w, "workflow not found", http.StatusNotFound)
		return
	}

	var initialData map[string]any
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&initialData); err != nil {
			jsonError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	reply, err := s.workflows.Run(r.Context(), name, initialData)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if reply == nil {
		jsonResponse(w, map[string]string{"status": "completed"})
		return
	}
	jsonResponse(w, map[string]any{"status": "completed", "message": reply})
}

func (s *Server) getMessage(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.GetByMessageID(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if rec == nil {
		jsonError(w, "message not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, rec)
}

func (s *Server) getThread(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.GetByCorrelationID(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []store.MessageRecord{}
	}
	jsonResponse(w, recs)
}

func (s *Server) getRoomMessages(w http.ResponseWriter, r *http.Request) {
	var limit int
	fmt.Sscanf(r.URL.Query().Get("limit"), "%d", &limit)

	recs, err := s.store.GetByRoom(r.PathValue("id"), limit, r.URL.Query().Get("type"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []store.MessageRecord{}
	}
	jsonResponse(w, recs)
}

func (s *Server) listTriggers(w http.ResponseWriter, r *http.Request) {
	triggers, err := s.store.ListTriggers()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if triggers == nil {
		triggers = []store.Trigger{}
	}
	jsonResponse(w, triggers)
}

func (s *Server) createTrigger(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name     string          `json:"name"`
		Workflow string          `json:"workflow"`
		Schedule string          `json:"schedule"`
		Input    json.RawMessage `json:"input"`
		Enabled  *bool           `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Name == "" || body.Workflow == "" || body.Schedule == "" {
		jsonError(w, "name, workflow, and schedule are required", http.StatusBadRequest)
		return
	}
	if s.workflows.Get(body.Workflow) == nil {
		jsonError(w, fmt.Sprintf("unknown workflow %q", body.Workflow), http.StatusBadRequest)
		return
	}

	// Normalize schedule (handles plain cron strings)
	normalized, err := trigger.Normalize(body.Schedule)
	if err != nil {
		jsonError(w, fmt.Sprintf("invalid schedule: %v", err), http.StatusBadRequest)
		return
	}

	status := "active"
	if body.Enabled != nil && !*body.Enabled {
		status = "paused"
	}

	tr := store.Trigger{
		ID:       uuid.New().String(),
		Name:     body.Name,
		Workflow: body.Workflow,
		Schedule: normalized,
		Input:    body.Input,
		Status:   status,
	}
	if status == "active" {
		tr.NextRunAt = trigger.NextRun(normalized)
	}

	if err := s.store.SaveTrigger(&tr); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, tr)
}

func (s *Server) getTrigger(w http.ResponseWriter, r *http.Request) {
	tr, err := s.store.GetTrigger(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if tr == nil {
		jsonError(w, "trigger not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, tr)
}

func (s *Server) updateTrigger(w http.ResponseWriter, r *http.Request) {
	existing, err := s.store.GetTrigger(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if existing == nil {
		jsonError(w, "trigger not found", http.StatusNotFound)
		return
	}

	var body struct {
		Name     *string         `json:"name"`
		Workflow *string         `json:"workflow"`
		Schedule *string         `json:"schedule"`
		Input    json.RawMessage `json:"input"`
		Enabled  *bool           `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if body.Name != nil {
		existing.Name = *body.Name
	}
	if body.Workflow != nil {
		if s.workflows.Get(*body.Workflow) == nil {
			jsonError(w, fmt.Sprintf("unknown workflow %q", *body.Workflow), http.StatusBadRequest)
			return
		}
		existing.Workflow = *body.Workflow
	}
	if body.Input != nil {
		existing.Input = body.Input
	}
	if body.Enabled != nil {
		if *body.Enabled {
			existing.Status = "active"
		} else if existing.Status != "completed" {
			existing.Status = "paused"
		}
	}
	if body.Schedule != nil {
		normalized, err := trigger.Normalize(*body.Schedule)
		if err != nil {
			jsonError(w, fmt.Sprintf("invalid schedule: %v", err), http.StatusBadRequest)
			return
		}
		existing.Schedule = normalized
	}

	if existing.Status == "active" {
		existing.NextRunAt = trigger.NextRun(existing.Schedule)
	} else {
		existing.NextRunAt = nil
	}

	if err := s.store.SaveTrigger(existing); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, existing)
}

func (s *Server) deleteTrigger(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteTrigger(r.PathValue("id")); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}

func (s *Server) listSecrets(w http.ResponseWriter, r *http.Request) {
	secrets, err := s.store.ListWebhookSecrets()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if secrets == nil {
		secrets = []store.WebhookSecret{}
	}
	jsonResponse(w, secrets)
}

func (s *Server) createSecret(w http.ResponseWriter, r *http.Request) {
	if s.vault == nil {
		jsonError(w, "vault is not configured", http.StatusServiceUnavailable)
		return
	}

	var body struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Name == "" || body.Value == "" {
		jsonError(w, "name and value are required", http.StatusBadRequest)
		return
	}

	ciphertext, nonce, err := s.vault.EncryptString(body.Value)
	if err != nil {
		jsonError(w, "encryption failed", http.StatusInternalServerError)
		return
	}

	sec := &store.WebhookSecret{
		ID:    body.Name,
		Name:  body.Name,
		Value: ciphertext,
		Nonce: nonce,
	}
	if err := s.store.SaveWebhookSecret(sec); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"id": sec.ID, "name": sec.Name})
}

func (s *Server) deleteSecret(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteWebhookSecret(r.PathValue("id")); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, map[string]any{
		"version":   s.version,
		"uptime":    formatUptime(time.Since(s.startedAt)),
		"workflows": len(s.workflows.Names()),
	})
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
