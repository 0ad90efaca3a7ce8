// Package httpapi serves the browser-facing REST and SSE API plus the plugin
// management endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/fablehost/fable/internal/chat"
	"github.com/fablehost/fable/internal/config"
	"github.com/fablehost/fable/internal/orchestrator"
	"github.com/fablehost/fable/internal/storage"
	"github.com/fablehost/fable/internal/telemetry"
)

// PluginAdmin is the slice of the plugin registry exposed over HTTP.
type PluginAdmin interface {
	Load(ctx context.Context, path string) (chat.PluginManifest, error)
	Unload(name string) error
	Toggle(name string) (bool, error)
	Manifests() []chat.PluginManifest
}

// Generator runs one generation and emits events in stream order.
type Generator interface {
	Generate(ctx context.Context, req orchestrator.Request, emit func(orchestrator.Event)) error
}

type Server struct {
	store   storage.Store
	plugins PluginAdmin
	engine  Generator
	cfg     config.Config
	logger  *log.Logger
	metrics *telemetry.Metrics
}

func NewServer(store storage.Store, plugins PluginAdmin, engine Generator, cfg config.Config, logger *log.Logger, metrics *telemetry.Metrics) *Server {
	return &Server{
		store:   store,
		plugins: plugins,
		engine:  engine,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = w.Write([]byte(s.metrics.PrometheusText()))
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/characters", s.handleListCharacters)
		r.Post("/characters", s.handleCreateCharacter)
		r.Get("/characters/{id}", s.handleGetCharacter)
		r.Delete("/characters/{id}", s.handleDeleteCharacter)

		r.Get("/chats", s.handleListChats)
		r.Post("/chats", s.handleCreateChat)
		r.Get("/chats/{id}", s.handleGetChat)
		r.Delete("/chats/{id}", s.handleDeleteChat)
		r.Post("/chats/{id}/messages", s.handleAppendMessage)
		r.Put("/chats/{id}/messages/{messageID}/active", s.handleSetActive)

		r.Post("/generate", s.handleGenerate)

		r.Get("/plugins", s.handleListPlugins)
		r.Group(func(r chi.Router) {
			r.Use(s.requireOperator)
			r.Post("/plugins/load", s.handleLoadPlugin)
			r.Post("/plugins/{name}/toggle", s.handleTogglePlugin)
			r.Delete("/plugins/{name}", s.handleUnloadPlugin)
		})
	})

	return r
}

// requireOperator guards plugin-mutating routes. With no password configured
// the routes are open, matching a single-user local deployment.
func (s *Server) requireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hash := strings.TrimSpace(s.cfg.Auth.PasswordHash)
		if hash == "" {
			next.ServeHTTP(w, r)
			return
		}
		password := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !VerifyPassword(password, hash) {
			writeError(w, http.StatusUnauthorized, errors.New("operator password required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleListCharacters(w http.ResponseWriter, r *http.Request) {
	characters, err := s.store.ListCharacters(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, characters)
}

func (s *Server) handleCreateCharacter(w http.ResponseWriter, r *http.Request) {
	var character chat.Character
	if err := json.NewDecoder(r.Body).Decode(&character); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(character.Name) == "" {
		writeError(w, http.StatusBadRequest, errors.New("character name required"))
		return
	}
	if character.ID == uuid.Nil {
		character.ID = chat.NewID()
	}
	if err := s.store.CreateCharacter(r.Context(), character); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, character)
}

func (s *Server) handleGetCharacter(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	character, err := s.store.GetCharacter(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, character)
}

func (s *Server) handleDeleteCharacter(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.store.DeleteCharacter(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	var characterID *uuid.UUID
	if raw := r.URL.Query().Get("character_id"); raw != "" {
		parsed, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("character_id: %w", err))
			return
		}
		characterID = &parsed
	}
	chats, err := s.store.ListChats(r.Context(), characterID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, chats)
}

func (s *Server) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	var c chat.Chat
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if c.CharacterID != uuid.Nil {
		if _, err := s.store.GetCharacter(r.Context(), c.CharacterID); err != nil {
			writeStoreError(w, err)
			return
		}
	}
	if c.ID == uuid.Nil {
		c.ID = chat.NewID()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = nowUTC()
	}
	if err := s.store.CreateChat(r.Context(), c); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	c, err := s.store.GetChat(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.store.DeleteChat(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAppendMessage(w http.ResponseWriter, r *http.Request) {
	chatID, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var body struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if body.Role == "" {
		body.Role = chat.RoleUser
	}
	if body.Role != chat.RoleUser && body.Role != chat.RoleSystem {
		writeError(w, http.StatusBadRequest, fmt.Errorf("role %q cannot be appended directly", body.Role))
		return
	}
	msg := chat.NewMessage(body.Role, body.Content)
	if err := s.store.AppendMessage(r.Context(), chatID, msg); err != nil {
		writeStoreError(w, err)
		return
	}
	s.metrics.MessagesPersisted.Add(1)
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleSetActive(w http.ResponseWriter, r *http.Request) {
	chatID, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	messageID, err := pathID(r, "messageID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var body struct {
		Index int `json:"index"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.store.SetActiveAlternative(r.Context(), chatID, messageID, body.Index); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type generateRequest struct {
	ChatID          uuid.UUID `json:"chat_id"`
	Model           string    `json:"model"`
	APIKey          string    `json:"api_key"`
	APIBase         string    `json:"api_base"`
	Temperature     *float64  `json:"temperature"`
	MaxTokens       *int      `json:"max_tokens"`
	ReasoningEffort string    `json:"reasoning_effort"`
	Regenerate      bool      `json:"regenerate"`
	MessageID       uuid.UUID `json:"message_id"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var body generateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if body.ChatID == uuid.Nil {
		writeError(w, http.StatusBadRequest, errors.New("chat_id required"))
		return
	}
	if body.Regenerate && body.MessageID == uuid.Nil {
		writeError(w, http.StatusBadRequest, errors.New("message_id required for regenerate"))
		return
	}

	req := orchestrator.Request{
		ChatID:          body.ChatID,
		Model:           defaultString(body.Model, s.cfg.Provider.Model),
		APIKey:          defaultString(body.APIKey, s.cfg.Provider.APIKey),
		APIBase:         defaultString(body.APIBase, s.cfg.Provider.APIBase),
		Temperature:     s.cfg.Provider.Temperature,
		MaxTokens:       s.cfg.Provider.MaxTokens,
		ReasoningEffort: defaultString(body.ReasoningEffort, s.cfg.Provider.ReasoningEffort),
		Regenerate:      body.Regenerate,
		MessageID:       body.MessageID,
	}
	if body.Temperature != nil {
		req.Temperature = *body.Temperature
	}
	if body.MaxTokens != nil {
		req.MaxTokens = *body.MaxTokens
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sse := &sseWriter{w: w, flusher: flusher}
	err := s.engine.Generate(r.Context(), req, func(event orchestrator.Event) {
		switch event.Type {
		case orchestrator.EventContent:
			sse.send(event.Content)
		case orchestrator.EventToolCalls:
			payload, err := json.Marshal(event.ToolCalls)
			if err != nil {
				return
			}
			sse.send("[TOOL_CALLS] " + string(payload))
		case orchestrator.EventToolResult:
			payload, err := json.Marshal(event.ToolResult)
			if err != nil {
				return
			}
			sse.send("[TOOL_RESULT] " + string(payload))
		case orchestrator.EventDone:
			sse.send("[DONE]")
		case orchestrator.EventError:
			sse.send("[ERROR] " + event.Err.Error())
		}
	})
	if err != nil {
		s.logger.Printf("generate: chat %s: %v", req.ChatID, err)
	}
}

// sseWriter frames payloads as server-sent events. Multi-line payloads become
// multiple data: lines of one event, per the SSE wire format.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseWriter) send(payload string) {
	for _, line := range strings.Split(payload, "\n") {
		fmt.Fprintf(s.w, "data: %s\n", line)
	}
	fmt.Fprint(s.w, "\n")
	s.flusher.Flush()
}

func (s *Server) handleListPlugins(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.plugins.Manifests())
}

func (s *Server) handleLoadPlugin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(body.Path) == "" {
		writeError(w, http.StatusBadRequest, errors.New("path required"))
		return
	}
	manifest, err := s.plugins.Load(r.Context(), body.Path)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusCreated, manifest)
}

func (s *Server) handleTogglePlugin(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	enabled, err := s.plugins.Toggle(name)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": name, "enabled": enabled})
}

func (s *Server) handleUnloadPlugin(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.plugins.Unload(name); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func pathID(r *http.Request, key string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, key))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%s: %w", key, err)
	}
	return id, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeError(w, http.StatusInternalServerError, err)
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

func defaultString(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
