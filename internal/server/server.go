// Package server exposes the HTTP API: login, thread management, and
// the SSE endpoint that streams turns.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"

	"github.com/untoldecay/ThreadLoom/internal/auth"
	"github.com/untoldecay/ThreadLoom/internal/model"
	"github.com/untoldecay/ThreadLoom/internal/prompts"
	"github.com/untoldecay/ThreadLoom/internal/thread"
	"github.com/untoldecay/ThreadLoom/internal/turn"
	"github.com/untoldecay/ThreadLoom/internal/types"
)

const userContextKey = "loom.user"

// Server is the HTTP front of the system.
type Server struct {
	echo     *echo.Echo
	auth     *auth.Service
	threads  *thread.Manager
	prompts  *prompts.Library
	provider model.Provider
	turns    *turn.Orchestrator
	log      *logrus.Entry

	defaultModel string
}

func New(authSvc *auth.Service, threads *thread.Manager, lib *prompts.Library,
	provider model.Provider, turns *turn.Orchestrator, defaultModel string, log *logrus.Logger) *Server {
	s := &Server{
		auth:         authSvc,
		threads:      threads,
		prompts:      lib,
		provider:     provider,
		turns:        turns,
		defaultModel: defaultModel,
		log:          log.WithField("component", "server"),
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	e.POST("/login", s.handleLogin)
	e.POST("/logout", s.handleLogout)

	api := e.Group("/api/v1", s.requireAuth)
	api.GET("/models", s.handleModels)
	api.GET("/system_prompts", s.handlePrompts)
	api.GET("/threads", s.handleThreads)
	api.GET("/threads/:id/messages", s.handleThreadMessages)
	api.PATCH("/threads/:id", s.handleRenameThread)
	api.DELETE("/threads/:id", s.handleArchiveThread)
	api.GET("/search", s.handleSearch)
	api.POST("/message", s.handleMessage)

	s.echo = e
	return s
}

// Handler returns the root http.Handler, for serving and for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Start serves until the listener fails or Stop is called.
func (s *Server) Start(addr string) error {
	s.log.WithField("addr", addr).Info("http server listening")
	return s.echo.Start(addr)
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// requireAuth validates the bearer token and stores the user on the
// request context.
func (s *Server) requireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		header := c.Request().Header.Get(echo.HeaderAuthorization)
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
		}
		user, err := s.auth.VerifyToken(token)
		if err != nil {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
		}
		c.Set(userContextKey, user)
		return next(c)
	}
}

func currentUser(c echo.Context) *types.User {
	user, _ := c.Get(userContextKey).(*types.User)
	return user
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	user, err := s.auth.Authenticate(req.Username, req.Password)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid credentials")
	}
	token, err := s.auth.IssueToken(user)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"token": token, "username": user.Username, "role": user.Role})
}

// handleLogout exists for client symmetry. Tokens are stateless; the
// client discards its copy.
func (s *Server) handleLogout(c echo.Context) error {
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleModels(c echo.Context) error {
	models, err := s.provider.Models(c.Request().Context())
	if err != nil {
		return err
	}
	user := currentUser(c)
	allowed := make([]string, 0, len(models))
	for _, m := range models {
		if s.auth.RequestAllowed(user.Username, m) {
			allowed = append(allowed, m)
		}
	}
	return c.JSON(http.StatusOK, map[string]any{"models": allowed, "default": s.defaultModel})
}

func (s *Server) handlePrompts(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"prompts": s.prompts.List()})
}

func (s *Server) handleThreads(c echo.Context) error {
	threads, err := s.threads.GetThreads(c.Request().Context(), currentUser(c).Username)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"threads": threads})
}

func (s *Server) handleThreadMessages(c echo.Context) error {
	user := currentUser(c)
	threadID := c.Param("id")
	th, err := s.threads.GetThread(c.Request().Context(), user.Username, threadID)
	if err != nil {
		return err
	}
	if th == nil {
		return echo.NewHTTPError(http.StatusNotFound, "thread not found")
	}
	messages, err := s.threads.ThreadMessages(c.Request().Context(), user.Username, threadID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"thread": th, "messages": messages})
}

type renameRequest struct {
	Title string `json:"title"`
}

func (s *Server) handleRenameThread(c echo.Context) error {
	var req renameRequest
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.Title) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "title is required")
	}
	ok, err := s.threads.UpdateThread(c.Request().Context(), currentUser(c).Username, c.Param("id"), req.Title)
	if err != nil {
		return err
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "thread not found")
	}
	return c.NoContent(http.StatusNoContent)
}

// handleArchiveThread archives rather than deletes; history stays
// recoverable.
func (s *Server) handleArchiveThread(c echo.Context) error {
	ok, err := s.threads.ArchiveThread(c.Request().Context(), currentUser(c).Username, c.Param("id"), true)
	if err != nil {
		return err
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "thread not found")
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleSearch(c echo.Context) error {
	query := strings.TrimSpace(c.QueryParam("q"))
	if query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q is required")
	}
	hits, err := s.threads.SearchThreads(c.Request().Context(), currentUser(c).Username, query)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"results": hits})
}

type messageRequest struct {
	ThreadID     string `json:"thread_id,omitempty"`
	Message      string `json:"message"`
	Model        string `json:"model,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
}

// handleMessage runs one turn and streams its events as SSE.
func (s *Server) handleMessage(c echo.Context) error {
	var req messageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Message) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message is required")
	}
	user := currentUser(c)

	// The model gate applies to the model the turn will start with; a
	// new thread uses the requested or default model, an existing one
	// its stored model.
	turnModel := req.Model
	if turnModel == "" {
		turnModel = s.defaultModel
	}
	if req.ThreadID != "" {
		th, err := s.threads.GetThread(c.Request().Context(), user.Username, req.ThreadID)
		if err != nil {
			return err
		}
		if th == nil {
			return echo.NewHTTPError(http.StatusNotFound, "thread not found")
		}
		turnModel = th.Model
	}
	if !s.auth.RequestAllowed(user.Username, turnModel) {
		return echo.NewHTTPError(http.StatusForbidden, fmt.Sprintf("model %q not permitted", turnModel))
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.WriteHeader(http.StatusOK)

	ctx := c.Request().Context()
	run := s.turns.Run(ctx, turn.Request{
		User:       user.Username,
		ThreadID:   req.ThreadID,
		Message:    req.Message,
		Model:      turnModel,
		PromptName: req.SystemPrompt,
	})

	updates := run.Updates()
	for update := range updates {
		event, ok := update.(types.StreamEvent)
		if !ok {
			continue
		}
		if err := writeSSE(res, event); err != nil {
			// Client went away; keep draining so the turn can finish and
			// persistence stays consistent.
			s.log.WithError(err).Debug("sse write failed, draining turn")
			break
		}
	}
	for range updates {
	}
	if _, err := run.Wait(ctx); err != nil {
		s.log.WithError(err).WithField("user", user.Username).Warn("turn failed")
	}
	return nil
}

func writeSSE(res *echo.Response, event types.StreamEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(res, "data: %s\n\n", data); err != nil {
		return err
	}
	res.Flush()
	return nil
}
