// ABOUTME: HTTP server exposing the widget socket, channel webhooks, and the admin API.
// ABOUTME: Owns listener lifecycle with graceful shutdown on context cancel.

package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/novigo/mia-relay/internal/auth"
	"github.com/novigo/mia-relay/internal/helpdesk"
	"github.com/novigo/mia-relay/internal/hub"
	"github.com/novigo/mia-relay/internal/relay"
	"github.com/novigo/mia-relay/internal/session"
	"github.com/novigo/mia-relay/internal/store"
	"github.com/novigo/mia-relay/internal/wagateway"
)

const systemTokenHeader = "X-System-Token"

// The widget is embedded on arbitrary customer pages, so origin checks are
// delegated to the per-instance client token exchanged on join.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server wires the relay's HTTP surface together.
type Server struct {
	echo     *echo.Echo
	addr     string
	relay    *relay.Service
	hub      *hub.Hub
	whatsapp *wagateway.Processor
	helpdesk *helpdesk.Processor
	waSender wagateway.PhoneSender
	sessions *session.Table
	phones   *session.PhoneTable
	verifier auth.TokenVerifier
	logger   *slog.Logger
}

// Options carries the server's dependencies. WhatsApp and Helpdesk are nil
// when the channel is disabled; Verifier is nil when the admin API is open.
type Options struct {
	Addr     string
	Relay    *relay.Service
	Hub      *hub.Hub
	WhatsApp *wagateway.Processor
	Helpdesk *helpdesk.Processor
	WASender wagateway.PhoneSender
	Sessions *session.Table
	Phones   *session.PhoneTable
	Verifier auth.TokenVerifier
	Logger   *slog.Logger
}

// New creates the HTTP server and registers all routes.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:     e,
		addr:     opts.Addr,
		relay:    opts.Relay,
		hub:      opts.Hub,
		whatsapp: opts.WhatsApp,
		helpdesk: opts.Helpdesk,
		waSender: opts.WASender,
		sessions: opts.Sessions,
		phones:   opts.Phones,
		verifier: opts.Verifier,
		logger:   logger.With("component", "server"),
	}

	e.GET("/health", s.handleHealth)
	e.GET("/ws", s.handleWebSocket)
	e.POST("/receive-message/:instanceID", s.handleSystemMessage)

	if s.whatsapp != nil {
		e.POST("/webhooks/whatsapp", s.handleWhatsAppWebhook)
	}
	if s.helpdesk != nil {
		e.POST("/webhooks/helpdesk", s.handleHelpdeskWebhook)
	}

	api := e.Group("/api", auth.Middleware(s.verifier, logger))
	api.GET("/sessions", s.handleSessions)
	api.GET("/stats", s.handleStats)
	if s.waSender != nil {
		api.POST("/whatsapp/send", s.handleWhatsAppSend)
	}

	return s
}

// Handler exposes the routing tree, used by tests and embedding servers.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.addr)
		if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var serverErr error
	select {
	case serverErr = <-errCh:
	case <-ctx.Done():
	}

	shutdownErr := s.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown uses a fresh context: the run context is already canceled
// by the time shutdown starts.
func (s *Server) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.echo.Shutdown(ctx)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.String(http.StatusOK, "OK")
}

func (s *Server) handleWebSocket(c echo.Context) error {
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return nil
	}

	conn := hub.NewConn(ws, s.logger)
	s.hub.Register(conn)

	go conn.WritePump()
	go conn.ReadPump(s.relay.HandleEvent, s.relay.HandleDisconnect)
	return nil
}

func (s *Server) handleSystemMessage(c echo.Context) error {
	instanceID := c.Param("instanceID")
	token := c.Request().Header.Get(systemTokenHeader)

	var msg relay.SystemMessage
	if err := c.Bind(&msg); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "malformed payload"})
	}

	err := s.relay.DispatchSystemMessage(c.Request().Context(), instanceID, token, msg)
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, map[string]string{"status": "delivered"})
	case errors.Is(err, relay.ErrInvalidSystemToken):
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid system token"})
	case errors.Is(err, store.ErrNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": "instance not found"})
	case errors.Is(err, relay.ErrUnsupportedMessageType):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		s.logger.Error("system message dispatch failed", "instance_id", instanceID, "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "delivery failed"})
	}
}

func (s *Server) handleWhatsAppWebhook(c echo.Context) error {
	var ev wagateway.WebhookEvent
	if err := c.Bind(&ev); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "malformed payload"})
	}

	err := s.whatsapp.Process(c.Request().Context(), ev)
	return s.ackWebhook(c, "whatsapp", err, errors.Is(err, wagateway.ErrDuplicateEvent))
}

func (s *Server) handleHelpdeskWebhook(c echo.Context) error {
	body, err := readBody(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "unreadable payload"})
	}

	err = s.helpdesk.Process(c.Request().Context(), body)
	return s.ackWebhook(c, "helpdesk", err, errors.Is(err, helpdesk.ErrDuplicateEvent))
}

// ackWebhook acknowledges a webhook delivery. Duplicates get 200 so the
// platform stops retrying an event that already took effect.
func (s *Server) ackWebhook(c echo.Context, channel string, err error, duplicate bool) error {
	if duplicate {
		return c.JSON(http.StatusOK, map[string]string{"status": "duplicate"})
	}
	if err != nil {
		s.logger.Error("webhook processing failed", "channel", channel, "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "processing failed"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type sendByPhoneRequest struct {
	Phone string `json:"phone"`
	Text  string `json:"text"`
}

// handleWhatsAppSend pushes a proactive message to a contact by phone number.
// The gateway client normalizes the number into a chat ID.
func (s *Server) handleWhatsAppSend(c echo.Context) error {
	var req sendByPhoneRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "malformed payload"})
	}
	if req.Phone == "" || req.Text == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "phone and text are required"})
	}

	if err := s.waSender.SendTextToPhone(c.Request().Context(), req.Phone, req.Text); err != nil {
		s.logger.Error("send by phone failed", "error", err)
		return c.JSON(http.StatusBadGateway, map[string]string{"error": "gateway delivery failed"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "sent"})
}

func (s *Server) handleSessions(c echo.Context) error {
	sessions := []session.Session{}
	if s.sessions != nil {
		sessions = s.sessions.ActiveSessions()
	}
	return c.JSON(http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleStats(c echo.Context) error {
	stats := map[string]any{
		"connections": s.hub.ConnCount(),
	}
	if s.sessions != nil {
		stats["helpdesk_sessions"] = s.sessions.Stats()
	}
	if s.phones != nil {
		stats["whatsapp_sessions"] = s.phones.Stats()
	}
	return c.JSON(http.StatusOK, stats)
}

func readBody(c echo.Context) ([]byte, error) {
	defer c.Request().Body.Close()
	return io.ReadAll(io.LimitReader(c.Request().Body, 1<<20))
}
