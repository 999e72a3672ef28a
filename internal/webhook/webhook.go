package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/schaermu/coursesyncd/internal/config"
	"github.com/schaermu/coursesyncd/internal/git"
	"github.com/schaermu/coursesyncd/internal/metrics"
	coursesync "github.com/schaermu/coursesyncd/internal/sync"
)

// PushEvent represents the relevant fields of a GitHub or Gitea push webhook
type PushEvent struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// Trigger requests a sync pass
type Trigger interface {
	TriggerDebounced()
}

// ResultSource reports the outcome of the most recent sync pass
type ResultSource interface {
	Last() (coursesync.Result, bool)
}

// PositionReader reports the current sync position without touching the
// working tree
type PositionReader interface {
	Position(mainRef, trackingRef string) (git.Position, error)
}

// Status is the body of GET /status
type Status struct {
	git.Position
	LastPass *coursesync.Result `json:"last_pass,omitempty"`
}

// Server implements the HTTP surface of the daemon
type Server struct {
	cfg       *config.Config
	trigger   Trigger
	results   ResultSource
	inspector PositionReader
	metrics   *metrics.Metrics
	logger    *slog.Logger
	secret    []byte
}

// NewServer creates a new server. Without a configured secret the webhook
// endpoint is disabled.
func NewServer(cfg *config.Config, trigger Trigger, results ResultSource, inspector PositionReader, m *metrics.Metrics, logger *slog.Logger) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		trigger:   trigger,
		results:   results,
		inspector: inspector,
		metrics:   m,
		logger:    logger,
	}

	if cfg.Serve.WebhookSecretFile != "" {
		secret, err := os.ReadFile(cfg.Serve.WebhookSecretFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read webhook secret: %w", err)
		}
		s.secret = []byte(strings.TrimSpace(string(secret)))
		if len(s.secret) == 0 {
			return nil, fmt.Errorf("webhook secret file %s is empty", cfg.Serve.WebhookSecretFile)
		}
	}

	return s, nil
}

// Handler returns the routes served by the daemon.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	if s.secret != nil {
		mux.HandleFunc("/webhook", s.handleWebhook)
	}
	mux.HandleFunc("/status", s.handleStatus)
	mux.Handle("/metrics", s.metrics.Handler())
	return mux
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server starting", "addr", ln.Addr().String(), "webhook", s.secret != nil)
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// handleWebhook handles upstream push notifications
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.logger.Warn("rejecting non-POST request", "method", r.Method)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType != "application/json" {
		s.logger.Warn("rejecting request with invalid content type", "content_type", contentType)
		s.metrics.ObserveWebhook("rejected")
		http.Error(w, "Invalid content type", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MB limit
	if err != nil {
		s.logger.Error("failed to read request body", "error", err)
		http.Error(w, "Failed to read body", http.StatusInternalServerError)
		return
	}
	defer func() {
		_ = r.Body.Close()
	}()

	if !s.verifySignature(body, signatureHeader(r.Header)) {
		s.logger.Warn("rejecting request with invalid signature")
		s.metrics.ObserveWebhook("rejected")
		http.Error(w, "Invalid signature", http.StatusForbidden)
		return
	}

	eventType := eventHeader(r.Header)
	s.logger.Info("received webhook", "event", eventType)

	if !allowed(s.cfg.Serve.AllowedEventTypes, eventType) {
		s.logger.Info("ignoring disallowed event type", "event", eventType)
		s.metrics.ObserveWebhook("ignored")
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "Event type not configured for sync\n")
		return
	}

	var event PushEvent
	if err := json.Unmarshal(body, &event); err != nil {
		s.logger.Error("failed to parse webhook payload", "error", err)
		s.metrics.ObserveWebhook("rejected")
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}

	if !allowed(s.cfg.Serve.AllowedRefs, event.Ref) {
		s.logger.Info("ignoring disallowed ref", "ref", event.Ref)
		s.metrics.ObserveWebhook("ignored")
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "Ref not configured for sync\n")
		return
	}

	s.logger.Info("webhook accepted",
		"event", eventType,
		"ref", event.Ref,
		"commit", event.After,
		"repo", event.Repository.FullName)

	s.trigger.TriggerDebounced()
	s.metrics.ObserveWebhook("accepted")

	w.WriteHeader(http.StatusAccepted)
	_, _ = fmt.Fprintf(w, "Sync triggered\n")
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	pos, err := s.inspector.Position(s.cfg.MainRef(), s.cfg.TrackingRef())
	if err != nil {
		s.logger.Error("failed to read sync position", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	status := Status{Position: pos}
	if last, ok := s.results.Last(); ok {
		status.LastPass = &last
	}
	writeJSON(w, http.StatusOK, status)
}

// verifySignature checks an HMAC-SHA256 signature of body, given either in
// GitHub's "sha256=<hex>" form or as bare hex (Gitea).
func (s *Server) verifySignature(body []byte, signature string) bool {
	if signature == "" {
		return false
	}
	signature = strings.TrimPrefix(signature, "sha256=")

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(strings.ToLower(signature)), []byte(expected))
}

func signatureHeader(h http.Header) string {
	if sig := h.Get("X-Hub-Signature-256"); sig != "" {
		if !strings.HasPrefix(sig, "sha256=") {
			return ""
		}
		return sig
	}
	return h.Get("X-Gitea-Signature")
}

func eventHeader(h http.Header) string {
	if ev := h.Get("X-GitHub-Event"); ev != "" {
		return ev
	}
	return h.Get("X-Gitea-Event")
}

// allowed reports whether value is in list; an empty list allows everything.
func allowed(list []string, value string) bool {
	if len(list) == 0 {
		return true
	}
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
