package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/vthunder/meshrelay/internal/logging"
	"github.com/vthunder/meshrelay/internal/types"
)

// maxPending bounds fragments held for GET /outbox when no push URL is set
const maxPending = 256

// WebhookConfig configures the HTTP bridge
type WebhookConfig struct {
	Local      types.SenderID
	Listen     string // address for the inbound server, e.g. ":8088"
	PushURL    string // fragments are POSTed here; empty means poll GET /outbox
	Timeout    time.Duration
	Middleware []func(http.Handler) http.Handler
}

// Webhook bridges a radio gateway over HTTP. The gateway POSTs received
// packets to /inbound and either receives fragments on PushURL or polls
// /outbox for them.
type Webhook struct {
	cfg    WebhookConfig
	client *http.Client

	mu       sync.Mutex
	sink     EventSink
	server   *http.Server
	pending  []types.OutboundFragment
	closed   bool
	serveErr chan error
}

// NewWebhook creates the bridge. Call Start to listen.
func NewWebhook(cfg WebhookConfig) *Webhook {
	if cfg.Local == "" {
		cfg.Local = "!meshrelay"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Webhook{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (w *Webhook) Name() string { return "webhook" }

// inboundRequest is the body of POST /inbound
type inboundRequest struct {
	From  string          `json:"from"`
	To    string          `json:"to"`
	Text  string          `json:"text"`
	ID    string          `json:"id"`
	Radio types.RadioMeta `json:"radio"`
}

// Handler returns the bridge routes
func (w *Webhook) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	for _, mw := range w.cfg.Middleware {
		r.Use(mw)
	}

	r.Post("/inbound", w.handleInbound)
	r.Get("/outbox", w.handleOutbox)
	r.Get("/node", func(rw http.ResponseWriter, r *http.Request) {
		writeJSON(rw, http.StatusOK, map[string]string{"node_id": string(w.cfg.Local)})
	})
	return r
}

func (w *Webhook) handleInbound(rw http.ResponseWriter, r *http.Request) {
	var body inboundRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&body); err != nil {
		http.Error(rw, "Invalid request body", http.StatusBadRequest)
		logging.Warn("webhook", "invalid inbound body: %v", err)
		return
	}
	if strings.TrimSpace(body.From) == "" || body.Text == "" {
		http.Error(rw, "from and text are required", http.StatusBadRequest)
		return
	}

	w.mu.Lock()
	sink, closed := w.sink, w.closed
	w.mu.Unlock()
	if sink == nil || closed {
		http.Error(rw, "relay not running", http.StatusServiceUnavailable)
		return
	}

	to := types.SenderID(body.To)
	if to == "" {
		to = w.cfg.Local
	}
	id := body.ID
	if id == "" {
		id = uuid.NewString()
	}

	sink.Inbound(&types.InboundMessage{
		Sender:      types.SenderID(body.From),
		To:          to,
		Text:        body.Text,
		Correlation: id,
		ReceivedAt:  time.Now(),
		Radio:       body.Radio,
	})
	writeJSON(rw, http.StatusAccepted, map[string]string{"id": id})
}

func (w *Webhook) handleOutbox(rw http.ResponseWriter, r *http.Request) {
	w.mu.Lock()
	out := w.pending
	w.pending = nil
	w.mu.Unlock()

	if out == nil {
		out = []types.OutboundFragment{}
	}
	writeJSON(rw, http.StatusOK, out)
}

// Start binds the listener and announces the session
func (w *Webhook) Start(ctx context.Context, sink EventSink) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	w.sink = sink
	w.mu.Unlock()

	if w.cfg.Listen != "" {
		ln, err := net.Listen("tcp", w.cfg.Listen)
		if err != nil {
			return fmt.Errorf("webhook listen %s: %w", w.cfg.Listen, err)
		}
		srv := &http.Server{Handler: w.Handler(), ReadHeaderTimeout: 5 * time.Second}
		errCh := make(chan error, 1)

		w.mu.Lock()
		w.server = srv
		w.serveErr = errCh
		w.mu.Unlock()

		go func() {
			err := srv.Serve(ln)
			if errors.Is(err, http.ErrServerClosed) {
				err = nil
			}
			errCh <- err
		}()
		logging.Info("webhook", "Listening on %s", ln.Addr())
	}

	sink.SessionEstablished(w.cfg.Local)
	return nil
}

// Send pushes the fragment to PushURL, or holds it for GET /outbox
func (w *Webhook) Send(ctx context.Context, frag types.OutboundFragment) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	if w.cfg.PushURL == "" {
		if len(w.pending) >= maxPending {
			w.mu.Unlock()
			return fmt.Errorf("webhook outbox full (%d fragments)", maxPending)
		}
		w.pending = append(w.pending, frag)
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	body, err := json.Marshal(frag)
	if err != nil {
		return fmt.Errorf("marshal fragment: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.PushURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("push fragment: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("push fragment (status %d): %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// Close stops the inbound server
func (w *Webhook) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	srv, errCh := w.server, w.serveErr
	w.mu.Unlock()

	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("webhook shutdown: %w", err)
	}
	return <-errCh
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn("webhook", "response encode failed: %v", err)
	}
}
