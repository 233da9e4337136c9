// Package ilphttp implements the asynchronous mode of ILP-over-HTTP. A
// Prepare is POSTed with Prefer: respond-async and answered with 202; its
// Fulfill or Reject is later POSTed to the sender's Callback-Url.
package ilphttp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/example/ilp-node/internal/connector"
	"github.com/example/ilp-node/internal/security"
	"github.com/example/ilp-node/pkg/ilp"
)

const (
	ContentType = "application/octet-stream"

	HeaderPrefer      = "Prefer"
	HeaderRequestID   = "Request-Id"
	HeaderCallbackURL = "Callback-Url"
	RespondAsync      = "respond-async"

	// MaxPacketSize bounds request bodies; ILP packets are at most 32 KiB of
	// data plus their envelope.
	MaxPacketSize = 64 << 10

	// outgoingTTL is how long a callback may arrive after the Prepare was
	// posted. It exceeds every expiry the node forwards.
	outgoingTTL = time.Minute
)

// Processor receives packets posted to the node.
type Processor interface {
	ProcessPacket(ctx context.Context, in connector.IncomingPacket)
}

// Doer sends HTTP requests; *http.Client satisfies it.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

type incomingRequest struct {
	requestID   string
	callbackURL string
}

type outgoingRequest struct {
	endpoint connector.HTTPEndpoint
	sentAt   time.Time
}

// Transport is the ILP-over-HTTP ingress and the sender for
// connector.KindHTTP.
type Transport struct {
	processor   Processor
	client      Doer
	callbackURL string
	logger      *slog.Logger

	mu       sync.Mutex
	incoming map[string]incomingRequest
	outgoing map[string]outgoingRequest
	now      func() time.Time
}

// NewTransport returns a transport that advertises callbackURL (the public
// URL of this node's /ilp/callback route) on outgoing Prepares.
func NewTransport(processor Processor, client Doer, callbackURL string, logger *slog.Logger) *Transport {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		processor:   processor,
		client:      client,
		callbackURL: callbackURL,
		logger:      logger,
		incoming:    make(map[string]incomingRequest),
		outgoing:    make(map[string]outgoingRequest),
		now:         time.Now,
	}
}

// Routes returns the /ilp and /ilp/callback handlers.
func (t *Transport) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", t.handlePrepare)
	r.Post("/callback", t.handleCallback)
	return r
}

// EndpointID derives the counterparty id from its callback URL. The id is
// also used as the last segment of the counterparty's ILP address.
func EndpointID(callbackURL string) string {
	u, err := url.Parse(callbackURL)
	if err != nil || u.Host == "" {
		return ""
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '~':
			return r
		default:
			return '_'
		}
	}, u.Host)
}

func (t *Transport) handlePrepare(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get(HeaderPrefer) != RespondAsync {
		security.WriteJSONError(w, r, http.StatusBadRequest, "respond_async_required")
		return
	}
	requestID := r.Header.Get(HeaderRequestID)
	if requestID == "" {
		security.WriteJSONError(w, r, http.StatusBadRequest, "missing_request_id")
		return
	}
	callbackURL := r.Header.Get(HeaderCallbackURL)
	id := EndpointID(callbackURL)
	if id == "" {
		security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_callback_url")
		return
	}

	raw, packet, ok := readPacket(w, r)
	if !ok {
		return
	}
	if packet.Type() != ilp.TypePrepare {
		security.WriteJSONError(w, r, http.StatusBadRequest, "prepare_expected")
		return
	}

	internalID := uuid.NewString()
	t.mu.Lock()
	t.incoming[internalID] = incomingRequest{requestID: requestID, callbackURL: callbackURL}
	t.mu.Unlock()

	t.processor.ProcessPacket(r.Context(), connector.IncomingPacket{
		Source:     connector.HTTPEndpoint{ID: id},
		Packet:     packet,
		Serialized: raw,
		RequestID:  internalID,
	})
	w.Header().Set("Content-Type", ContentType)
	w.WriteHeader(http.StatusAccepted)
}

func (t *Transport) handleCallback(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get(HeaderRequestID)
	if requestID == "" {
		security.WriteJSONError(w, r, http.StatusBadRequest, "missing_request_id")
		return
	}

	raw, packet, ok := readPacket(w, r)
	if !ok {
		return
	}
	if packet.Type() == ilp.TypePrepare {
		security.WriteJSONError(w, r, http.StatusBadRequest, "result_expected")
		return
	}

	// A Fulfill may carry a wrong fulfillment and be followed by the right
	// one, so only a Reject retires the entry; the rest expire in SendPrepare.
	t.mu.Lock()
	pending, ok := t.outgoing[requestID]
	if ok && packet.Type() == ilp.TypeReject {
		delete(t.outgoing, requestID)
	}
	t.mu.Unlock()
	if !ok {
		security.WriteJSONError(w, r, http.StatusNotFound, "unknown_request")
		return
	}

	t.processor.ProcessPacket(r.Context(), connector.IncomingPacket{
		Source:     pending.endpoint,
		Packet:     packet,
		Serialized: raw,
		RequestID:  requestID,
	})
	w.Header().Set("Content-Type", ContentType)
	w.WriteHeader(http.StatusAccepted)
}

func readPacket(w http.ResponseWriter, r *http.Request) ([]byte, ilp.Packet, bool) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxPacketSize))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			security.WriteJSONError(w, r, http.StatusRequestEntityTooLarge, "payload_too_large")
			return nil, nil, false
		}
		security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_request")
		return nil, nil, false
	}
	packet, err := ilp.Parse(raw)
	if err != nil {
		security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_packet")
		return nil, nil, false
	}
	return raw, packet, true
}

// SendPrepare posts the Prepare to the counterparty's URL.
func (t *Transport) SendPrepare(out connector.OutgoingPrepare) {
	endpoint, ok := out.Destination.(connector.HTTPEndpoint)
	if !ok || endpoint.URL == "" {
		t.logger.Error("http destination has no url", "endpoint", out.Destination.UniqueID())
		return
	}

	now := t.now()
	t.mu.Lock()
	for id, o := range t.outgoing {
		if now.Sub(o.sentAt) > outgoingTTL {
			delete(t.outgoing, id)
		}
	}
	t.outgoing[out.RequestID] = outgoingRequest{endpoint: endpoint, sentAt: now}
	t.mu.Unlock()

	go func() {
		err := t.post(endpoint.URL, out.Serialized, map[string]string{
			HeaderPrefer:      RespondAsync,
			HeaderRequestID:   out.RequestID,
			HeaderCallbackURL: t.callbackURL,
		})
		if err != nil {
			t.logger.Warn("send ilp-http prepare failed", "endpoint", endpoint.ID, "request_id", out.RequestID, "error", err)
		}
	}()
}

// SendResult posts the Fulfill or Reject to the callback URL of the request
// it answers.
func (t *Transport) SendResult(res connector.ResolvedPacket) {
	t.mu.Lock()
	req, ok := t.incoming[res.RequestID]
	delete(t.incoming, res.RequestID)
	t.mu.Unlock()
	if !ok {
		t.logger.Warn("result for unknown ilp-http request", "request_id", res.RequestID)
		return
	}

	go func() {
		err := t.post(req.callbackURL, res.Serialized, map[string]string{HeaderRequestID: req.requestID})
		if err != nil {
			t.logger.Warn("send ilp-http result failed", "request_id", req.requestID, "error", err)
		}
	}()
}

func (t *Transport) post(target string, body []byte, headers map[string]string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", ContentType)
	req.Header.Set("Content-Type", ContentType)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
