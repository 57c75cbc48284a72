package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/af-corp/copilot-bridge/internal/approval"
	"github.com/af-corp/copilot-bridge/internal/config"
	"github.com/af-corp/copilot-bridge/internal/credential"
	"github.com/af-corp/copilot-bridge/internal/httputil"
	"github.com/af-corp/copilot-bridge/internal/initiator"
	"github.com/af-corp/copilot-bridge/internal/notify"
	"github.com/af-corp/copilot-bridge/internal/router"
	"github.com/af-corp/copilot-bridge/internal/router/adapters"
	"github.com/af-corp/copilot-bridge/internal/telemetry"
	"github.com/af-corp/copilot-bridge/internal/types"
	"github.com/af-corp/copilot-bridge/internal/upstream"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/tidwall/gjson"
)

const (
	routeMessages        = "/v1/messages"
	routeChatCompletions = "/v1/chat/completions"
	routeEmbeddings      = "/v1/embeddings"

	maxBodyBytes = 32 << 20
)

// Credentials is the part of the credential manager the handlers use.
type Credentials interface {
	Reload(ctx context.Context) error
	Status() credential.Status
}

// Deps are the collaborators of Handler.
type Deps struct {
	Config   func() *config.Config
	Catalog  *upstream.Catalog
	Registry *router.Registry
	Chat     *adapters.ChatAdapter
	Client   *upstream.Client
	Windows  *initiator.WindowTracker
	Sessions *initiator.SessionTracker
	Limits   *initiator.Limits
	Creds    Credentials
	Approver approval.Approver
	Notifier *notify.Notifier
	Metrics  *telemetry.Metrics
	Logger   *slog.Logger
}

// Handler holds dependencies for the gateway HTTP handlers.
type Handler struct {
	Deps
}

func NewHandler(d Deps) *Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Approver == nil {
		d.Approver = approval.AllowAll{}
	}
	return &Handler{Deps: d}
}

// requestID returns the id assigned by the request-id middleware.
func requestID(r *http.Request) string {
	return middleware.GetReqID(r.Context())
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
}

// approve asks the operator when manual approval is on. It writes the
// rejection itself and reports whether the request may continue.
func (h *Handler) approve(w http.ResponseWriter, r *http.Request, reqID, summary string) bool {
	if !h.Config().Features.ManualApprove {
		return true
	}
	err := h.Approver.Approve(r.Context(), summary)
	if err == nil {
		return true
	}
	h.Logger.Warn("request not approved", "request_id", reqID, "reason", err)
	httputil.WriteForbiddenError(w, reqID, "Request rejected")
	return false
}

// fail reports err to the client. An upstream 429 also notifies the
// operator webhook.
func (h *Handler) fail(w http.ResponseWriter, reqID string, err error) int {
	var ue *upstream.Error
	if errors.As(err, &ue) && ue.Status == http.StatusTooManyRequests && h.Notifier != nil {
		h.Notifier.RateLimited(ue.Status, ue.Body)
	}
	status := httputil.StatusOf(err)
	if status >= 500 {
		h.Logger.Error("request failed", "request_id", reqID, "status", status, "error", err)
	} else {
		h.Logger.Warn("request failed", "request_id", reqID, "status", status, "error", err)
	}
	httputil.WriteFromError(w, reqID, err)
	return status
}

func (h *Handler) record(route, protocol, model string, status int, start time.Time, usage types.Usage) {
	if h.Metrics == nil {
		return
	}
	h.Metrics.RecordRequest(telemetry.RequestLabels{
		Route:        route,
		Protocol:     protocol,
		Model:        model,
		Status:       status,
		DurationMs:   float64(time.Since(start).Milliseconds()),
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
	})
}

// upstreamContext keeps the request's values but not its cancellation: an
// upstream exchange runs to completion even when the client disconnects.
// The upstream client's timeout still bounds it.
func upstreamContext(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}

// dispatch translates req for adapter and sends it. Every call is attributed
// afresh by the adapter.
func dispatch(ctx context.Context, adapter adapters.Adapter, req *types.MessagesRequest) (*http.Response, *adapters.Outbound, error) {
	out, err := adapter.TransformRequest(req)
	if err != nil {
		return nil, nil, fmt.Errorf("translate request: %w", err)
	}
	resp, err := adapter.SendRequest(ctx, out)
	return resp, out, err
}

// Messages handles POST /v1/messages
func (h *Handler) Messages(w http.ResponseWriter, r *http.Request) {
	reqID := requestID(r)
	receivedAt := time.Now()

	raw, err := readBody(r)
	if err != nil {
		httputil.WriteBadRequestError(w, reqID, "Failed to read request body")
		return
	}

	var req types.MessagesRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		httputil.WriteBadRequestError(w, reqID, "Invalid JSON: "+err.Error())
		return
	}
	if req.Model == "" {
		httputil.WriteBadRequestError(w, reqID, "model is required")
		return
	}
	if len(req.Messages) == 0 {
		httputil.WriteBadRequestError(w, reqID, "messages is required")
		return
	}

	if !h.approve(w, r, reqID, "model="+req.Model) {
		return
	}

	adapter, err := router.ResolveRoute(h.Catalog, h.Registry, req.Model)
	if err != nil {
		httputil.WriteServiceUnavailableError(w, reqID, "No upstream protocol available: "+err.Error())
		return
	}
	protocol := adapter.Name()
	log := h.Logger.With("request_id", reqID, "model", req.Model, "protocol", protocol)

	ctx := upstreamContext(r)
	resp, out, err := dispatch(ctx, adapter, &req)
	if err != nil && adapters.IsSignatureRejection(err) && h.Config().Features.SignatureRetry {
		resp, out, err = h.retryWithoutSignatures(ctx, adapter, raw, log)
	}
	if err != nil {
		status := h.fail(w, reqID, err)
		h.record(routeMessages, protocol, req.Model, status, receivedAt, types.Usage{})
		return
	}

	if req.Stream {
		log.Info("streaming started", "upstream_model", out.Model)
		res := streamMessages(w, reqID, resp, adapter.NewStreamTranslator(req.Model), log)
		if res.truncated {
			log.Warn("upstream stream ended without completion")
			if h.Metrics != nil {
				h.Metrics.RecordStreamTruncation(protocol)
			}
		}
		h.record(routeMessages, protocol, req.Model, http.StatusOK, receivedAt, res.usage)
		return
	}

	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		status := h.fail(w, reqID, fmt.Errorf("read upstream response: %w", err))
		h.record(routeMessages, protocol, req.Model, status, receivedAt, types.Usage{})
		return
	}
	msg, err := adapter.TransformResponse(body)
	if err != nil {
		log.Error("failed to transform response", "error", err)
		httputil.WriteInternalError(w, reqID, "Failed to process upstream response")
		h.record(routeMessages, protocol, req.Model, http.StatusInternalServerError, receivedAt, types.Usage{})
		return
	}
	if msg.Model == "" {
		msg.Model = req.Model
	}

	log.Info("request completed",
		"upstream_model", out.Model,
		"stop_reason", msg.StopReason,
		"input_tokens", msg.Usage.InputTokens,
		"output_tokens", msg.Usage.OutputTokens,
		"duration_ms", time.Since(receivedAt).Milliseconds(),
	)
	h.record(routeMessages, protocol, req.Model, http.StatusOK, receivedAt, msg.Usage)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(msg)
}

// retryWithoutSignatures replays a request once after the upstream rejected
// a thinking block signature. Signatures are cleared on the raw body so
// fields the gateway does not model survive the replay.
func (h *Handler) retryWithoutSignatures(ctx context.Context, adapter adapters.Adapter, raw []byte, log *slog.Logger) (*http.Response, *adapters.Outbound, error) {
	log.Warn("upstream rejected thinking signature, retrying without signatures")

	stripped, err := adapters.StripThinkingSignatures(raw)
	if err != nil {
		return nil, nil, err
	}
	var req types.MessagesRequest
	if err := json.Unmarshal(stripped, &req); err != nil {
		return nil, nil, fmt.Errorf("decode stripped request: %w", err)
	}

	resp, out, err := dispatch(ctx, adapter, &req)
	outcome := "recovered"
	if err != nil {
		outcome = "failed"
	}
	if h.Metrics != nil {
		h.Metrics.RecordSignatureRetry(outcome)
	}
	return resp, out, err
}

// ChatCompletions handles POST /v1/chat/completions. The body is forwarded
// unchanged; only attribution headers are added.
func (h *Handler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	reqID := requestID(r)
	receivedAt := time.Now()

	raw, err := readBody(r)
	if err != nil {
		httputil.WriteBadRequestError(w, reqID, "Failed to read request body")
		return
	}
	if !json.Valid(raw) {
		httputil.WriteBadRequestError(w, reqID, "Invalid JSON")
		return
	}
	model := gjson.GetBytes(raw, "model").String()
	if model == "" {
		httputil.WriteBadRequestError(w, reqID, "model is required")
		return
	}

	if !h.approve(w, r, reqID, "model="+model) {
		return
	}

	resp, err := h.Chat.Passthrough(upstreamContext(r), raw)
	if err != nil {
		status := h.fail(w, reqID, err)
		h.record(routeChatCompletions, router.ProtocolChat, model, status, receivedAt, types.Usage{})
		return
	}

	if isEventStream(resp) {
		relaySSE(w, reqID, resp, h.Logger)
	} else {
		copyResponse(w, resp)
	}
	h.record(routeChatCompletions, router.ProtocolChat, model, http.StatusOK, receivedAt, types.Usage{})
}

// Embeddings handles POST /v1/embeddings
func (h *Handler) Embeddings(w http.ResponseWriter, r *http.Request) {
	reqID := requestID(r)
	receivedAt := time.Now()

	raw, err := readBody(r)
	if err != nil {
		httputil.WriteBadRequestError(w, reqID, "Failed to read request body")
		return
	}
	if !json.Valid(raw) {
		httputil.WriteBadRequestError(w, reqID, "Invalid JSON")
		return
	}

	resp, err := h.Client.Do(upstreamContext(r), upstream.Request{Path: "/embeddings", Body: raw})
	if err != nil {
		status := h.fail(w, reqID, err)
		h.record(routeEmbeddings, "embeddings", "", status, receivedAt, types.Usage{})
		return
	}
	copyResponse(w, resp)
	h.record(routeEmbeddings, "embeddings", "", http.StatusOK, receivedAt, types.Usage{})
}

func isEventStream(resp *http.Response) bool {
	return strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream")
}

func copyResponse(w http.ResponseWriter, resp *http.Response) {
	defer resp.Body.Close()
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = "application/json"
	}
	w.Header().Set("Content-Type", ct)
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// ListModels handles GET /v1/models
func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	models := h.Catalog.Models()
	data := make([]modelObject, 0, len(models))
	for _, m := range models {
		name := m.Name
		if name == "" {
			name = m.ID
		}
		data = append(data, modelObject{
			ID:          m.ID,
			Object:      "model",
			Type:        "model",
			Created:     0,
			CreatedAt:   time.Unix(0, 0).UTC().Format(time.RFC3339),
			OwnedBy:     m.Vendor,
			DisplayName: name,
		})
	}

	httputil.WriteJSON(w, http.StatusOK, modelListResponse{
		Object:  "list",
		Data:    data,
		HasMore: false,
	})
}

type modelObject struct {
	ID          string `json:"id"`
	Object      string `json:"object"`
	Type        string `json:"type"`
	Created     int64  `json:"created"`
	CreatedAt   string `json:"created_at"`
	OwnedBy     string `json:"owned_by"`
	DisplayName string `json:"display_name"`
}

type modelListResponse struct {
	Object  string        `json:"object"`
	Data    []modelObject `json:"data"`
	HasMore bool          `json:"has_more"`
}
