package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/af-corp/copilot-bridge/internal/approval"
	"github.com/af-corp/copilot-bridge/internal/config"
	"github.com/af-corp/copilot-bridge/internal/credential"
	"github.com/af-corp/copilot-bridge/internal/initiator"
	"github.com/af-corp/copilot-bridge/internal/notify"
	"github.com/af-corp/copilot-bridge/internal/router"
	"github.com/af-corp/copilot-bridge/internal/router/adapters"
	"github.com/af-corp/copilot-bridge/internal/telemetry"
	"github.com/af-corp/copilot-bridge/internal/upstream"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/tidwall/gjson"
)

type staticToken string

func (s staticToken) Token(context.Context) (string, error) { return string(s), nil }

type fakeCreds struct {
	err     error
	reloads int
}

func (f *fakeCreds) Reload(context.Context) error {
	f.reloads++
	return f.err
}

func (f *fakeCreds) Status() credential.Status {
	return credential.Status{HasIdentity: true, HasBearer: f.err == nil}
}

type upstreamCall struct {
	path   string
	header http.Header
	body   []byte
}

// fixture wires a Handler to a fake upstream. reply answers the n-th
// upstream call, starting at 0.
type fixture struct {
	h        *Handler
	cfg      *config.Config
	metrics  *telemetry.Metrics
	creds    *fakeCreds
	mu       sync.Mutex
	calls    []upstreamCall
	webhooks chan []byte
}

const catalogBody = `{"data":[
	{"id":"gpt-4o","name":"GPT-4o","vendor":"Azure OpenAI","supported_endpoints":["/chat/completions"]},
	{"id":"gpt-5","name":"GPT-5","vendor":"OpenAI","supported_endpoints":["/responses"]}
]}`

func newFixture(t *testing.T, reply func(w http.ResponseWriter, n int)) *fixture {
	t.Helper()
	f := &fixture{creds: &fakeCreds{}, webhooks: make(chan []byte, 4)}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		n := len(f.calls)
		f.calls = append(f.calls, upstreamCall{path: r.URL.Path, header: r.Header.Clone(), body: body})
		f.mu.Unlock()
		reply(w, n)
	}))
	t.Cleanup(srv.Close)

	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.webhooks <- body
	}))
	t.Cleanup(hook.Close)

	f.cfg = config.DefaultConfig()
	f.cfg.Upstream.BaseURL = srv.URL
	f.cfg.Features.SignatureRetry = true
	f.cfg.Notify.RateLimitWebhookURL = hook.URL
	f.cfg.Notify.Keyword = "test-node"

	client := upstream.NewClient(f.cfg.Upstream, staticToken("tok"), srv.Client())
	catalog := upstream.NewCatalog(client)
	catalog.Load([]byte(catalogBody))

	limits := initiator.NewLimits(2, 2)
	windows := initiator.NewWindowTracker(limits, initiator.WithLogger(quietLogger()))
	sessions := initiator.NewSessionTracker(limits, initiator.WithLogger(quietLogger()))
	f.metrics = telemetry.NewMetrics(prometheus.NewRegistry())

	chat := adapters.NewChatAdapter(client, windows, f.metrics)
	registry := router.NewRegistry()
	registry.Register(chat)
	registry.Register(adapters.NewResponsesAdapter(client, sessions, func() *config.ModelsConfig { return &config.ModelsConfig{} }, f.metrics))

	f.h = NewHandler(Deps{
		Config:   func() *config.Config { return f.cfg },
		Catalog:  catalog,
		Registry: registry,
		Chat:     chat,
		Client:   client,
		Windows:  windows,
		Sessions: sessions,
		Limits:   limits,
		Creds:    f.creds,
		Notifier: notify.NewNotifier(func() config.NotifyConfig { return f.cfg.Notify }, hook.Client(), quietLogger()),
		Metrics:  f.metrics,
		Logger:   quietLogger(),
	})
	return f
}

func (f *fixture) upstreamCalls() []upstreamCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]upstreamCall(nil), f.calls...)
}

func (f *fixture) post(handler http.HandlerFunc, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	w := httptest.NewRecorder()
	handler(w, req)
	return w
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func jsonReply(status int, body string) func(http.ResponseWriter, int) {
	return func(w http.ResponseWriter, _ int) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, body)
	}
}

const chatCompletion = `{"id":"chatcmpl-1","model":"gpt-4o","choices":[{"index":0,"message":{"role":"assistant","content":"hi there"},"finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":2}}`

func TestMessages_ChatNonStreaming(t *testing.T) {
	f := newFixture(t, jsonReply(http.StatusOK, chatCompletion))

	w := f.post(f.h.Messages, `{"model":"gpt-4o-20240513","max_tokens":10,"messages":[{"role":"user","content":"hi"}]}`)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	body := gjson.Parse(w.Body.String())
	if got := body.Get("content.0.text").String(); got != "hi there" {
		t.Errorf("expected text 'hi there', got %q", got)
	}
	if got := body.Get("stop_reason").String(); got != "end_turn" {
		t.Errorf("expected end_turn, got %q", got)
	}
	if got := body.Get("usage.input_tokens").Int(); got != 5 {
		t.Errorf("expected 5 input tokens, got %d", got)
	}

	calls := f.upstreamCalls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 upstream call, got %d", len(calls))
	}
	if calls[0].path != "/chat/completions" {
		t.Errorf("expected chat path, got %s", calls[0].path)
	}
	if got := gjson.GetBytes(calls[0].body, "model").String(); got != "gpt-4o" {
		t.Errorf("expected normalized model gpt-4o, got %s", got)
	}
	if got := calls[0].header.Get("X-Initiator"); got != "user" {
		t.Errorf("expected X-Initiator user, got %s", got)
	}
}

func TestMessages_ClientDisconnectDoesNotCancelUpstream(t *testing.T) {
	f := newFixture(t, jsonReply(http.StatusOK, chatCompletion))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"model":"gpt-4o","max_tokens":10,"messages":[{"role":"user","content":"hi"}]}`)).WithContext(ctx)
	w := httptest.NewRecorder()
	f.h.Messages(w, req)

	if len(f.upstreamCalls()) != 1 {
		t.Fatalf("expected the upstream call to run, got %d calls", len(f.upstreamCalls()))
	}
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestMessages_ResponsesStreaming(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, _ int) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, ev := range []string{
			`{"type":"response.created","response":{"id":"resp_1","model":"gpt-5"}}`,
			`{"type":"response.output_item.added","output_index":0,"item":{"type":"message"}}`,
			`{"type":"response.output_text.delta","output_index":0,"delta":"streamed"}`,
			`{"type":"response.output_item.done","output_index":0,"item":{"type":"message"}}`,
			`{"type":"response.completed","response":{"status":"completed","usage":{"input_tokens":3,"output_tokens":1}}}`,
		} {
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", gjson.Get(ev, "type").String(), ev)
		}
	})

	w := f.post(f.h.Messages, `{"model":"gpt-5","max_tokens":10,"stream":true,"metadata":{"user_id":"s1"},"messages":[{"role":"user","content":"go"}]}`)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	out := w.Body.String()
	for _, want := range []string{"event: message_start\n", `"text":"streamed"`, "event: message_stop\n"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected stream to contain %s, got %s", want, out)
		}
	}

	calls := f.upstreamCalls()
	if len(calls) != 1 || calls[0].path != "/responses" {
		t.Fatalf("expected one /responses call, got %+v", calls)
	}
	if got := calls[0].header.Get("Accept"); got != "text/event-stream" {
		t.Errorf("expected Accept text/event-stream, got %s", got)
	}
	if got := counterValue(t, f.metrics.StreamTruncationTotal.WithLabelValues(router.ProtocolResponses)); got != 0 {
		t.Errorf("expected no truncation, got %v", got)
	}
}

func TestMessages_StreamTruncationRecorded(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, _ int) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"par\"}}]}\n\n")
	})

	w := f.post(f.h.Messages, `{"model":"gpt-4o","max_tokens":10,"stream":true,"messages":[{"role":"user","content":"hi"}]}`)

	if !strings.Contains(w.Body.String(), "event: error\n") {
		t.Errorf("expected error event, got %s", w.Body.String())
	}
	if got := counterValue(t, f.metrics.StreamTruncationTotal.WithLabelValues(router.ProtocolChat)); got != 1 {
		t.Errorf("expected 1 truncation, got %v", got)
	}
}

const signedConversation = `{"model":"gpt-4o","max_tokens":10,"messages":[
	{"role":"user","content":"hi"},
	{"role":"assistant","content":[{"type":"thinking","thinking":"plan","signature":"stale"},{"type":"text","text":"hello"}]},
	{"role":"user","content":"again"}
]}`

const signatureRejection = `{"error":{"message":"Invalid signature in thinking block","type":"invalid_request_error"}}`

func TestMessages_SignatureRetry(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, n int) {
		if n == 0 {
			jsonReply(http.StatusBadRequest, signatureRejection)(w, n)
			return
		}
		jsonReply(http.StatusOK, chatCompletion)(w, n)
	})

	w := f.post(f.h.Messages, signedConversation)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 after retry, got %d: %s", w.Code, w.Body.String())
	}
	calls := f.upstreamCalls()
	if len(calls) != 2 {
		t.Fatalf("expected 2 upstream calls, got %d", len(calls))
	}
	if got := gjson.GetBytes(calls[0].body, "messages.1.reasoning_opaque").String(); got != "stale" {
		t.Errorf("first attempt should carry the signature, got %q", got)
	}
	if gjson.GetBytes(calls[1].body, "messages.1.reasoning_opaque").Exists() {
		t.Error("retry must not carry the signature")
	}
	if got := gjson.GetBytes(calls[1].body, "messages.1.reasoning_text").String(); got != "plan" {
		t.Errorf("retry should keep the thinking text, got %q", got)
	}
	if calls[0].header.Get("X-Request-Id") == calls[1].header.Get("X-Request-Id") {
		t.Error("retry should get a fresh request id")
	}
	if got := counterValue(t, f.metrics.SignatureRetryTotal.WithLabelValues("recovered")); got != 1 {
		t.Errorf("expected 1 recovered retry, got %v", got)
	}
}

func TestMessages_SignatureRetryFailsOnce(t *testing.T) {
	f := newFixture(t, jsonReply(http.StatusBadRequest, signatureRejection))

	w := f.post(f.h.Messages, signedConversation)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
	if n := len(f.upstreamCalls()); n != 2 {
		t.Errorf("expected exactly one retry, got %d calls", n)
	}
	if got := counterValue(t, f.metrics.SignatureRetryTotal.WithLabelValues("failed")); got != 1 {
		t.Errorf("expected 1 failed retry, got %v", got)
	}
}

func TestMessages_SignatureRetryDisabled(t *testing.T) {
	f := newFixture(t, jsonReply(http.StatusBadRequest, signatureRejection))
	f.cfg.Features.SignatureRetry = false

	w := f.post(f.h.Messages, signedConversation)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
	if n := len(f.upstreamCalls()); n != 1 {
		t.Errorf("expected no retry, got %d calls", n)
	}
}

func TestMessages_UpstreamRateLimitNotifies(t *testing.T) {
	f := newFixture(t, jsonReply(http.StatusTooManyRequests, `{"error":{"message":"slow down"}}`))

	w := f.post(f.h.Messages, `{"model":"gpt-4o","max_tokens":10,"messages":[{"role":"user","content":"hi"}]}`)

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	body := gjson.Parse(w.Body.String())
	if got := body.Get("error.type").String(); got != "rate_limit_error" {
		t.Errorf("expected rate_limit_error, got %s", got)
	}
	if got := body.Get("error.message").String(); got != "slow down" {
		t.Errorf("expected upstream message, got %s", got)
	}

	select {
	case raw := <-f.webhooks:
		ev := gjson.ParseBytes(raw)
		if ev.Get("status").Int() != 429 {
			t.Errorf("expected status 429 in webhook, got %s", raw)
		}
		if ev.Get("keyword").String() != "test-node" {
			t.Errorf("expected keyword test-node, got %s", raw)
		}
		if ev.Get("error.error.message").String() != "slow down" {
			t.Errorf("expected upstream body in webhook, got %s", raw)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("webhook was not called")
	}
}

func TestMessages_InvalidRequest(t *testing.T) {
	f := newFixture(t, jsonReply(http.StatusOK, chatCompletion))

	tests := []struct {
		name string
		body string
	}{
		{"not json", `{`},
		{"missing model", `{"max_tokens":1,"messages":[{"role":"user","content":"hi"}]}`},
		{"missing messages", `{"model":"gpt-4o","max_tokens":1,"messages":[]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.post(f.h.Messages, tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", w.Code)
			}
			if got := gjson.Get(w.Body.String(), "error.type").String(); got != "invalid_request_error" {
				t.Errorf("expected invalid_request_error, got %s", got)
			}
		})
	}
	if n := len(f.upstreamCalls()); n != 0 {
		t.Errorf("invalid requests should not reach upstream, got %d calls", n)
	}
}

func TestMessages_ManualApprovalRejected(t *testing.T) {
	f := newFixture(t, jsonReply(http.StatusOK, chatCompletion))
	f.cfg.Features.ManualApprove = true
	f.h.Approver = approval.NewConsoleFrom(strings.NewReader("n\n"), io.Discard)

	w := f.post(f.h.Messages, `{"model":"gpt-4o","max_tokens":10,"messages":[{"role":"user","content":"hi"}]}`)

	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", w.Code)
	}
	if n := len(f.upstreamCalls()); n != 0 {
		t.Errorf("rejected request reached upstream %d times", n)
	}
}

func TestMessages_ManualApprovalAccepted(t *testing.T) {
	f := newFixture(t, jsonReply(http.StatusOK, chatCompletion))
	f.cfg.Features.ManualApprove = true
	f.h.Approver = approval.NewConsoleFrom(strings.NewReader("y\n"), io.Discard)

	w := f.post(f.h.Messages, `{"model":"gpt-4o","max_tokens":10,"messages":[{"role":"user","content":"hi"}]}`)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
}

func TestChatCompletions_Passthrough(t *testing.T) {
	f := newFixture(t, jsonReply(http.StatusOK, chatCompletion))
	raw := `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}],"vendor_field":{"x":1}}`

	w := f.post(f.h.ChatCompletions, raw)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w.Body.String() != chatCompletion {
		t.Errorf("expected upstream body unchanged, got %s", w.Body.String())
	}
	calls := f.upstreamCalls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if string(calls[0].body) != raw {
		t.Errorf("expected request body unchanged, got %s", calls[0].body)
	}
	if calls[0].header.Get("X-Initiator") != "user" || calls[0].header.Get("X-Interaction-Id") == "" {
		t.Errorf("expected attribution headers, got %v", calls[0].header)
	}

	if w := f.post(f.h.ChatCompletions, `{"messages":[]}`); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without model, got %d", w.Code)
	}
}

func TestEmbeddings(t *testing.T) {
	f := newFixture(t, jsonReply(http.StatusOK, `{"data":[{"embedding":[0.1]}]}`))

	w := f.post(f.h.Embeddings, `{"model":"text-embedding-3-small","input":"hi"}`)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	calls := f.upstreamCalls()
	if len(calls) != 1 || calls[0].path != "/embeddings" {
		t.Errorf("expected one /embeddings call, got %+v", calls)
	}
	if calls[0].header.Get("X-Initiator") != "" {
		t.Error("embeddings should not be attributed")
	}
}

func TestListModels(t *testing.T) {
	f := newFixture(t, jsonReply(http.StatusOK, `{}`))

	w := httptest.NewRecorder()
	f.h.ListModels(w, httptest.NewRequest(http.MethodGet, "/v1/models", nil))

	body := gjson.Parse(w.Body.String())
	if got := body.Get("data.#").Int(); got != 2 {
		t.Fatalf("expected 2 models, got %d", got)
	}
	if got := body.Get("data.1.id").String(); got != "gpt-5" {
		t.Errorf("expected gpt-5, got %s", got)
	}
	if got := body.Get("data.0.display_name").String(); got != "GPT-4o" {
		t.Errorf("expected display name GPT-4o, got %s", got)
	}
}

func TestAdminConversations(t *testing.T) {
	f := newFixture(t, jsonReply(http.StatusOK, chatCompletion))
	f.post(f.h.Messages, `{"model":"gpt-4o","max_tokens":10,"messages":[{"role":"user","content":"hi"}]}`)

	w := httptest.NewRecorder()
	f.h.AdminConversations(w, httptest.NewRequest(http.MethodGet, "/admin/conversations", nil))

	var resp conversationsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.OK {
		t.Error("expected ok")
	}
	if resp.Config.Min != 2 || resp.Config.Max != 2 {
		t.Errorf("expected bounds 2/2, got %+v", resp.Config)
	}
	if len(resp.Conversations) != 1 || resp.Conversations[0].ModelID != "gpt-4o" {
		t.Errorf("expected one gpt-4o window, got %+v", resp.Conversations)
	}
}

func TestAdminReloadToken(t *testing.T) {
	f := newFixture(t, jsonReply(http.StatusOK, `{}`))

	w := httptest.NewRecorder()
	f.h.AdminReloadToken(w, httptest.NewRequest(http.MethodPost, "/admin/reload-token", nil))
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	if got := gjson.Get(w.Body.String(), "message").String(); got != "Token reloaded" {
		t.Errorf("unexpected message %q", got)
	}

	f.creds.err = errors.New("issuer down")
	w = httptest.NewRecorder()
	f.h.AdminReloadToken(w, httptest.NewRequest(http.MethodPost, "/admin/reload-token", nil))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", w.Code)
	}
	body := gjson.Parse(w.Body.String())
	if body.Get("ok").Bool() || body.Get("error").String() != "issuer down" {
		t.Errorf("unexpected body %s", w.Body.String())
	}
	if f.creds.reloads != 2 {
		t.Errorf("expected 2 reloads, got %d", f.creds.reloads)
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t, jsonReply(http.StatusOK, `{}`))

	w := httptest.NewRecorder()
	f.h.Health(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	body := gjson.Parse(w.Body.String())
	if got := body.Get("status").String(); got != "ok" {
		t.Errorf("expected ok, got %s", got)
	}
	if got := body.Get("models").Int(); got != 2 {
		t.Errorf("expected 2 models, got %d", got)
	}
}
