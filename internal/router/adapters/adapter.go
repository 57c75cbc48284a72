package adapters

import (
	"context"
	"net/http"
	"regexp"

	"github.com/af-corp/copilot-bridge/internal/types"
)

// Adapter translates Messages requests to one upstream protocol and the
// upstream's answers back. Each adapter owns the attribution policy of its
// protocol, consulted once per dispatch.
type Adapter interface {
	Name() string
	TransformRequest(req *types.MessagesRequest) (*Outbound, error)
	// SendRequest attributes the call and dispatches it. A retry is a fresh
	// SendRequest and is attributed again.
	SendRequest(ctx context.Context, out *Outbound) (*http.Response, error)
	TransformResponse(body []byte) (*types.MessagesResponse, error)
	NewStreamTranslator(model string) StreamTranslator
}

// Outbound is a translated request ready for dispatch.
type Outbound struct {
	Model  string
	Body   []byte
	Stream bool
	Vision bool
}

// StreamTranslator rebuilds a Messages event stream from upstream events.
// One translator serves exactly one exchange.
type StreamTranslator interface {
	Translate(ev types.SSEEvent) ([]types.StreamEvent, error)
	// Done reports whether the upstream terminal marker has been seen.
	Done() bool
	// Finish closes a stream whose upstream ended early with an error event.
	// It returns nothing once Done is true.
	Finish() []types.StreamEvent
}

// Recorder observes attribution decisions.
type Recorder interface {
	RecordAttribution(policy string, initiator types.Initiator)
}

const (
	PolicyWindow  = "window"
	PolicySession = "session"
)

func record(r Recorder, policy string, initiator types.Initiator) {
	if r != nil {
		r.RecordAttribution(policy, initiator)
	}
}

var datedSuffix = regexp.MustCompile(`-\d{8}$`)

// NormalizeModel drops the release date from dated model ids, which the
// upstream does not list.
func NormalizeModel(model string) string {
	return datedSuffix.ReplaceAllString(model, "")
}
