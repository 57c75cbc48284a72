package gateway

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/af-corp/copilot-bridge/internal/httputil"
	"github.com/af-corp/copilot-bridge/internal/router/adapters"
	"github.com/af-corp/copilot-bridge/internal/types"
)

// readSSE parses an event stream and calls fn once per event. Multiple data
// lines of one event are joined with newlines. Comments and unknown fields
// are ignored.
func readSSE(r io.Reader, fn func(types.SSEEvent) error) error {
	scanner := bufio.NewScanner(r)
	// Increase scanner buffer for large chunks
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var (
		ev      types.SSEEvent
		data    []string
		pending bool
	)
	dispatch := func() error {
		if !pending {
			return nil
		}
		ev.Data = strings.Join(data, "\n")
		err := fn(ev)
		ev, data, pending = types.SSEEvent{}, nil, false
		return err
	}

	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")
		if line == "" {
			if err := dispatch(); err != nil {
				return err
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			ev.Event = value
			pending = true
		case "data":
			data = append(data, value)
			pending = true
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return dispatch()
}

// streamResult summarizes a finished translated stream.
type streamResult struct {
	truncated bool
	usage     types.Usage
}

func startSSE(w http.ResponseWriter, reqID string) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.WriteInternalError(w, reqID, "Streaming not supported")
		return nil, false
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Request-ID", reqID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return flusher, true
}

func writeEvent(w io.Writer, ev types.StreamEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal stream event: %w", err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}

// streamMessages reads the upstream event stream, rebuilds it as Messages
// events through tr and writes them to the client. A stream that ends
// before its terminal event is closed with an error event. When the client
// goes away the upstream stream is still read to its end.
func streamMessages(w http.ResponseWriter, reqID string, upstreamResp *http.Response, tr adapters.StreamTranslator, logger *slog.Logger) streamResult {
	defer upstreamResp.Body.Close()

	var res streamResult
	flusher, ok := startSSE(w, reqID)
	if !ok {
		return res
	}

	clientGone := false
	emit := func(events []types.StreamEvent) {
		for _, ev := range events {
			if ev.Type == types.EventMessageDelta && ev.Usage != nil {
				res.usage = *ev.Usage
			}
			if clientGone {
				continue
			}
			if err := writeEvent(w, ev); err != nil {
				clientGone = true
				logger.Debug("client went away, draining upstream stream", "request_id", reqID, "error", err)
			}
		}
		if len(events) > 0 && !clientGone {
			flusher.Flush()
		}
	}

	err := readSSE(upstreamResp.Body, func(ev types.SSEEvent) error {
		events, err := tr.Translate(ev)
		if err != nil {
			logger.Warn("skipping malformed upstream event", "request_id", reqID, "error", err)
			return nil
		}
		emit(events)
		if tr.Done() {
			return errStreamDone
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStreamDone) {
		logger.Error("error reading stream", "request_id", reqID, "error", err)
	}

	if !tr.Done() {
		res.truncated = true
		emit(tr.Finish())
	}
	return res
}

// errStreamDone stops reading once the translator has seen the terminal
// event.
var errStreamDone = errors.New("stream done")

// relaySSE forwards an upstream event stream to the client unchanged.
func relaySSE(w http.ResponseWriter, reqID string, upstreamResp *http.Response, logger *slog.Logger) {
	defer upstreamResp.Body.Close()

	flusher, ok := startSSE(w, reqID)
	if !ok {
		return
	}

	buf := make([]byte, 32*1024)
	for {
		n, err := upstreamResp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			flusher.Flush()
		}
		if err == io.EOF {
			return
		}
		if err != nil {
			logger.Error("error relaying stream", "request_id", reqID, "error", err)
			return
		}
	}
}
