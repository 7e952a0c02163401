package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"rollcall.dev/internal/bus"
)

func TestEventStreamDeliversBusEvents(t *testing.T) {
	api := newTestAPI(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, api.baseURL+"/v1/events", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := api.client.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stream status: %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("unexpected content type: %q", ct)
	}

	reader := bufio.NewReader(resp.Body)

	// The opening comment arrives after the subscription is live, so it
	// doubles as the publish barrier.
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read opening comment: %v", err)
	}
	if !strings.HasPrefix(line, ":") {
		t.Fatalf("expected comment line, got %q", line)
	}

	api.bus.Publish(bus.Event{Type: bus.TypeLog, IdentityID: "idn_sse", Detail: "hello"})

	var payload string
	for {
		line, err = reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read event frame: %v", err)
		}
		line = strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(line, "data: "); ok {
			payload = rest
			break
		}
	}

	var evt bus.Event
	if err := json.Unmarshal([]byte(payload), &evt); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if evt.Type != bus.TypeLog || evt.IdentityID != "idn_sse" || evt.Detail != "hello" {
		t.Fatalf("unexpected event: %+v", evt)
	}
	if evt.Seq == 0 {
		t.Fatalf("expected assigned sequence number")
	}
}

func TestEventStreamClosesWithClient(t *testing.T) {
	api := newTestAPI(t)

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, api.baseURL+"/v1/events", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := api.client.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	if _, err := reader.ReadString('\n'); err != nil {
		t.Fatalf("read opening comment: %v", err)
	}

	cancel()

	deadline := time.After(2 * time.Second)
	done := make(chan struct{})
	go func() {
		for {
			if _, err := reader.ReadString('\n'); err != nil {
				close(done)
				return
			}
		}
	}()
	select {
	case <-done:
	case <-deadline:
		t.Fatalf("stream did not close after client cancellation")
	}
}

func TestEventStreamMethodGuard(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post("/v1/events", nil, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}
