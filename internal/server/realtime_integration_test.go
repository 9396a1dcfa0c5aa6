package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lumeno/telebridge/internal/remote"
)

func TestEventStreamDeliversProfileChanges(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	env := newTestEnv(t, dispatcher)
	token := env.sessionToken(t)

	testServer := httptest.NewServer(env.handler)
	defer testServer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	request, err := http.NewRequestWithContext(ctx, http.MethodGet,
		testServer.URL+"/v1/events?access_token="+token, nil)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	response, err := testServer.Client().Do(request)
	if err != nil {
		t.Fatalf("failed to open event stream: %v", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", response.StatusCode)
	}
	if got := response.Header.Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("unexpected content type %q", got)
	}

	// The subscription is registered before the handler writes anything, so
	// updating a puppet now is guaranteed to reach the stream.
	env.seedPuppet(t, 42, remote.Profile{
		AccountID: 42, FirstName: "Alice", Contact: true,
	})

	reader := bufio.NewReader(response.Body)
	eventType := ""
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("stream ended early: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		if after, ok := strings.CutPrefix(line, "event: "); ok {
			eventType = after
			continue
		}
		after, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		if eventType == realtimeEventHeartbeat {
			continue
		}
		if eventType != RealtimeEventProfileChanged {
			t.Fatalf("unexpected event type %q", eventType)
		}
		var payload streamEventPayload
		if err := json.Unmarshal([]byte(after), &payload); err != nil {
			t.Fatalf("failed to decode event payload: %v", err)
		}
		if payload.AccountID != 42 {
			t.Fatalf("unexpected account id %d", payload.AccountID)
		}
		if payload.UserID != "@telegram_42:example.com" {
			t.Fatalf("unexpected user id %q", payload.UserID)
		}
		if payload.Displayname != "Alice (Telegram)" {
			t.Fatalf("unexpected displayname %q", payload.Displayname)
		}
		return
	}
}

func TestEventStreamRejectsMissingToken(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	env := newTestEnv(t, dispatcher)

	recorder := httptest.NewRecorder()
	env.handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/v1/events", nil))
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
}
