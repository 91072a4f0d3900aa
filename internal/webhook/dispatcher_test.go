package webhook

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sydlexius/gridserver/internal/config"
	"github.com/sydlexius/gridserver/internal/event"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recorder captures decoded request bodies.
type recorder struct {
	mu     sync.Mutex
	bodies []map[string]any
}

func (r *recorder) handler(status func(n int) int) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var body map[string]any
		json.NewDecoder(req.Body).Decode(&body) //nolint:errcheck
		r.mu.Lock()
		r.bodies = append(r.bodies, body)
		n := len(r.bodies)
		r.mu.Unlock()
		if status != nil {
			w.WriteHeader(status(n))
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bodies)
}

func fastDispatcher(svc *Service, client *http.Client) *Dispatcher {
	d := NewDispatcherWithHTTPClient(svc, client, testLogger())
	d.backoff = func(int) time.Duration { return 10 * time.Millisecond }
	return d
}

func TestDispatcher_GenericWebhook(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec.handler(nil))
	defer srv.Close()

	svc := NewService(FromConfig(config.NotifyConfig{WebhookURLs: []string{srv.URL}}))
	d := fastDispatcher(svc, srv.Client())
	d.HandleEvent(event.Event{
		Type:      event.ScanCompleted,
		Timestamp: time.Now().UTC(),
		Data:      map[string]any{"discovered": float64(42)},
	})
	d.Wait()

	if rec.count() != 1 {
		t.Fatalf("deliveries = %d, want 1", rec.count())
	}
	body := rec.bodies[0]
	if body["event"] != "scan.completed" {
		t.Errorf("event = %v, want scan.completed", body["event"])
	}
	if data, _ := body["data"].(map[string]any); data["discovered"] != float64(42) {
		t.Errorf("data = %v", body["data"])
	}
}

func TestDispatcher_DiscordFormat(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec.handler(nil))
	defer srv.Close()

	svc := NewService([]Webhook{{Name: "discord", URL: srv.URL, Type: TypeDiscord}})
	d := fastDispatcher(svc, srv.Client())
	d.HandleEvent(event.Event{
		Type:      event.PluginBlacklisted,
		Timestamp: time.Now().UTC(),
		Data:      map[string]any{"identifier": "/p/Bad.vst3", "reason": "crashed"},
	})
	d.Wait()

	if rec.count() != 1 {
		t.Fatalf("deliveries = %d, want 1", rec.count())
	}
	embeds, ok := rec.bodies[0]["embeds"].([]any)
	if !ok || len(embeds) == 0 {
		t.Fatal("expected discord embeds array")
	}
	embed := embeds[0].(map[string]any)
	if desc, _ := embed["description"].(string); !strings.Contains(desc, "/p/Bad.vst3") {
		t.Errorf("description = %q", desc)
	}
}

func TestDispatcher_SlackAndGotifyFormats(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec.handler(nil))
	defer srv.Close()

	svc := NewService([]Webhook{
		{Name: "slack", URL: srv.URL, Type: TypeSlack},
		{Name: "gotify", URL: srv.URL, Type: TypeGotify},
	})
	d := fastDispatcher(svc, srv.Client())
	d.HandleEvent(event.Event{Type: event.ClientConnected, Data: map[string]any{"message": "hello"}})
	d.Wait()

	if rec.count() != 2 {
		t.Fatalf("deliveries = %d, want 2", rec.count())
	}
	var sawText, sawMessage bool
	for _, b := range rec.bodies {
		if text, ok := b["text"].(string); ok && strings.Contains(text, "hello") {
			sawText = true
		}
		if b["message"] == "hello" {
			sawMessage = true
		}
	}
	if !sawText || !sawMessage {
		t.Errorf("bodies = %v", rec.bodies)
	}
}

func TestDispatcher_RetryOn500(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec.handler(func(n int) int {
		if n < 3 {
			return http.StatusInternalServerError
		}
		return http.StatusOK
	}))
	defer srv.Close()

	svc := NewService([]Webhook{{Name: "retry", URL: srv.URL, Type: TypeGeneric}})
	d := fastDispatcher(svc, srv.Client())
	d.HandleEvent(event.Event{Type: event.ScanCompleted})
	d.Wait()

	if got := rec.count(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestDispatcher_MaxRetries(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	svc := NewService([]Webhook{{Name: "down", URL: srv.URL, Type: TypeGeneric}})
	d := fastDispatcher(svc, srv.Client())
	d.HandleEvent(event.Event{Type: event.PluginsAdded})
	d.Wait()

	if got := attempts.Load(); got != maxRetries {
		t.Errorf("attempts = %d, want %d", got, maxRetries)
	}
}

func TestDispatcher_EventFilter(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec.handler(nil))
	defer srv.Close()

	svc := NewService(FromConfig(config.NotifyConfig{Webhooks: []config.WebhookConfig{
		{URL: srv.URL, Events: []string{string(event.PluginBlacklisted)}},
	}}))
	bus := event.NewBus(testLogger(), 16)
	d := fastDispatcher(svc, srv.Client())
	d.Subscribe(bus)
	go bus.Start()

	bus.Publish(event.Event{Type: event.ScanCompleted})
	bus.Publish(event.Event{Type: event.PluginBlacklisted, Data: map[string]any{"identifier": "x"}})
	time.Sleep(100 * time.Millisecond)
	bus.Stop()
	d.Wait()

	if rec.count() != 1 {
		t.Fatalf("deliveries = %d, want 1", rec.count())
	}
	if rec.bodies[0]["event"] != string(event.PluginBlacklisted) {
		t.Errorf("delivered %v", rec.bodies[0]["event"])
	}
}
