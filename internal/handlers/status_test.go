package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pliu/chatrelay/internal/store/sqlstore"
	"github.com/pliu/chatrelay/internal/ws"
)

type fixedStats ws.Stats

func (s fixedStats) Stats() ws.Stats { return ws.Stats(s) }

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("database is down") }

func TestGetStats(t *testing.T) {
	handler := &StatusHandler{Hub: fixedStats{TotalConnections: 5, CurrentConnections: 2, OnlineUsers: 1}}

	req, err := http.NewRequest("GET", "/stats", nil)
	if err != nil {
		t.Fatal(err)
	}
	rr := httptest.NewRecorder()
	http.HandlerFunc(handler.GetStats).ServeHTTP(rr, req)

	if status := rr.Code; status != http.StatusOK {
		t.Errorf("handler returned wrong status code: got %v want %v",
			status, http.StatusOK)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected JSON content type, got %q", ct)
	}

	var body map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["totalConnections"] != float64(5) || body["currentConnections"] != float64(2) || body["onlineUsers"] != float64(1) {
		t.Errorf("Unexpected stats body: %v", body)
	}
}

func TestGetStatsFromHub(t *testing.T) {
	store, err := sqlstore.New("sqlite3", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	handler := &StatusHandler{Hub: ws.NewHub(store, ws.Options{}), Store: store}
	rr := httptest.NewRecorder()
	http.HandlerFunc(handler.GetStats).ServeHTTP(rr, httptest.NewRequest("GET", "/stats", nil))

	var stats ws.Stats
	if err := json.NewDecoder(rr.Body).Decode(&stats); err != nil {
		t.Fatal(err)
	}
	if stats != (ws.Stats{}) {
		t.Errorf("Expected empty stats for a fresh hub, got %+v", stats)
	}
}

func TestHealth(t *testing.T) {
	store, err := sqlstore.New("sqlite3", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	tests := []struct {
		name   string
		pinger Pinger
		want   int
	}{
		{"store reachable", store, http.StatusOK},
		{"store down", failingPinger{}, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := &StatusHandler{Store: tt.pinger}
			rr := httptest.NewRecorder()
			http.HandlerFunc(handler.Health).ServeHTTP(rr, httptest.NewRequest("GET", "/healthz", nil))

			if rr.Code != tt.want {
				t.Errorf("handler returned wrong status code: got %v want %v",
					rr.Code, tt.want)
			}
		})
	}
}
