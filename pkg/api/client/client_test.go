package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestBuildProject(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/build-project" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("unexpected auth header %q", got)
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["sourceUrl"] != "https://example/repo" || body["slug"] != "my-app" {
			t.Errorf("unexpected body %v", body)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"queued","data":{"slug":"my-app","build_id":"b-1"}}`))
	}))
	defer srv.Close()

	cli, err := New(srv.URL)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	res, err := cli.BuildProject(context.Background(), "tok", BuildInput{SourceURL: "https://example/repo", Slug: "my-app"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if res.Status != "queued" || res.Slug != "my-app" || res.BuildID != "b-1" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestAPIErrorCarriesMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":"access denied: slug belongs to another user"}`))
	}))
	defer srv.Close()

	cli, _ := New(srv.URL)
	_, err := cli.GetProject(context.Background(), "tok", "my-app")
	var apiErr APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusForbidden || !strings.Contains(apiErr.Message, "access denied") {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
}

func TestStreamLogs(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var sub map[string]string
		if err := conn.ReadJSON(&sub); err != nil || sub["type"] != "subscribe" || sub["channel"] != "my-app" {
			t.Errorf("unexpected subscribe frame %v (%v)", sub, err)
			return
		}
		for _, data := range []string{"Joined logs:my-app", "line one", "line two"} {
			_ = conn.WriteJSON(LogFrame{Event: "message", Channel: "logs:my-app", Data: data})
		}
		time.Sleep(100 * time.Millisecond)
	}))
	defer srv.Close()

	cli, _ := New(srv.URL)
	var got []string
	err := cli.StreamLogs(context.Background(), "tok", "my-app", func(frame LogFrame) error {
		got = append(got, frame.Data)
		if len(got) == 3 {
			return ErrStopStream
		}
		return nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if len(got) != 3 || got[1] != "line one" {
		t.Fatalf("unexpected frames %v", got)
	}
}
