package logs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/splax/launchpad/internal/ws"
)

type chanSource struct {
	ch chan *redis.Message
}

func (s chanSource) Messages() <-chan *redis.Message { return s.ch }

type subscriber struct {
	id     string
	mu     sync.Mutex
	frames []ws.ServerFrame
}

func (s *subscriber) ID() string { return s.id }

func (s *subscriber) Send(payload []byte) error {
	var frame ws.ServerFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame)
	return nil
}

func (s *subscriber) Close() {}

func (s *subscriber) data() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.frames))
	for i, f := range s.frames {
		out[i] = f.Data
	}
	return out
}

type pingStub struct {
	mu  sync.Mutex
	err error
}

func (p *pingStub) Ping(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startRelay(t *testing.T, observers ...Observer) (*Relay, chan *redis.Message, func()) {
	t.Helper()
	src := chanSource{ch: make(chan *redis.Message, 16)}
	relay := New(ws.NewHub(discard()), src, nil, discard(), time.Minute)
	for _, o := range observers {
		relay.Observe(o)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = relay.Run(ctx)
		close(done)
	}()
	return relay, src.ch, func() {
		cancel()
		<-done
	}
}

// drain pushes a sentinel through the relay so prior messages are handled.
func drain(t *testing.T, ch chan *redis.Message, sentinel *subscriber, relay *Relay) {
	t.Helper()
	if _, err := relay.Join(sentinel, "sentinel"); err != nil {
		t.Fatalf("join sentinel: %v", err)
	}
	before := len(sentinel.data())
	ch <- &redis.Message{Channel: "logs:sentinel", Payload: "tick"}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(sentinel.data()) > before {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("relay did not drain")
}

func TestRelayDeliversInOrderToRoomOnly(t *testing.T) {
	relay, ch, stop := startRelay(t)
	defer stop()

	a := &subscriber{id: "a"}
	b := &subscriber{id: "b"}
	if channel, err := relay.Join(a, "logs:my-app"); err != nil || channel != "logs:my-app" {
		t.Fatalf("join a: %q %v", channel, err)
	}
	if _, err := relay.Join(b, "other-app"); err != nil {
		t.Fatalf("join b: %v", err)
	}

	ch <- &redis.Message{Channel: "logs:my-app", Payload: "Cloning repository..."}
	ch <- &redis.Message{Channel: "logs:my-app", Payload: "Build complete"}
	drain(t, ch, &subscriber{id: "sentinel"}, relay)

	got := a.data()
	want := []string{"Joined logs:my-app", "Cloning repository...", "Build complete"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("frame %d: expected %q, got %q", i, want[i], got[i])
		}
	}
	if got := b.data(); len(got) != 1 || got[0] != "Joined logs:other-app" {
		t.Fatalf("expected only ack for b, got %v", got)
	}
}

func TestRelayDoesNotReplayEarlierLines(t *testing.T) {
	relay, ch, stop := startRelay(t)
	defer stop()
	sentinel := &subscriber{id: "sentinel"}

	ch <- &redis.Message{Channel: "logs:my-app", Payload: "early"}
	drain(t, ch, sentinel, relay)

	late := &subscriber{id: "late"}
	if _, err := relay.Join(late, "my-app"); err != nil {
		t.Fatalf("join: %v", err)
	}
	ch <- &redis.Message{Channel: "logs:my-app", Payload: "later"}
	drain(t, ch, sentinel, relay)

	got := late.data()
	if len(got) != 2 || got[1] != "later" {
		t.Fatalf("expected ack then later, got %v", got)
	}
}

func TestRelayRejectsInvalidChannel(t *testing.T) {
	relay := New(ws.NewHub(discard()), chanSource{}, nil, discard(), time.Minute)
	sub := &subscriber{id: "s"}
	for _, target := range []string{"", "logs:", "Bad_Slug", "logs:a b"} {
		if _, err := relay.Join(sub, target); !errors.Is(err, ErrInvalidChannel) {
			t.Fatalf("target %q: expected invalid channel, got %v", target, err)
		}
	}
}

func TestRelayUnsubscribeAndDisconnect(t *testing.T) {
	relay, ch, stop := startRelay(t)
	defer stop()
	sub := &subscriber{id: "s"}
	_, _ = relay.Join(sub, "one")
	_, _ = relay.Join(sub, "two")
	if _, err := relay.Leave(sub, "logs:one"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	ch <- &redis.Message{Channel: "logs:one", Payload: "dropped"}
	ch <- &redis.Message{Channel: "logs:two", Payload: "kept"}
	drain(t, ch, &subscriber{id: "sentinel"}, relay)
	got := sub.data()
	if len(got) != 3 || got[2] != "kept" {
		t.Fatalf("unexpected frames %v", got)
	}
	relay.Disconnect(sub)
	if rooms := relay.Hub().Rooms(sub); len(rooms) != 0 {
		t.Fatalf("expected no rooms, got %v", rooms)
	}
}

func TestRelayNotifiesObservers(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	relay, ch, stop := startRelay(t, func(channel string, payload []byte) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, channel+"|"+string(payload))
	})
	defer stop()

	ch <- &redis.Message{Channel: "logs:my-app", Payload: "line"}
	ch <- &redis.Message{Channel: "other:my-app", Payload: "ignored"}
	drain(t, ch, &subscriber{id: "sentinel"}, relay)

	mu.Lock()
	defer mu.Unlock()
	if len(seen) < 1 || seen[0] != "logs:my-app|line" {
		t.Fatalf("unexpected observations %v", seen)
	}
	for _, s := range seen {
		if s == "other:my-app|ignored" {
			t.Fatal("foreign channel reached observers")
		}
	}
}

func TestRelayStopsWhenSourceCloses(t *testing.T) {
	src := chanSource{ch: make(chan *redis.Message)}
	relay := New(ws.NewHub(discard()), src, nil, discard(), time.Minute)
	close(src.ch)
	if err := relay.Run(context.Background()); !errors.Is(err, ErrSourceClosed) {
		t.Fatalf("expected source closed, got %v", err)
	}
}

func TestHealthCheckTracksBrokerTransitions(t *testing.T) {
	ping := &pingStub{}
	relay := New(ws.NewHub(discard()), chanSource{}, ping, discard(), time.Minute)
	ping.err = errors.New("connection refused")
	relay.checkBroker(context.Background())
	if relay.BrokerUp() {
		t.Fatal("expected broker down")
	}
	ping.err = nil
	relay.checkBroker(context.Background())
	if !relay.BrokerUp() {
		t.Fatal("expected broker up")
	}
}
