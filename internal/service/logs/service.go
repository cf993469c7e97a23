// Package logs relays build log lines from the broker to stream subscribers.
package logs

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	redis "github.com/redis/go-redis/v9"

	"github.com/splax/launchpad/internal/service/project"
	"github.com/splax/launchpad/internal/ws"
	"github.com/splax/launchpad/pkg/buildlog"
	"github.com/splax/launchpad/pkg/metrics"
)

var (
	// ErrInvalidChannel rejects subscription targets that are not a valid slug.
	ErrInvalidChannel = errors.New("invalid channel")
	// ErrSourceClosed means the broker subscription ended.
	ErrSourceClosed = errors.New("log source closed")
)

// Source delivers broker messages in publish order.
type Source interface {
	Messages() <-chan *redis.Message
}

// Pinger reports broker reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Observer sees every relayed payload after it was fanned out.
type Observer func(channel string, payload []byte)

// Relay fans broker messages out to the hub room named after their channel.
type Relay struct {
	hub         *ws.Hub
	source      Source
	health      Pinger
	logger      *slog.Logger
	observers   []Observer
	healthEvery time.Duration
	brokerUp    atomic.Bool

	relayed   *prometheus.CounterVec
	delivered prometheus.Counter
	upGauge   prometheus.Gauge
}

// New constructs a relay. health may be nil to disable broker probing.
func New(hub *ws.Hub, source Source, health Pinger, logger *slog.Logger, healthEvery time.Duration) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	if healthEvery <= 0 {
		healthEvery = 15 * time.Second
	}
	r := &Relay{
		hub:         hub,
		source:      source,
		health:      health,
		logger:      logger,
		healthEvery: healthEvery,
		relayed: metrics.Register(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "relay",
			Name:      "messages_total",
			Help:      "Broker messages seen by the log relay",
		}, []string{"result"})),
		delivered: metrics.Register(prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "relay",
			Name:      "deliveries_total",
			Help:      "Frames queued to stream subscribers",
		})),
		upGauge: metrics.Register(prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: "relay",
			Name:      "broker_up",
			Help:      "Whether the broker answered the last health check",
		})),
	}
	r.brokerUp.Store(true)
	r.upGauge.Set(1)
	return r
}

// Observe registers fn for every relayed payload. Call before Run.
func (r *Relay) Observe(fn Observer) {
	r.observers = append(r.observers, fn)
}

// Hub exposes the room registry.
func (r *Relay) Hub() *ws.Hub {
	return r.hub
}

// Run consumes the source on the calling goroutine, which keeps per-channel
// order, until ctx ends or the source closes.
func (r *Relay) Run(ctx context.Context) error {
	if r.health != nil {
		go r.watchBroker(ctx)
	}
	messages := r.source.Messages()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return ErrSourceClosed
			}
			r.dispatch(msg.Channel, []byte(msg.Payload))
		}
	}
}

func (r *Relay) dispatch(channel string, payload []byte) {
	if _, ok := buildlog.SlugFromChannel(channel); !ok {
		r.logger.Debug("ignoring message on foreign channel", "channel", channel)
		r.relayed.WithLabelValues("ignored").Inc()
		return
	}
	n := r.hub.Broadcast(channel, ws.MessageFrame(channel, payload))
	if n == 0 {
		r.relayed.WithLabelValues("unobserved").Inc()
	} else {
		r.relayed.WithLabelValues("delivered").Inc()
		r.delivered.Add(float64(n))
	}
	for _, observe := range r.observers {
		observe(channel, payload)
	}
}

// Join subscribes sub to the build logs of a slug. target may be the bare
// slug or its logs:<slug> channel. The join acknowledgement is queued before
// any subsequent log line.
func (r *Relay) Join(sub ws.Subscriber, target string) (string, error) {
	channel, err := normalizeChannel(target)
	if err != nil {
		return "", err
	}
	if err := r.hub.Join(channel, sub, ws.MessageFrame(channel, []byte("Joined "+channel))); err != nil {
		return "", err
	}
	r.logger.Debug("subscriber joined", "subscriber", sub.ID(), "channel", channel)
	return channel, nil
}

// Leave unsubscribes sub from target.
func (r *Relay) Leave(sub ws.Subscriber, target string) (string, error) {
	channel, err := normalizeChannel(target)
	if err != nil {
		return "", err
	}
	r.hub.Leave(channel, sub)
	return channel, nil
}

// Disconnect drops every membership of sub.
func (r *Relay) Disconnect(sub ws.Subscriber) {
	rooms := r.hub.LeaveAll(sub)
	r.logger.Debug("subscriber disconnected", "subscriber", sub.ID(), "rooms", len(rooms))
}

// BrokerUp reports the result of the most recent broker health check.
func (r *Relay) BrokerUp() bool {
	return r.brokerUp.Load()
}

func (r *Relay) watchBroker(ctx context.Context) {
	ticker := time.NewTicker(r.healthEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.checkBroker(ctx)
		}
	}
}

func (r *Relay) checkBroker(ctx context.Context) {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	err := r.health.Ping(pingCtx)
	up := err == nil
	if r.brokerUp.Swap(up) == up {
		return
	}
	if up {
		r.logger.Info("log broker reachable again")
		r.upGauge.Set(1)
		return
	}
	r.logger.Error("log broker unreachable; relay paused until reconnect", "error", err)
	r.upGauge.Set(0)
}

func normalizeChannel(target string) (string, error) {
	target = strings.TrimSpace(target)
	slug := strings.TrimPrefix(target, buildlog.ChannelPrefix)
	if !project.ValidSlug(slug) {
		return "", ErrInvalidChannel
	}
	return buildlog.Channel(slug), nil
}
