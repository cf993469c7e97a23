package httpx

import (
	"errors"
	"net/http"

	"github.com/splax/launchpad/internal/service/logs"
	"github.com/splax/launchpad/internal/ws"
)

func (r *Router) handleLogsWS(w http.ResponseWriter, req *http.Request) {
	if _, ok := r.callerFromContext(w, req); !ok {
		return
	}
	if r.relay == nil {
		writeError(w, http.StatusServiceUnavailable, "log relay unavailable")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger, r.stream.SendBuffer)
	go client.WritePump()
	if slug := req.URL.Query().Get("slug"); slug != "" {
		r.subscribe(client, slug)
	}
	go func() {
		defer func() {
			r.relay.Disconnect(client)
			client.Close()
		}()
		if err := client.ReadPump(func(raw []byte) { r.handleFrame(client, raw) }); err != nil {
			r.logger.Debug("websocket closed unexpectedly", "client", client.ID(), "error", err)
		}
	}()
}

func (r *Router) handleFrame(client *ws.Client, raw []byte) {
	frame, err := ws.ParseClientFrame(raw)
	if err != nil {
		_ = client.Send(ws.ErrorFrame("", "invalid frame"))
		return
	}
	switch frame.Type {
	case ws.TypeSubscribe:
		r.subscribe(client, frame.Channel)
	case ws.TypeUnsubscribe:
		if _, err := r.relay.Leave(client, frame.Channel); err != nil {
			_ = client.Send(ws.ErrorFrame(frame.Channel, err.Error()))
		}
	default:
		_ = client.Send(ws.ErrorFrame(frame.Channel, "unknown frame type"))
	}
}

func (r *Router) subscribe(client ws.Subscriber, target string) {
	if _, err := r.relay.Join(client, target); err != nil {
		if errors.Is(err, logs.ErrInvalidChannel) {
			_ = client.Send(ws.ErrorFrame(target, err.Error()))
			return
		}
		r.logger.Warn("subscription failed", "client", client.ID(), "channel", target, "error", err)
	}
}

func (r *Router) handleLogsSSE(w http.ResponseWriter, req *http.Request) {
	if _, ok := r.callerFromContext(w, req); !ok {
		return
	}
	if r.relay == nil {
		writeError(w, http.StatusServiceUnavailable, "log relay unavailable")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	client := ws.NewSSEClient(w, flusher, r.logger, r.stream.SendBuffer)
	channel, err := r.relay.Join(client, req.PathValue("slug"))
	if err != nil {
		if errors.Is(err, logs.ErrInvalidChannel) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "subscription failed")
		return
	}
	defer r.relay.Disconnect(client)

	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if err := client.Serve(req.Context(), r.stream.SSEHeartbeat); err != nil {
		r.logger.Debug("sse stream ended", "client", client.ID(), "channel", channel, "error", err)
	}
}
