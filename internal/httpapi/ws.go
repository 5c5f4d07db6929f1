package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/parley/internal/protocol"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadTimeout  = 120 * time.Second
	wsPingInterval = 30 * time.Second
)

// handleSessionWS streams the session's engine events and accepts quick
// controls (cancel, stop auto-send, playback) from the client.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sid := sessionID(r)
	sess, err := s.sessions.Get(r.Context(), sid)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.countSessionEvent("ws_connected")
	events, unsubscribe := s.bus.Subscribe(sid)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		<-ctx.Done()
		// Unblocks ReadMessage once the writer gives up.
		_ = conn.Close()
	}()

	snapshot := []any{
		protocol.NewSessionUpdated(sess),
		protocol.NewLoadingChanged(s.generation.Status(sid)),
		protocol.NewAutoSendState(s.autoSend.State(sid)),
		protocol.NewAudioState(s.playback.State()),
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ping := time.NewTicker(wsPingInterval)
		defer ping.Stop()

		for _, evt := range snapshot {
			if !s.writeEvent(conn, evt) {
				cancel()
				return
			}
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
					cancel()
					return
				}
			case evt, ok := <-events:
				if !ok {
					cancel()
					return
				}
				if !s.writeEvent(conn, evt) {
					cancel()
					return
				}
			}
		}
	}()

	conn.SetReadLimit(64 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	for ctx.Err() == nil {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.bus.Publish(sid, protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sid,
				Code:      "invalid_client_message",
				Source:    "client",
				Detail:    err.Error(),
			})
			continue
		}
		control, ok := parsed.(protocol.ClientControl)
		if !ok {
			continue
		}
		s.countWS("inbound", control.Type)
		s.applyControl(sid, control)
	}

	cancel()
	<-writerDone
	s.countSessionEvent("ws_disconnected")
}

func (s *Server) writeEvent(conn *websocket.Conn, evt any) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(evt); err != nil {
		s.logger.Debug("websocket write failed", zap.Error(err))
		return false
	}
	if t, ok := protocol.TypeOf(evt); ok {
		s.countWS("outbound", t)
	}
	return true
}

// applyControl runs a client control against the socket's session. The
// control's own session id must match.
func (s *Server) applyControl(sid string, c protocol.ClientControl) {
	if c.SessionID != sid {
		s.bus.Publish(sid, protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: sid,
			Code:      "session_mismatch",
			Source:    "client",
			Detail:    "control targets session " + c.SessionID,
		})
		return
	}
	switch c.Action {
	case protocol.ActionCancelGeneration:
		s.generation.Cancel(sid)
	case protocol.ActionStopAutoSend:
		s.autoSend.Stop(sid, true)
	case protocol.ActionPauseAudio:
		s.playback.Pause()
	case protocol.ActionResumeAudio:
		if err := s.playback.Resume(); err != nil {
			s.bus.Publish(sid, protocol.NewNotification(sid, "info", "Nothing to resume."))
		}
	case protocol.ActionStopAudio:
		s.playback.StopAndClear()
	}
}

func (s *Server) countWS(direction string, t protocol.MessageType) {
	if s.metrics == nil {
		return
	}
	s.metrics.WSMessages.WithLabelValues(direction, string(t)).Inc()
}

func (s *Server) countSessionEvent(event string) {
	if s.metrics == nil {
		return
	}
	s.metrics.SessionEvents.WithLabelValues(event).Inc()
}
