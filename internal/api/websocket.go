package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"autotrade-core/internal/events"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamMessage is one frame sent to dashboard clients.
type streamMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

var streamedEvents = []events.Event{
	events.EventProjectionUpdated,
	events.EventTradeExecuted,
	events.EventTradeRejected,
	events.EventDecision,
	events.EventRiskAlert,
	events.EventEmergencyStop,
}

// websocket pushes the current projection, then every change as it is
// published.
func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("ws upgrade failed")
		return
	}
	defer conn.Close()

	if s.deps.Bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"error","data":"bus not ready"}`))
		return
	}

	merged := make(chan streamMessage, 128)
	for _, ev := range streamedEvents {
		ch, unsub := s.deps.Bus.Subscribe(ev, 32)
		defer unsub()
		go func(ev events.Event, ch <-chan any) {
			for payload := range ch {
				select {
				case merged <- streamMessage{Type: string(ev), Data: payload}:
				default:
				}
			}
		}(ev, ch)
	}

	// Reader detects client close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(m streamMessage) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(m)
	}
	if err := write(streamMessage{Type: string(events.EventProjectionUpdated), Data: s.deps.Reconciler.Current()}); err != nil {
		return
	}

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case m := <-merged:
			if err := write(m); err != nil {
				s.log.Debug().Err(err).Msg("ws write failed")
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
