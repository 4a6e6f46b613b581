package app

import (
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/gorilla/websocket"
)

const (
	streamWriteWait = 10 * time.Second
	streamPongWait  = 60 * time.Second
	streamPingEvery = streamPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// StreamTest relays the live metrics of one test over a websocket. The
// connection is closed normally after the final message.
func (a *App) StreamTest(w http.ResponseWriter, r *http.Request) {
	testID := chi.URLParam(r, "testID")
	sub, err := a.Controller.Subscribe(testID)
	if err != nil {
		respondWithError(w, err)
		return
	}
	defer sub.Close()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.Logger.Warn().Msgf("error upgrading stream for test %s: %v", testID, err)
		return
	}
	defer conn.Close()

	// the client never sends data; reading surfaces its close frame
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(streamPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					a.Logger.Debug().Msgf("stream for test %s closed: %v", testID, err)
				}
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingEvery)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			return

		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case msg, ok := <-sub.C:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "test finished"))
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				a.Logger.Debug().Msgf("error writing stream for test %s: %v", testID, err)
				return
			}
		}
	}
}
