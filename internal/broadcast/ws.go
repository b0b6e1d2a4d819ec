package broadcast

import (
	"log"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/valyala/fasthttp"
)

const writeTimeout = 5 * time.Second

var upgrader = websocket.FastHTTPUpgrader{
	CheckOrigin: func(ctx *fasthttp.RequestCtx) bool { return true },
}

// Handler upgrades the connection and pumps hub events to the socket
// until the peer disconnects or falls behind.
func Handler(h *Hub) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		err := upgrader.Upgrade(ctx, func(conn *websocket.Conn) {
			defer conn.Close()

			sub := h.Subscribe()
			defer h.Unsubscribe(sub)
			log.Printf("broadcast: observer connected from %s", conn.RemoteAddr())

			// Reader exists only to detect close; inbound frames are ignored.
			go func() {
				for {
					if _, _, err := conn.ReadMessage(); err != nil {
						h.Unsubscribe(sub)
						return
					}
				}
			}()

			for {
				select {
				case msg := <-sub.Events():
					_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
					if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
						log.Printf("broadcast: observer write failed: %v", err)
						return
					}
				case <-sub.Done():
					return
				}
			}
		})
		if err != nil {
			log.Printf("broadcast: upgrade failed: %v", err)
		}
	}
}
