package ws

import (
	"log"
	"time"

	"github.com/gorilla/websocket"

	"entitysync/internal/session"
)

// writeTimeout bounds a single websocket write so one wedged client cannot
// stall its pump forever.
const writeTimeout = 10 * time.Second

// writePump drains the session's outbound queue onto the socket. It exits
// when the queue closes (disconnect) or a write fails, closing the socket
// either way so the read loop unblocks.
func writePump(socket *websocket.Conn, conn *session.Conn, logger *log.Logger) {
	defer socket.Close()
	id := session.FormatConnID(conn.ID())
	for data := range conn.Outbound() {
		socket.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := socket.WriteMessage(websocket.TextMessage, data); err != nil {
			if logger != nil {
				logger.Printf("write failed for conn=%s: %v", id, err)
			}
			return
		}
	}
	message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed")
	socket.SetWriteDeadline(time.Now().Add(writeTimeout))
	socket.WriteMessage(websocket.CloseMessage, message)
}
