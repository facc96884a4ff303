package adminapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/kandev/internal/threadentity"
)

// logUpgrader mirrors the teacher's streaming client's permissive-origin
// upgrade (dashboards are same-deployment, not public-internet clients).
var logUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	logStreamInterval  = 2 * time.Second
	logStreamLines     = 100
	logStreamWriteWait = 10 * time.Second
)

// StreamLogs upgrades GET /api/v1/threads/:threadId/logs/stream to a
// websocket and pushes a fresh log tail every logStreamInterval until the
// client disconnects or the request context ends. Grounded on
// internal/orchestrator/streaming/client.go's websocket push-loop shape,
// re-pointed from task-log subscriptions onto sandbox log tailing.
func (h *Handler) StreamLogs(c *gin.Context) {
	threadID := c.Param("threadId")
	conn, err := logUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("log stream upgrade failed", zap.String("thread_id", threadID), zap.Error(err))
		return
	}
	defer conn.Close()

	ctx := c.Request.Context()
	key := threadentity.Key(threadID, true)
	ticker := time.NewTicker(logStreamInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, output, err := h.entity.Logs(ctx, key, threadID, logStreamLines)
			if err != nil {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error()),
					time.Now().Add(logStreamWriteWait))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(logStreamWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, []byte(output)); err != nil {
				return
			}
		}
	}
}
