package ports

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type DirectoryHTTPHandler interface {
	ListPeers(c *gin.Context)
	GetPeer(c *gin.Context)
}

type WebSocketHandler interface {
	HandleWebSocket(w http.ResponseWriter, r *http.Request)
	ConnectionCount() int
}
