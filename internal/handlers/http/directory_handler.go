package http

import (
	stderrors "errors"
	"net/http"
	"time"

	"pairline/internal/core/domain"
	"pairline/internal/core/ports"
	"pairline/pkg/errors"
	"pairline/pkg/validation"

	"github.com/gin-gonic/gin"
)

// DirectoryHandler serves the list of peers currently connected to the relay.
type DirectoryHandler struct {
	directory ports.DirectoryService
}

var _ ports.DirectoryHTTPHandler = (*DirectoryHandler)(nil)

func NewDirectoryHandler(directory ports.DirectoryService) *DirectoryHandler {
	return &DirectoryHandler{directory: directory}
}

func (h *DirectoryHandler) SetupRoutes(router gin.IRouter) {
	api := router.Group("/api/v1")
	{
		api.GET("/peers", h.ListPeers)
		api.GET("/peers/:id", h.GetPeer)
	}
}

// ListPeers returns a bare JSON array of identities. Clients rely on the
// listing being fresh, so it must never be cached.
func (h *DirectoryHandler) ListPeers(c *gin.Context) {
	peers, err := h.directory.ListPeers(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	if peers == nil {
		peers = []domain.PeerID{}
	}

	c.Header("Cache-Control", "no-store")
	c.Header("Pragma", "no-cache")
	c.JSON(http.StatusOK, peers)
}

type peerResponse struct {
	ID          domain.PeerID `json:"id"`
	InstanceID  string        `json:"instance_id,omitempty"`
	ConnectedAt time.Time     `json:"connected_at"`
	LastSeen    time.Time     `json:"last_seen"`
}

func (h *DirectoryHandler) GetPeer(c *gin.Context) {
	id := c.Param("id")
	if err := validation.ValidatePeerID(id); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	peer, err := h.directory.Lookup(c.Request.Context(), domain.PeerID(id))
	if stderrors.Is(err, domain.ErrPeerNotFound) {
		c.Error(errors.NewPeerUnavailableError(id))
		return
	}
	if err != nil {
		c.Error(err)
		return
	}

	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, peerResponse{
		ID:          peer.ID,
		InstanceID:  peer.InstanceID,
		ConnectedAt: peer.ConnectedAt,
		LastSeen:    peer.LastSeen,
	})
}
