package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"pairline/internal/core/domain"
	"pairline/internal/core/services"
	"pairline/internal/infrastructure/middleware"
	"pairline/internal/infrastructure/monitoring"
	"pairline/internal/infrastructure/repositories/memory"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type MockDirectoryService struct {
	mock.Mock
}

func (m *MockDirectoryService) Register(ctx context.Context, peer *domain.PeerInfo) error {
	return m.Called(ctx, peer).Error(0)
}

func (m *MockDirectoryService) Unregister(ctx context.Context, id domain.PeerID) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockDirectoryService) Heartbeat(ctx context.Context, id domain.PeerID) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockDirectoryService) ListPeers(ctx context.Context) ([]domain.PeerID, error) {
	args := m.Called(ctx)
	peers, _ := args.Get(0).([]domain.PeerID)
	return peers, args.Error(1)
}

func (m *MockDirectoryService) IsOnline(ctx context.Context, id domain.PeerID) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

func (m *MockDirectoryService) Lookup(ctx context.Context, id domain.PeerID) (*domain.PeerInfo, error) {
	args := m.Called(ctx, id)
	peer, _ := args.Get(0).(*domain.PeerInfo)
	return peer, args.Error(1)
}

func newRouter(directory *DirectoryHandler) *gin.Engine {
	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(zap.NewNop().Sugar()))
	directory.SetupRoutes(router)
	return router
}

func TestDirectoryHandler_ListPeers(t *testing.T) {
	logger := zap.NewNop().Sugar()
	directory := services.NewDirectoryService(memory.NewMemoryPeerRepository(time.Minute), logger)
	require.NoError(t, directory.Register(context.Background(), &domain.PeerInfo{ID: "a"}))
	require.NoError(t, directory.Register(context.Background(), &domain.PeerInfo{ID: "b"}))

	w := httptest.NewRecorder()
	newRouter(NewDirectoryHandler(directory)).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/peers?ts=1", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	var peers []string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &peers))
	assert.ElementsMatch(t, []string{"a", "b"}, peers)
}

func TestDirectoryHandler_EmptyIsArray(t *testing.T) {
	directory := new(MockDirectoryService)
	directory.On("ListPeers", mock.Anything).Return(nil, nil)

	w := httptest.NewRecorder()
	newRouter(NewDirectoryHandler(directory)).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/peers", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestDirectoryHandler_BackendDown(t *testing.T) {
	directory := new(MockDirectoryService)
	directory.On("ListPeers", mock.Anything).Return(nil, errors.Join(domain.ErrNetwork, errors.New("redis: dial tcp")))

	w := httptest.NewRecorder()
	newRouter(NewDirectoryHandler(directory)).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/peers", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "NETWORK_ERROR")
	directory.AssertExpectations(t)
}

func TestDirectoryHandler_GetPeer(t *testing.T) {
	directory := new(MockDirectoryService)
	directory.On("Lookup", mock.Anything, domain.PeerID("a")).
		Return(&domain.PeerInfo{ID: "a", InstanceID: "relay-1"}, nil)
	directory.On("Lookup", mock.Anything, domain.PeerID("ghost")).
		Return(nil, domain.ErrPeerNotFound)
	router := newRouter(NewDirectoryHandler(directory))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/peers/a", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "a", body["id"])
	assert.Equal(t, "relay-1", body["instance_id"])

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/peers/ghost", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "PEER_UNAVAILABLE")
	assert.Contains(t, w.Body.String(), `"peer_id":"ghost"`)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/peers/bad%20id", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	directory.AssertExpectations(t)
}

func TestHealthHandler(t *testing.T) {
	checker := monitoring.NewHealthChecker()
	healthy := true
	checker.AddCheck("repository", func(context.Context) (bool, error) { return healthy, nil }, 0, time.Second)

	router := gin.New()
	NewHealthHandler(checker).SetupRoutes(router)

	tests := []struct {
		path    string
		healthy bool
		want    int
	}{
		{"/health", false, http.StatusOK},
		{"/ready", true, http.StatusOK},
		{"/ready", false, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		healthy = tt.healthy
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.path, nil))
		assert.Equal(t, tt.want, w.Code, "%s healthy=%v", tt.path, tt.healthy)
	}
}
