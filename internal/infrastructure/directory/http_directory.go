package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"pairline/internal/core/domain"
	"pairline/internal/core/ports"
	"pairline/pkg/config"
	"pairline/pkg/tracing"
	"pairline/pkg/utils"

	"go.uber.org/zap"
)

const (
	peersPath        = "/api/v1/peers"
	maxResponseBytes = 1 << 20
	maxErrorBody     = 200
)

type Config struct {
	URL            string
	RequestTimeout time.Duration
}

// ConfigFrom points the directory at the relay's HTTP listing.
func ConfigFrom(cfg *config.Config) (Config, error) {
	u, err := PeersURL(cfg.Signal.RelayURL)
	if err != nil {
		return Config{}, err
	}
	return Config{URL: u, RequestTimeout: cfg.Directory.RequestTimeout}, nil
}

// PeersURL derives the listing endpoint from the relay websocket URL.
func PeersURL(relayURL string) (string, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported relay url scheme %q", u.Scheme)
	}
	u.Path = peersPath
	u.RawQuery = ""
	return u.String(), nil
}

// HTTPDirectory fetches the online identities from the relay on every call.
// Nothing is cached; each request carries a timestamp so intermediaries
// cannot serve a stale list.
type HTTPDirectory struct {
	url    string
	client *http.Client
	self   func() domain.PeerID
	now    func() time.Time
	logger *zap.SugaredLogger
}

func NewHTTPDirectory(cfg Config, self func() domain.PeerID, logger *zap.SugaredLogger) *HTTPDirectory {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if self == nil {
		self = func() domain.PeerID { return "" }
	}
	return &HTTPDirectory{
		url:    cfg.URL,
		client: &http.Client{Timeout: timeout},
		self:   self,
		now:    time.Now,
		logger: logger,
	}
}

var _ ports.PeerDirectory = (*HTTPDirectory)(nil)

func (d *HTTPDirectory) ListPeers(ctx context.Context) ([]domain.PeerID, error) {
	ctx, span := tracing.TraceDirectoryQuery(ctx, d.self().String())
	defer span.End()

	peers, err := d.fetch(ctx)
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}
	return peers, nil
}

func (d *HTTPDirectory) fetch(ctx context.Context) ([]domain.PeerID, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build directory request: %v", domain.ErrNetwork, err)
	}
	q := req.URL.Query()
	q.Set("ts", strconv.FormatInt(d.now().UnixNano(), 10))
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: directory request: %v", domain.ErrNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read directory response: %v", domain.ErrNetwork, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: directory returned %d: %s", domain.ErrNetwork, resp.StatusCode, utils.TruncateString(strings.TrimSpace(string(body)), maxErrorBody))
	}

	var ids []string
	if err := json.Unmarshal(body, &ids); err != nil {
		return nil, fmt.Errorf("%w: decode directory response: %v", domain.ErrNetwork, err)
	}
	peers := make([]domain.PeerID, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		peers = append(peers, domain.PeerID(id))
	}
	d.logger.Debugw("directory fetched", "peers", len(peers))
	return peers, nil
}
