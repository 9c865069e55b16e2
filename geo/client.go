package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/MrEthical07/gatekeeper"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// LabelInternal is returned for private, loopback and reserved addresses.
	LabelInternal = "Internal network / VPN"
	// LabelUnknown is returned when no address is known.
	LabelUnknown = "Unknown origin"
	// LabelUnavailable is returned when the service answered without a location.
	LabelUnavailable = "Location unavailable"

	defaultEndpoint = "http://ip-api.com/json/"
	defaultTimeout  = 3 * time.Second
	userAgent       = "gatekeeper-geo/1.0"
)

var (
	// ErrRateLimited is returned when the outbound budget is exhausted.
	ErrRateLimited = errors.New("geo lookup rate limited")
	// ErrLookupFailed wraps transport and decoding failures.
	ErrLookupFailed = errors.New("geo lookup failed")
)

// Config controls a Client. Zero values take the defaults.
type Config struct {
	// Endpoint is the base URL; the IP is appended as a path segment.
	Endpoint string `yaml:"endpoint"`
	// Language is passed as the lang query parameter.
	Language string        `yaml:"language"`
	Timeout  time.Duration `yaml:"timeout"`
	// RatePerMinute caps outbound requests. ip-api allows 45 per minute.
	RatePerMinute int           `yaml:"rate_per_minute"`
	Burst         int           `yaml:"burst"`
	CacheSize     int           `yaml:"cache_size"`
	CacheTTL      time.Duration `yaml:"cache_ttl"`
}

// DefaultConfig returns the defaults used for zero fields.
func DefaultConfig() Config {
	return Config{
		Endpoint:      defaultEndpoint,
		Timeout:       defaultTimeout,
		RatePerMinute: 40,
		Burst:         5,
		CacheSize:     4096,
		CacheTTL:      6 * time.Hour,
	}
}

// Client implements gatekeeper.GeoLocator.
type Client struct {
	endpoint string
	language string
	http     *http.Client
	limiter  *rate.Limiter
	cache    *expirable.LRU[string, gatekeeper.GeoResult]
	logger   *zap.Logger
}

var _ gatekeeper.GeoLocator = (*Client)(nil)

// New builds a Client. A nil logger disables logging.
func New(cfg Config, logger *zap.Logger) *Client {
	def := DefaultConfig()
	if cfg.Endpoint == "" {
		cfg.Endpoint = def.Endpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = def.RatePerMinute
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = def.CacheSize
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		endpoint: strings.TrimRight(cfg.Endpoint, "/") + "/",
		language: cfg.Language,
		http:     &http.Client{Timeout: cfg.Timeout},
		limiter:  rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RatePerMinute)), cfg.Burst),
		cache:    expirable.NewLRU[string, gatekeeper.GeoResult](cfg.CacheSize, nil, cfg.CacheTTL),
		logger:   logger.Named("geo"),
	}
}

type apiResponse struct {
	Status     string `json:"status"`
	Message    string `json:"message"`
	Country    string `json:"country"`
	RegionName string `json:"regionName"`
	City       string `json:"city"`
}

// Lookup labels ip. Local answers never fail; remote failures return an
// error and the caller treats the location as unknown.
func (c *Client) Lookup(ctx context.Context, ip string) (gatekeeper.GeoResult, error) {
	ip = strings.TrimSpace(ip)
	if label, ok := LocalLabel(ip); ok {
		return gatekeeper.GeoResult{IP: ip, Label: label}, nil
	}
	if cached, ok := c.cache.Get(ip); ok {
		return cached, nil
	}
	if !c.limiter.Allow() {
		return gatekeeper.GeoResult{IP: ip}, ErrRateLimited
	}

	res, err := c.fetch(ctx, ip)
	if err != nil {
		c.logger.Debug("lookup failed", zap.String("ip", ip), zap.Error(err))
		return gatekeeper.GeoResult{IP: ip}, err
	}
	c.cache.Add(ip, res)
	return res, nil
}

func (c *Client) fetch(ctx context.Context, ip string) (gatekeeper.GeoResult, error) {
	q := url.Values{"fields": {"status,country,regionName,city,message"}}
	if c.language != "" {
		q.Set("lang", c.language)
	}
	endpoint := c.endpoint + url.PathEscape(ip) + "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return gatekeeper.GeoResult{}, fmt.Errorf("%w: %v", ErrLookupFailed, err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return gatekeeper.GeoResult{}, fmt.Errorf("%w: %v", ErrLookupFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return gatekeeper.GeoResult{}, fmt.Errorf("%w: status %d", ErrLookupFailed, resp.StatusCode)
	}

	var body apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return gatekeeper.GeoResult{}, fmt.Errorf("%w: decode: %v", ErrLookupFailed, err)
	}
	if body.Status != "success" {
		return gatekeeper.GeoResult{IP: ip, Label: LabelUnavailable}, nil
	}
	return gatekeeper.GeoResult{IP: ip, Label: joinLabel(body.City, body.RegionName, body.Country)}, nil
}

func joinLabel(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	if len(kept) == 0 {
		return LabelUnavailable
	}
	return strings.Join(kept, ", ")
}

// LocalLabel answers without the network when ip is empty, malformed or not
// publicly routable.
func LocalLabel(ip string) (string, bool) {
	if ip == "" {
		return LabelUnknown, true
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return LabelInternal, true
	}
	addr = addr.Unmap()
	if !isPublic(addr) {
		return LabelInternal, true
	}
	return "", false
}

var reservedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("192.0.2.0/24"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("198.51.100.0/24"),
	netip.MustParsePrefix("203.0.113.0/24"),
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("2001:db8::/32"),
}

func isPublic(addr netip.Addr) bool {
	if !addr.IsValid() || addr.IsPrivate() || addr.IsLoopback() || addr.IsUnspecified() ||
		addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() || addr.IsMulticast() {
		return false
	}
	for _, p := range reservedPrefixes {
		if p.Contains(addr) {
			return false
		}
	}
	return true
}
