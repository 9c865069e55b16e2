package gatekeeper

import (
	"crypto/tls"
	"encoding/pem"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// Request is the transport metadata the engine reads for one inbound call,
// plus the cookies it wants written back. Adapters build it with NewRequest
// and copy ResponseCookies onto the response.
type Request struct {
	Method        string
	URI           string
	ClientIP      string
	Header        http.Header
	Query         url.Values
	Cookies       map[string]string
	ClientCertPEM string
	Secure        bool

	responseCookies []*http.Cookie
}

// TransportConfig controls how NewRequest trusts proxy and terminator headers.
type TransportConfig struct {
	TrustProxyHeaders bool `yaml:"trust_proxy_headers"`
	ForceHTTPS        bool `yaml:"force_https"`
	// ClientCertHeaders are consulted in order for a PEM injected by a
	// mutual-TLS terminator.
	ClientCertHeaders []string `yaml:"client_cert_headers"`
}

// NewRequest extracts Request metadata from r.
func NewRequest(r *http.Request, cfg TransportConfig) *Request {
	req := &Request{
		Method:  r.Method,
		URI:     r.URL.RequestURI(),
		Header:  r.Header.Clone(),
		Query:   r.URL.Query(),
		Cookies: make(map[string]string),
	}

	for _, c := range r.Cookies() {
		if _, seen := req.Cookies[c.Name]; !seen {
			req.Cookies[c.Name] = c.Value
		}
	}

	req.ClientIP = remoteHost(r.RemoteAddr)
	if cfg.TrustProxyHeaders {
		if first := firstForwardedFor(r.Header.Get("X-Forwarded-For")); first != "" {
			req.ClientIP = first
		}
	}

	req.Secure = cfg.ForceHTTPS || r.TLS != nil
	if !req.Secure && cfg.TrustProxyHeaders {
		for _, h := range []string{"X-Forwarded-Proto", "X-Forwarded-For-Proto"} {
			if strings.EqualFold(strings.TrimSpace(r.Header.Get(h)), "https") {
				req.Secure = true
				break
			}
		}
	}

	for _, h := range cfg.ClientCertHeaders {
		if v := strings.TrimSpace(r.Header.Get(h)); v != "" && v != "(null)" {
			req.ClientCertPEM = v
			break
		}
	}
	if req.ClientCertPEM == "" {
		req.ClientCertPEM = peerCertificatePEM(r.TLS)
	}

	return req
}

// IsReadOnly reports whether the request method is GET or HEAD.
func (r *Request) IsReadOnly() bool {
	if r == nil {
		return false
	}
	return r.Method == http.MethodGet || r.Method == http.MethodHead
}

// HeaderValue returns the first value of header name.
func (r *Request) HeaderValue(name string) string {
	if r == nil || r.Header == nil {
		return ""
	}
	return r.Header.Get(name)
}

// QueryValue returns the first value of query parameter name.
func (r *Request) QueryValue(name string) string {
	if r == nil || r.Query == nil {
		return ""
	}
	return r.Query.Get(name)
}

// Cookie returns the named request cookie value.
func (r *Request) Cookie(name string) string {
	if r == nil || r.Cookies == nil {
		return ""
	}
	return r.Cookies[name]
}

// UserAgent returns the User-Agent header.
func (r *Request) UserAgent() string {
	return r.HeaderValue("User-Agent")
}

// SetCookie queues c for the response and makes it visible to later reads of
// the same request.
func (r *Request) SetCookie(c *http.Cookie) {
	if r == nil || c == nil {
		return
	}
	if r.Cookies == nil {
		r.Cookies = make(map[string]string)
	}
	r.Cookies[c.Name] = c.Value
	r.responseCookies = append(r.responseCookies, c)
}

// ResponseCookies returns the cookies queued by the engine.
func (r *Request) ResponseCookies() []*http.Cookie {
	if r == nil {
		return nil
	}
	return r.responseCookies
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return strings.TrimSpace(addr)
	}
	return host
}

func firstForwardedFor(value string) string {
	if value == "" {
		return ""
	}
	first, _, _ := strings.Cut(value, ",")
	return strings.TrimSpace(first)
}

func peerCertificatePEM(state *tls.ConnectionState) string {
	if state == nil || len(state.PeerCertificates) == 0 {
		return ""
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: state.PeerCertificates[0].Raw}))
}
