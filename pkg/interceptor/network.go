package interceptor

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nobletooth/alliopro/pkg/storage"
)

var (
	originURL    = flag.String("origin_url", "http://127.0.0.1:8080", "The origin whose responses are intercepted.")
	fetchTimeout = flag.Duration("fetch_timeout", 10*time.Second,
		"Upper bound of a network attempt, body included, before falling back to the cache; 0 disables it.")
)

// hopHeaders are meaningful for a single connection only and are never forwarded.
var hopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization", "Proxy-Connection",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// Network performs the network attempts of the interceptor against a single origin.
type Network struct {
	client  *http.Client
	origin  *url.URL
	timeout time.Duration
}

// NewNetwork returns a Network for `origin`; a nil client means http.DefaultClient.
func NewNetwork(origin *url.URL, client *http.Client, timeout time.Duration) *Network {
	if client == nil {
		client = http.DefaultClient
	}
	return &Network{client: client, origin: origin, timeout: timeout}
}

// NewNetworkFromFlags builds the Network described by -origin_url and -fetch_timeout.
func NewNetworkFromFlags() (*Network, error) {
	origin, err := ParseOrigin(*originURL)
	if err != nil {
		return nil, err
	}
	return NewNetwork(origin, &http.Client{}, *fetchTimeout), nil
}

// ParseOrigin parses an absolute http(s) origin URL; any path is dropped.
func ParseOrigin(raw string) (*url.URL, error) {
	origin, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse origin url %q: %w", raw, err)
	}
	if origin.Scheme != "http" && origin.Scheme != "https" {
		return nil, fmt.Errorf("origin url %q must be http or https", raw)
	}
	if origin.Host == "" {
		return nil, fmt.Errorf("origin url %q has no host", raw)
	}
	return &url.URL{Scheme: origin.Scheme, Host: origin.Host}, nil
}

// Origin returns the intercepted origin.
func (n *Network) Origin() *url.URL {
	return n.origin
}

// originKey normalizes scheme, host and port of `u` for same-origin comparison.
func originKey(u *url.URL) string {
	port := u.Port()
	if port == "" {
		switch strings.ToLower(u.Scheme) {
		case "https":
			port = "443"
		case "http":
			port = "80"
		}
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Hostname()) + ":" + port
}

// ResponseType classifies `resp` by the URL it was finally served from, after redirects.
func (n *Network) ResponseType(resp *http.Response) storage.ResponseType {
	if resp == nil || resp.Request == nil || resp.Request.URL == nil {
		return storage.TypeError
	}
	if originKey(resp.Request.URL) == originKey(n.origin) {
		return storage.TypeBasic
	}
	return storage.TypeCORS
}

// Outbound turns a request received from a client into the request sent to the network. Origin-form requests
// are addressed to the origin; absolute-form requests keep their target.
func (n *Network) Outbound(r *http.Request) *http.Request {
	out := r.Clone(r.Context())
	if !r.URL.IsAbs() {
		out.URL = n.origin.ResolveReference(&url.URL{Path: r.URL.Path, RawPath: r.URL.RawPath, RawQuery: r.URL.RawQuery})
	}
	out.Host = out.URL.Host
	out.RequestURI = ""
	for _, name := range hopHeaders {
		out.Header.Del(name)
	}
	out.Header.Del(ClientHeader)
	return out
}

// AssetRequest returns the GET request of the origin relative `path`.
func (n *Network) AssetRequest(ctx context.Context, path string) (*http.Request, error) {
	target, err := n.origin.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve asset %q: %w", path, err)
	}
	return http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil /*body*/)
}

// cancelOnClose releases the attempt's timeout once the body is consumed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// Fetch sends `r` to the network. The timeout covers the whole exchange, so it keeps running until the caller
// closes the response body.
func (n *Network) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	cancel := context.CancelFunc(func() {})
	if n.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, n.timeout)
	}
	resp, err := n.client.Do(r.WithContext(ctx))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to fetch %s: %w", r.URL, err)
	}
	if resp == nil {
		cancel()
		return nil, errors.New("empty response from transport")
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}
