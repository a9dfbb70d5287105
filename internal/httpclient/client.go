// Package httpclient provides the outbound HTTP client used by task
// functions. Targets are checked before every request and every redirect,
// and the dialer re-checks resolved addresses so a hostname cannot be
// rebound to a private address after validation.
package httpclient

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/teranos/metronome/errors"
)

// ErrBlocked marks a request refused by the target guard
var ErrBlocked = errors.New("request target blocked")

// Options tunes the guard. The zero value blocks private targets, allows
// http and https, and follows up to ten redirects.
type Options struct {
	AllowPrivate   bool
	AllowedSchemes []string
	MaxRedirects   int
}

// Client is an http.Client that refuses requests to private or local targets
// unless AllowPrivate is set.
type Client struct {
	*http.Client
	schemes      []string
	allowPrivate bool
	maxRedirects int
}

// New creates a guarded client
func New(timeout time.Duration, opts Options) *Client {
	c := &Client{
		Client:       &http.Client{Timeout: timeout},
		schemes:      opts.AllowedSchemes,
		allowPrivate: opts.AllowPrivate,
		maxRedirects: opts.MaxRedirects,
	}
	if len(c.schemes) == 0 {
		c.schemes = []string{"http", "https"}
	}
	if c.maxRedirects <= 0 {
		c.maxRedirects = 10
	}

	c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= c.maxRedirects {
			return errors.Newf("stopped after %d redirects", c.maxRedirects)
		}
		if err := c.check(req.URL); err != nil {
			return errors.Wrap(err, "redirect blocked")
		}
		return nil
	}

	if !c.allowPrivate {
		dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
		c.Transport = &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				host, port, err := net.SplitHostPort(addr)
				if err != nil {
					return nil, errors.Wrap(err, "invalid address")
				}
				ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
				if err != nil {
					return nil, errors.Wrapf(err, "failed to resolve host %q", host)
				}
				for _, ip := range ips {
					if IsPrivateIP(ip) {
						return nil, errors.Wrapf(ErrBlocked, "%s resolves to private address %s", host, ip)
					}
				}
				// Dial the checked address, not the name, so a second lookup cannot differ.
				return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0].String(), port))
			},
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
		}
	}

	return c
}

// Wrap guards an existing client without private-address blocking.
// Meant for tests against httptest servers.
func Wrap(client *http.Client) *Client {
	return &Client{
		Client:       client,
		schemes:      []string{"http", "https"},
		allowPrivate: true,
		maxRedirects: 10,
	}
}

// CheckURL parses and checks a URL string
func (c *Client) CheckURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Wrap(err, "invalid URL")
	}
	if err := c.check(u); err != nil {
		return nil, err
	}
	return u, nil
}

func (c *Client) check(u *url.URL) error {
	scheme := strings.ToLower(u.Scheme)
	if !slices.Contains(c.schemes, scheme) {
		return errors.Wrapf(ErrBlocked, "scheme %q not allowed (allowed: %v)", scheme, c.schemes)
	}
	// http://public.example@localhost/ style host confusion
	if u.User != nil || strings.Contains(u.Host, "@") {
		return errors.Wrap(ErrBlocked, "URL must not carry userinfo")
	}

	host := u.Hostname()
	if host == "" {
		return errors.Wrap(ErrBlocked, "URL missing hostname")
	}
	if c.allowPrivate {
		return nil
	}
	if IsLocalhost(host) {
		return errors.Wrap(ErrBlocked, "localhost access blocked")
	}
	if ip := net.ParseIP(host); ip != nil && IsPrivateIP(ip) {
		return errors.Wrapf(ErrBlocked, "private IP address blocked: %s", host)
	}
	return nil
}

// Do checks the request target, then sends it
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if err := c.check(req.URL); err != nil {
		return nil, err
	}
	return c.Client.Do(req)
}

var privateV4 = []*net.IPNet{
	mustCIDR("0.0.0.0/8"),
	mustCIDR("10.0.0.0/8"),
	mustCIDR("100.64.0.0/10"), // carrier-grade NAT
	mustCIDR("127.0.0.0/8"),
	mustCIDR("169.254.0.0/16"),
	mustCIDR("172.16.0.0/12"),
	mustCIDR("192.168.0.0/16"),
	mustCIDR("224.0.0.0/4"),
	mustCIDR("240.0.0.0/4"),
}

var privateV6 = []*net.IPNet{
	mustCIDR("fc00::/7"),      // unique local
	mustCIDR("fec0::/10"),     // site-local
	mustCIDR("2001:db8::/32"), // documentation
}

func mustCIDR(s string) *net.IPNet {
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	return n
}

// IsPrivateIP reports whether ip is loopback, private, link-local,
// multicast or otherwise not a public unicast address
func IsPrivateIP(ip net.IP) bool {
	if ip4 := ip.To4(); ip4 != nil {
		for _, block := range privateV4 {
			if block.Contains(ip4) {
				return true
			}
		}
		return false
	}
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsMulticast() || ip.IsUnspecified() {
		return true
	}
	for _, block := range privateV6 {
		if block.Contains(ip) {
			return true
		}
	}
	return false
}

// IsLocalhost matches localhost and its subdomains
func IsLocalhost(host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	return host == "localhost" || host == "localhost.localdomain" || strings.HasSuffix(host, ".localhost")
}
