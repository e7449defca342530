// Package httpclient provides the outbound HTTP client used for webhook
// delivery. Webhook URLs come from job environments, i.e. from users, so
// the client refuses destinations that are not routable from the public
// internet. The guard runs twice: on the URL before the request, and on
// the resolved addresses at dial time, so DNS rebinding cannot sidestep
// it.
package httpclient

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nexusai/nexus/errors"
)

const maxRedirects = 10

// SaferClient is an http.Client that refuses private destinations.
type SaferClient struct {
	*http.Client
	guardPrivate bool
}

// NewSaferClient builds the guarded client for webhook egress.
func NewSaferClient(timeout time.Duration) *SaferClient {
	c := &SaferClient{
		Client:       &http.Client{Timeout: timeout},
		guardPrivate: true,
	}
	c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return errors.Newf("stopped after %d redirects", maxRedirects)
		}
		if err := c.checkURL(req.URL); err != nil {
			return errors.Wrap(err, "redirect blocked")
		}
		return nil
	}
	c.Transport = &http.Transport{
		DialContext:           guardedDial,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return c
}

// Do validates the target before handing the request to http.Client.
func (c *SaferClient) Do(req *http.Request) (*http.Response, error) {
	if err := c.checkURL(req.URL); err != nil {
		return nil, errors.Wrap(err, "request blocked")
	}
	return c.Client.Do(req)
}

// checkURL rejects URLs that cannot be a legitimate webhook target.
func (c *SaferClient) checkURL(u *url.URL) error {
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return errors.Newf("scheme %q not allowed", u.Scheme)
	}
	// http://evil.com@localhost/ style confusion
	if strings.Contains(u.String(), "@") {
		return errors.New("URL contains @ character")
	}
	host := u.Hostname()
	if host == "" {
		return errors.New("URL missing hostname")
	}
	if !c.guardPrivate {
		return nil
	}
	if isLocalhost(host) {
		return errors.New("localhost access blocked")
	}
	if ip := net.ParseIP(host); ip != nil && isPrivateIP(ip) {
		return errors.Newf("private IP address blocked: %s", host)
	}
	return nil
}

// guardedDial resolves the host and refuses to connect when any answer
// is private.
func guardedDial(ctx context.Context, network, addr string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, errors.Wrap(err, "invalid address")
	}
	ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to resolve host %q", host)
	}
	for _, ip := range ips {
		if isPrivateIP(ip) {
			return nil, errors.Newf("private IP address blocked: %s", ip)
		}
	}
	d := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
	return d.DialContext(ctx, network, addr)
}

// isPrivateIP reports whether an address is non-routable from the public
// internet: RFC 1918 and ULA ranges, loopback, link-local, multicast,
// unspecified, and the IPv4 blocks below 1.0.0.0 and above 240.0.0.0.
func isPrivateIP(ip net.IP) bool {
	if ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsMulticast() || ip.IsUnspecified() {
		return true
	}
	if ip4 := ip.To4(); ip4 != nil {
		return ip4[0] == 0 || ip4[0] >= 240
	}
	return false
}

func isLocalhost(hostname string) bool {
	hostname = strings.ToLower(hostname)
	return hostname == "localhost" ||
		hostname == "localhost.localdomain" ||
		strings.HasSuffix(hostname, ".localhost")
}

// WrapClient wraps an existing http.Client without the private-address
// guard. Exists for tests that must talk to httptest servers on loopback.
func WrapClient(client *http.Client) *SaferClient {
	return &SaferClient{Client: client}
}
