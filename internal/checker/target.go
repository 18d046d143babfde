package checker

import (
	"net"
	"net/url"
	"strconv"
	"strings"
)

// targetURL returns target as an absolute URL, adding scheme when missing
// and applying port when the target carries none.
func targetURL(target, scheme string, port *int) string {
	target = strings.TrimSpace(target)
	if !strings.Contains(target, "://") {
		target = scheme + "://" + target
	}

	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	if port != nil && u.Port() == "" {
		u.Host = net.JoinHostPort(u.Hostname(), strconv.Itoa(*port))
	}
	return u.String()
}

// withScheme replaces the scheme of an absolute URL.
func withScheme(rawURL, scheme string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	u.Scheme = scheme
	return u.String()
}

// hostOf extracts the bare hostname from a URL or host[:port][/path] target.
func hostOf(target string) string {
	target = strings.TrimSpace(target)
	if !strings.Contains(target, "://") {
		target = "http://" + target
	}
	u, err := url.Parse(target)
	if err != nil {
		return strings.TrimSpace(target)
	}
	return u.Hostname()
}

// hostPort returns host, with port appended when set.
func hostPort(target string, port *int) string {
	target = strings.TrimSpace(target)
	if i := strings.Index(target, "://"); i >= 0 {
		target = target[i+3:]
	}
	if i := strings.IndexAny(target, "/?#"); i >= 0 {
		target = target[:i]
	}
	if port != nil {
		return net.JoinHostPort(hostOf(target), strconv.Itoa(*port))
	}
	return target
}
