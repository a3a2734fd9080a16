package proxy

import (
	"fmt"
	"strings"
)

// requestLine is the parsed first line of a client request. Target is
// kept exactly as received: it is the cache key, byte-exact, before
// any rewriting.
type requestLine struct {
	Method  string
	Target  string
	Version string
}

// parseRequestLine splits "METHOD SP target SP version" without
// normalizing any part.
func parseRequestLine(line string) (requestLine, error) {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return requestLine{}, fmt.Errorf("malformed request line %q", strings.TrimSpace(line))
	}
	return requestLine{
		Method:  fields[0],
		Target:  fields[1],
		Version: fields[2],
	}, nil
}

// target is the decomposed absolute URL of a request. Port is empty
// when the URL names none; Path is "/" when nothing follows the host
// and port, and otherwise the rest of the URL taken verbatim (after a
// port, it starts at the first non-digit).
type target struct {
	Host string
	Port string
	Path string
}

// parseTarget splits an absolute URL of the form
// http://host[:port][/path] into its origin address and origin-form
// path. The scheme prefix up to and including "//" is stripped if
// present; the host runs to the first of ":" or "/"; a port is the run
// of digits after ":"; a URL without a path component yields "/".
func parseTarget(rawTarget string) (target, error) {
	rest := rawTarget
	if i := strings.Index(rest, "//"); i >= 0 {
		rest = rest[i+2:]
	}

	hostEnd := len(rest)
	for i := 0; i < len(rest); i++ {
		if rest[i] == ':' || rest[i] == '/' {
			hostEnd = i
			break
		}
	}

	t := target{
		Host: rest[:hostEnd],
		Path: "/",
	}
	if t.Host == "" {
		return target{}, fmt.Errorf("no host in target %q", rawTarget)
	}

	rest = rest[hostEnd:]
	if strings.HasPrefix(rest, ":") {
		rest = rest[1:]
		portEnd := len(rest)
		for i := 0; i < len(rest); i++ {
			if rest[i] < '0' || rest[i] > '9' {
				portEnd = i
				break
			}
		}
		t.Port = rest[:portEnd]
		rest = rest[portEnd:]
	}

	if rest != "" {
		t.Path = rest
	}
	return t, nil
}

// Addr returns the dial address for the origin, defaulting to port 80.
func (t target) Addr() string {
	port := t.Port
	if port == "" {
		port = "80"
	}
	return t.Host + ":" + port
}

// HostHeader returns the Host header value sent to the origin: the
// host alone, or host:port when the URL named a port.
func (t target) HostHeader() string {
	if t.Port != "" {
		return t.Host + ":" + t.Port
	}
	return t.Host
}

// droppedHeader reports whether a client header line is replaced by
// the proxy's own header block. Matching is on the field name,
// case-insensitively.
func droppedHeader(line string) bool {
	for _, name := range []string{"Host:", "User-Agent:", "Connection:", "Proxy-Connection:"} {
		if len(line) >= len(name) && strings.EqualFold(line[:len(name)], name) {
			return true
		}
	}
	return false
}
