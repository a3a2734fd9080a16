package proxy

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/hthuynh/cacheproxy/internal/metrics"
)

// userAgent is the fixed User-Agent presented to every origin,
// replacing whatever the client sent.
const userAgent = "Mozilla/5.0 (X11; Linux x86_64; rv:10.0.3) Gecko/20120305 Firefox/10.0.3"

// relayBufSize is the chunk size for streaming origin responses.
const relayBufSize = 8192

// handle drives one client connection to completion: read the request
// line, answer from the cache or round-trip to the origin, and offer
// the relayed response for admission. Every failure path terminates
// only this connection.
func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	s.metrics.IncrementConnections()
	defer s.metrics.DecrementConnections()

	start := time.Now()
	outcome := metrics.OutcomeError
	defer func() {
		s.metrics.RecordRequest(outcome, time.Since(start))
	}()

	ctx, span := s.logger.StartSpan(context.Background(), "proxy.request",
		attribute.String("client.addr", conn.RemoteAddr().String()),
	)
	defer span.End()

	log := s.logger.WithFields(slog.String("client", conn.RemoteAddr().String()))

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		// EOF before a full request line: nothing to answer.
		return
	}

	req, err := parseRequestLine(line)
	if err != nil {
		outcome = metrics.OutcomeRejected
		log.Warn(ctx, "malformed request line")
		drainHeaders(reader)
		clientError(conn, strings.TrimSpace(line), "400", "Bad Request",
			"The proxy could not parse the request")
		return
	}

	span.SetAttributes(
		attribute.String("http.method", req.Method),
		attribute.String("http.target", req.Target),
	)

	if !strings.EqualFold(req.Method, "GET") {
		outcome = metrics.OutcomeRejected
		log.Warn(ctx, "unsupported method", slog.String("method", req.Method))
		drainHeaders(reader)
		clientError(conn, req.Method, "501", "Not Implemented",
			"The proxy does not implement this method")
		return
	}

	// The target exactly as received is the cache key.
	if body, ok := s.store.Lookup(req.Target); ok {
		outcome = metrics.OutcomeHit
		drainHeaders(reader)
		span.SetAttributes(attribute.Bool("cache.hit", true))
		if _, err := conn.Write(body); err != nil {
			outcome = metrics.OutcomeError
			log.Debug(ctx, "client write failed on cache hit", slog.String("error", err.Error()))
		}
		log.Info(ctx, "request served",
			slog.String("target", req.Target),
			slog.String("outcome", outcome),
			slog.Duration("duration", time.Since(start)),
		)
		return
	}
	span.SetAttributes(attribute.Bool("cache.hit", false))

	tgt, err := parseTarget(req.Target)
	if err != nil {
		outcome = metrics.OutcomeRejected
		log.Warn(ctx, "unparseable target", slog.String("target", req.Target))
		drainHeaders(reader)
		clientError(conn, req.Target, "400", "Bad Request",
			"The proxy could not parse the request URL")
		return
	}

	origin, err := net.DialTimeout("tcp", tgt.Addr(), s.dialTimeout)
	if err != nil {
		log.Error(ctx, "origin dial failed", err, slog.String("origin", tgt.Addr()))
		return
	}
	defer origin.Close()

	request := buildRequest(reader, tgt)
	if _, err := origin.Write(request); err != nil {
		log.Error(ctx, "origin write failed", err, slog.String("origin", tgt.Addr()))
		return
	}

	total, staged, admissible, err := s.relay(conn, origin)
	if err != nil {
		log.Error(ctx, "relay failed", err,
			slog.String("origin", tgt.Addr()),
			slog.Int64("relayed_bytes", total),
		)
		return
	}

	// Admission only after the origin stream is fully consumed, and
	// only when the whole response fit the staging budget.
	if admissible {
		s.store.Admit(req.Target, staged)
	}

	outcome = metrics.OutcomeMiss
	span.SetAttributes(attribute.Int64("http.response.bytes", total))
	log.Info(ctx, "request served",
		slog.String("target", req.Target),
		slog.String("origin", tgt.Addr()),
		slog.String("outcome", outcome),
		slog.Int64("bytes", total),
		slog.Bool("admitted", admissible),
		slog.Duration("duration", time.Since(start)),
	)
}

// drainHeaders consumes the rest of the client's header block so the
// connection can be answered and closed without resetting under the
// client's read.
func drainHeaders(client *bufio.Reader) {
	for {
		line, err := client.ReadString('\n')
		if err != nil || line == "\r\n" || line == "\n" {
			return
		}
	}
}

// buildRequest assembles the rewritten origin request: the origin-form
// request line, the proxy's fixed header block, then the client's
// remaining headers with Host, User-Agent, Connection, and
// Proxy-Connection dropped.
func buildRequest(client *bufio.Reader, tgt target) []byte {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "GET %s HTTP/1.0\r\n", tgt.Path)
	fmt.Fprintf(&buf, "Host: %s\r\n", tgt.HostHeader())
	fmt.Fprintf(&buf, "User-Agent: %s\r\n", userAgent)
	buf.WriteString("Connection: close\r\n")
	buf.WriteString("Proxy-Connection: close\r\n")

	for {
		line, err := client.ReadString('\n')
		if line == "\r\n" || line == "\n" || (err != nil && line == "") {
			break
		}
		if !droppedHeader(line) {
			buf.WriteString(line)
		}
		if err != nil {
			break
		}
	}

	buf.WriteString("\r\n")
	return buf.Bytes()
}

// relay streams the origin response to the client while accumulating a
// staging copy bounded by the per-object budget. It returns the total
// bytes relayed, the staged copy, and whether the copy is admissible
// (false when the response outgrew the budget). A write failure toward
// the client aborts the relay; the response would be truncated, so
// nothing may be admitted.
func (s *Server) relay(client net.Conn, origin net.Conn) (int64, []byte, bool, error) {
	reader := bufio.NewReader(origin)
	buf := make([]byte, relayBufSize)

	var staged bytes.Buffer
	var total int64
	overflow := false

	for {
		n, err := reader.Read(buf)
		if n > 0 {
			if _, werr := client.Write(buf[:n]); werr != nil {
				return total, nil, false, fmt.Errorf("client write: %w", werr)
			}
			total += int64(n)
			if !overflow {
				if total <= s.maxObject {
					staged.Write(buf[:n])
				} else {
					overflow = true
					staged.Reset()
				}
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return total, nil, false, fmt.Errorf("origin read: %w", err)
		}
	}

	if overflow {
		return total, nil, false, nil
	}
	return total, staged.Bytes(), true, nil
}

// clientError writes a small HTML error page to the client, in the
// style of the classic tiny server error renderer.
func clientError(conn net.Conn, cause, errnum, shortmsg, longmsg string) {
	var body bytes.Buffer
	body.WriteString("<html><title>Proxy Error</title>")
	body.WriteString("<body bgcolor=\"ffffff\">\r\n")
	fmt.Fprintf(&body, "%s: %s\r\n", errnum, shortmsg)
	fmt.Fprintf(&body, "<p>%s: %s\r\n", longmsg, cause)
	body.WriteString("<hr><em>The proxy server</em>\r\n</body></html>\r\n")

	var resp bytes.Buffer
	fmt.Fprintf(&resp, "HTTP/1.0 %s %s\r\n", errnum, shortmsg)
	resp.WriteString("Content-type: text/html\r\n\r\n")
	resp.Write(body.Bytes())

	conn.Write(resp.Bytes())
}
