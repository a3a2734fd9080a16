package proxy

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hthuynh/cacheproxy/internal/cache"
	"github.com/hthuynh/cacheproxy/internal/config"
	"github.com/hthuynh/cacheproxy/internal/logging"
	"github.com/hthuynh/cacheproxy/internal/metrics"
	"github.com/hthuynh/cacheproxy/internal/ratelimit"
)

// stubOrigin is a minimal HTTP/1.0 origin: it records each request it
// receives and answers every one with a fixed byte string.
type stubOrigin struct {
	ln       net.Listener
	response []byte

	mu       sync.Mutex
	requests [][]byte
}

func newStubOrigin(t *testing.T, response []byte) *stubOrigin {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("stub origin listen: %v", err)
	}
	o := &stubOrigin{ln: ln, response: response}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go o.serve(conn)
		}
	}()
	return o
}

func (o *stubOrigin) serve(conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	var req bytes.Buffer
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		req.WriteString(line)
		if line == "\r\n" {
			break
		}
	}

	o.mu.Lock()
	o.requests = append(o.requests, req.Bytes())
	o.mu.Unlock()

	conn.Write(o.response)
}

func (o *stubOrigin) requestCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.requests)
}

func (o *stubOrigin) request(i int) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return string(o.requests[i])
}

func (o *stubOrigin) addr() string {
	return o.ln.Addr().String()
}

// newTestServer starts a proxy on an ephemeral port with its own
// metrics registry and returns it with its store.
func newTestServer(t *testing.T, capacity, maxObject int64, limiter *ratelimit.Limiter) (*Server, *cache.Store) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Server.Port = 0
	cfg.Cache.MaxCacheSize = capacity
	cfg.Cache.MaxObjectSize = maxObject

	m := metrics.NewMetrics(prometheus.NewRegistry())
	store := cache.New(capacity, maxObject, m.Cache)
	logger := logging.NewLogger("cacheproxy-test")

	srv, err := NewServer(cfg, store, limiter, logger, m)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go srv.Start(ctx)
	t.Cleanup(func() {
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		srv.Shutdown(shutdownCtx)
	})

	deadline := time.Now().Add(5 * time.Second)
	for srv.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("proxy did not bind in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return srv, store
}

// fetch sends one raw request through the proxy and returns everything
// the proxy wrote back.
func fetch(t *testing.T, proxyAddr, rawRequest string) []byte {
	t.Helper()

	conn, err := net.Dial("tcp", proxyAddr)
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(rawRequest)); err != nil {
		t.Fatalf("write request: %v", err)
	}
	body, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return body
}

// TestProxyRoundTrip covers the end-to-end miss-then-hit flow: the
// first fetch relays the origin response verbatim and the identical
// second fetch is served from the cache without contacting the origin.
func TestProxyRoundTrip(t *testing.T) {
	response := []byte("HTTP/1.0 200 OK\r\nContent-Length: 17\r\n\r\nfifty bytes? yes!")
	origin := newStubOrigin(t, response)
	srv, store := newTestServer(t, 1049000, 102400, nil)

	url := fmt.Sprintf("http://%s/p", origin.addr())
	request := fmt.Sprintf("GET %s HTTP/1.0\r\nHost: x\r\nAccept: */*\r\n\r\n", url)

	got := fetch(t, srv.Addr().String(), request)
	if !bytes.Equal(got, response) {
		t.Fatalf("first fetch: got %q, want %q", got, response)
	}
	if origin.requestCount() != 1 {
		t.Fatalf("expected one origin request, got %d", origin.requestCount())
	}

	// Rewritten request: origin-form target, fixed header block in
	// order, client Host dropped, client Accept forwarded.
	sent := origin.request(0)
	wantPrefix := "GET /p HTTP/1.0\r\n" +
		"Host: " + origin.addr() + "\r\n" +
		"User-Agent: Mozilla/5.0 (X11; Linux x86_64; rv:10.0.3) Gecko/20120305 Firefox/10.0.3\r\n" +
		"Connection: close\r\n" +
		"Proxy-Connection: close\r\n"
	if !strings.HasPrefix(sent, wantPrefix) {
		t.Errorf("rewritten request:\n%q\nwant prefix:\n%q", sent, wantPrefix)
	}
	if !strings.Contains(sent, "Accept: */*\r\n") {
		t.Error("expected client Accept header to be forwarded")
	}
	if strings.Contains(sent, "Host: x") {
		t.Error("expected client Host header to be dropped")
	}

	// Second identical request: byte-identical response, no origin
	// contact.
	got = fetch(t, srv.Addr().String(), request)
	if !bytes.Equal(got, response) {
		t.Fatalf("cached fetch: got %q, want %q", got, response)
	}
	if origin.requestCount() != 1 {
		t.Errorf("expected cache hit without origin contact, origin saw %d requests", origin.requestCount())
	}
	if store.Len() != 1 {
		t.Errorf("expected one cached entry, got %d", store.Len())
	}
}

// TestProxyNotImplemented verifies non-GET methods get a 501 page.
func TestProxyNotImplemented(t *testing.T) {
	srv, _ := newTestServer(t, 1049000, 102400, nil)

	got := fetch(t, srv.Addr().String(), "DELETE http://example.com/ HTTP/1.0\r\n\r\n")
	if !bytes.HasPrefix(got, []byte("HTTP/1.0 501 Not Implemented\r\n")) {
		t.Errorf("expected 501 status line, got %q", got)
	}
	if !bytes.Contains(got, []byte("text/html")) {
		t.Error("expected an HTML error page")
	}
}

// TestProxyMalformedRequestLine verifies a garbage request line gets a
// 400 page rather than killing the worker silently.
func TestProxyMalformedRequestLine(t *testing.T) {
	srv, _ := newTestServer(t, 1049000, 102400, nil)

	got := fetch(t, srv.Addr().String(), "nonsense\r\n\r\n")
	if !bytes.HasPrefix(got, []byte("HTTP/1.0 400 Bad Request\r\n")) {
		t.Errorf("expected 400 status line, got %q", got)
	}
}

// TestProxyOversizeNotCached verifies responses above the per-object
// ceiling are relayed in full but never admitted.
func TestProxyOversizeNotCached(t *testing.T) {
	body := bytes.Repeat([]byte("x"), 64)
	response := append([]byte("HTTP/1.0 200 OK\r\n\r\n"), body...)
	origin := newStubOrigin(t, response)
	srv, store := newTestServer(t, 1049000, 32, nil)

	request := fmt.Sprintf("GET http://%s/big HTTP/1.0\r\n\r\n", origin.addr())

	for i := 0; i < 2; i++ {
		got := fetch(t, srv.Addr().String(), request)
		if !bytes.Equal(got, response) {
			t.Fatalf("fetch %d: truncated or altered response: %d bytes", i, len(got))
		}
	}

	if origin.requestCount() != 2 {
		t.Errorf("oversize response must not be cached; origin saw %d requests", origin.requestCount())
	}
	if store.Len() != 0 {
		t.Errorf("expected empty store, got %d entries", store.Len())
	}
}

// TestProxyConcurrentClients fetches one URL from many clients at
// once; every client must get the full response and the store must
// end with exactly one entry for the key.
func TestProxyConcurrentClients(t *testing.T) {
	response := []byte("HTTP/1.0 200 OK\r\n\r\nshared")
	origin := newStubOrigin(t, response)
	srv, store := newTestServer(t, 1049000, 102400, nil)

	request := fmt.Sprintf("GET http://%s/shared HTTP/1.0\r\n\r\n", origin.addr())

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := net.Dial("tcp", srv.Addr().String())
			if err != nil {
				errs <- err
				return
			}
			defer conn.Close()
			if _, err := conn.Write([]byte(request)); err != nil {
				errs <- err
				return
			}
			got, err := io.ReadAll(conn)
			if err != nil {
				errs <- err
				return
			}
			if !bytes.Equal(got, response) {
				errs <- fmt.Errorf("got %q, want %q", got, response)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	if store.Len() != 1 {
		t.Errorf("expected exactly one cached entry, got %d", store.Len())
	}
}

// TestProxyRateLimited verifies an over-limit client is answered with
// a 503 page before any worker is spawned.
func TestProxyRateLimited(t *testing.T) {
	limiter := ratelimit.NewLimiter(config.RateLimitConfig{
		Enabled:    true,
		Capacity:   1,
		RefillRate: 1,
	})
	srv, _ := newTestServer(t, 1049000, 102400, limiter)

	// A non-GET request completes without any origin contact, so this
	// round-trip proves the first connection consumed the only token.
	request := "POST http://origin.invalid/ HTTP/1.0\r\n\r\n"
	got := fetch(t, srv.Addr().String(), request)
	if !bytes.HasPrefix(got, []byte("HTTP/1.0 501 Not Implemented\r\n")) {
		t.Fatalf("expected first connection to be admitted, got %q", got)
	}

	got = fetch(t, srv.Addr().String(), request)
	if !bytes.HasPrefix(got, []byte("HTTP/1.0 503 Service Unavailable\r\n")) {
		t.Errorf("expected 503 for rate-limited client, got %q", got)
	}
}
