package httpclient

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/nvke/reaper/internal/urlx"
	"github.com/stretchr/testify/require"
)

// startRawServer spins up a one-shot TCP listener that replies with resp
// bytes verbatim to the first connection, then closes. It is hand-rolled
// (rather than net/http/httptest) to exercise exactly the wire bytes the
// client is expected to parse.
func startRawServer(t *testing.T, resp string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4096)
		conn.Read(buf) // drain the request
		conn.Write([]byte(resp))
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func TestGetSimpleResponse(t *testing.T) {
	body := "d8:intervali1800e5:peers0:e"
	resp := fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Length: %d\r\nContent-Type: text/plain\r\n\r\n%s", len(body), body)
	addr := startRawServer(t, resp)

	host, port := splitTestAddr(t, addr)
	u := &urlx.URL{Scheme: "http", Host: host, Port: port, Path: "/announce"}

	got, err := Get(context.Background(), u, nil, time.Second, time.Second)
	require.NoError(t, err)
	require.Equal(t, 200, got.StatusCode)
	require.Equal(t, []byte(body), got.Body)
}

func TestGetNon200IsError(t *testing.T) {
	resp := "HTTP/1.1 404 Not Found\r\nContent-Length: 0\r\n\r\n"
	addr := startRawServer(t, resp)
	host, port := splitTestAddr(t, addr)
	u := &urlx.URL{Scheme: "http", Host: host, Port: port, Path: "/announce"}

	_, err := Get(context.Background(), u, nil, time.Second, time.Second)
	require.Error(t, err)
}

func TestGetMissingContentLength(t *testing.T) {
	resp := "HTTP/1.1 200 OK\r\n\r\nbody"
	addr := startRawServer(t, resp)
	host, port := splitTestAddr(t, addr)
	u := &urlx.URL{Scheme: "http", Host: host, Port: port, Path: "/announce"}

	_, err := Get(context.Background(), u, nil, time.Second, time.Second)
	require.Error(t, err)
}

func TestUnsupportedScheme(t *testing.T) {
	u := &urlx.URL{Scheme: "https", Host: "example.com", Port: 443, Path: "/"}
	_, err := Get(context.Background(), u, nil, time.Second, time.Second)
	require.Error(t, err)
}

func splitTestAddr(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	var port int
	_, err = fmt.Sscanf(portStr, "%d", &port)
	require.NoError(t, err)
	return host, port
}
