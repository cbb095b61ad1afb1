// Package httpclient implements a minimal HTTP/1.1 GET client: issue "GET
// path[?query] HTTP/1.1" with Host/User-Agent/Accept headers plus
// caller-supplied ones, read the status line, the CRLF-terminated header
// block, and exactly Content-Length bytes of body. No chunked transfer, no
// keep-alive, no redirects — one request per connection, and only the
// "http" scheme is supported.
package httpclient

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/nvke/reaper/internal/rerrs"
	"github.com/nvke/reaper/internal/urlx"
)

// UserAgent is sent on every request.
const UserAgent = "reaper/0.1"

// Response is the minimal parsed HTTP response this client understands.
type Response struct {
	StatusCode int
	Status     string
	Header     map[string]string
	Body       []byte
}

// Get performs a single GET request to u and returns its parsed response.
// connectTimeout bounds the TCP connect; readTimeout bounds the entire
// request/response exchange once connected.
func Get(ctx context.Context, u *urlx.URL, extraHeaders map[string]string, connectTimeout, readTimeout time.Duration) (*Response, error) {
	if u.Scheme != "http" {
		return nil, rerrs.Network("httpclient: unsupported scheme %q (only http is supported)", u.Scheme)
	}

	dialer := net.Dialer{Timeout: connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", u.HostPort())
	if err != nil {
		return nil, rerrs.NetworkWrap(err, "httpclient: connect to %s", u.HostPort())
	}
	defer conn.Close()

	deadline := time.Now().Add(readTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	conn.SetDeadline(deadline)

	if err := writeRequest(conn, u, extraHeaders); err != nil {
		return nil, rerrs.NetworkWrap(err, "httpclient: writing request to %s", u.HostPort())
	}

	resp, err := readResponse(conn)
	if err != nil {
		return nil, rerrs.NetworkWrap(err, "httpclient: reading response from %s", u.HostPort())
	}
	return resp, nil
}

func writeRequest(w io.Writer, u *urlx.URL, extraHeaders map[string]string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "GET %s HTTP/1.1\r\n", u.RequestTarget())
	fmt.Fprintf(&b, "Host: %s\r\n", u.Host)
	fmt.Fprintf(&b, "User-Agent: %s\r\n", UserAgent)
	fmt.Fprintf(&b, "Accept: */*\r\n")
	fmt.Fprintf(&b, "Connection: close\r\n")
	for k, v := range extraHeaders {
		fmt.Fprintf(&b, "%s: %s\r\n", k, v)
	}
	b.WriteString("\r\n")
	_, err := io.WriteString(w, b.String())
	return err
}

func readResponse(r io.Reader) (*Response, error) {
	br := bufio.NewReader(r)

	statusLine, err := readCRLFLine(br)
	if err != nil {
		return nil, fmt.Errorf("reading status line: %w", err)
	}
	parts := strings.SplitN(statusLine, " ", 3)
	if len(parts) < 2 {
		return nil, fmt.Errorf("malformed status line %q", statusLine)
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, fmt.Errorf("malformed status code %q", parts[1])
	}
	status := statusLine
	if len(parts) == 3 {
		status = parts[2]
	}

	headers := make(map[string]string)
	for {
		line, err := readCRLFLine(br)
		if err != nil {
			return nil, fmt.Errorf("reading headers: %w", err)
		}
		if line == "" {
			break
		}
		i := strings.IndexByte(line, ':')
		if i < 0 {
			return nil, fmt.Errorf("malformed header line %q", line)
		}
		key := strings.TrimSpace(line[:i])
		val := strings.TrimSpace(line[i+1:])
		headers[strings.ToLower(key)] = val
	}

	clStr, ok := headers["content-length"]
	if !ok {
		return nil, fmt.Errorf("response missing Content-Length")
	}
	contentLength, err := strconv.Atoi(clStr)
	if err != nil || contentLength < 0 {
		return nil, fmt.Errorf("invalid Content-Length %q", clStr)
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(br, body); err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}

	if code != 200 {
		return nil, fmt.Errorf("non-200 status: %s", status)
	}

	return &Response{
		StatusCode: code,
		Status:     status,
		Header:     headers,
		Body:       body,
	}, nil
}

// readCRLFLine reads one line terminated by "\r\n" (or bare "\n" tolerated),
// returning it without the terminator.
func readCRLFLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return "", err
	}
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	return line, nil
}
