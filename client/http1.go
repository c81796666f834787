package client

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// Head codec for HTTP/1.1. Only the sequencing around it is interesting to
// the engine; the format itself is fixed.

var (
	ErrMalformedResponse = errors.New("malformed response head")
	errHeaderTooLarge    = errors.New("response header too large")
)

const maxHeadLine = 8 << 10

func writeRequestHead(bw *bufio.Writer, req *Request) error {
	if _, err := fmt.Fprintf(bw, "%s %s HTTP/1.1\r\n", req.Method, req.Endpoint.PathAndQuery()); err != nil {
		return err
	}
	for name, values := range req.Header {
		for _, v := range values {
			if _, err := fmt.Fprintf(bw, "%s: %s\r\n", name, v); err != nil {
				return err
			}
		}
	}
	if req.chunked {
		if _, err := io.WriteString(bw, "Transfer-Encoding: chunked\r\n"); err != nil {
			return err
		}
	}
	_, err := io.WriteString(bw, "\r\n")
	return err
}

// writeChunked copies body to bw in chunked transfer encoding, terminating
// with a zero chunk.
func writeChunked(bw *bufio.Writer, body io.Reader) error {
	buf := make([]byte, 8<<10)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := fmt.Fprintf(bw, "%x\r\n", n); werr != nil {
				return werr
			}
			if _, werr := bw.Write(buf[:n]); werr != nil {
				return werr
			}
			if _, werr := io.WriteString(bw, "\r\n"); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			_, werr := io.WriteString(bw, "0\r\n\r\n")
			return werr
		}
		if err != nil {
			return err
		}
	}
}

func readResponseHead(br *bufio.Reader) (*Response, error) {
	line, err := readLine(br)
	if err != nil {
		return nil, err
	}
	proto, rest, ok := strings.Cut(line, " ")
	if !ok || !strings.HasPrefix(proto, "HTTP/1.") {
		return nil, ErrMalformedResponse
	}
	codeStr, reason, _ := strings.Cut(rest, " ")
	code, err := strconv.Atoi(codeStr)
	if err != nil || code < 100 || code > 599 {
		return nil, ErrMalformedResponse
	}
	header := make(http.Header)
	for {
		line, err := readLine(br)
		if err != nil {
			return nil, err
		}
		if line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok || name == "" {
			return nil, ErrMalformedResponse
		}
		header.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	resp := &Response{
		Proto:      proto,
		Status:     strconv.Itoa(code) + " " + reason,
		StatusCode: code,
		Header:     header,
	}
	resp.ContentLength = -1
	if cl := header.Get("Content-Length"); cl != "" && !isChunked(header) {
		n, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64)
		if err != nil || n < 0 {
			return nil, ErrMalformedResponse
		}
		resp.ContentLength = n
	}
	return resp, nil
}

func readLine(br *bufio.Reader) (string, error) {
	var sb strings.Builder
	for {
		b, err := br.ReadByte()
		if err != nil {
			return "", err
		}
		if b == '\n' {
			return sb.String(), nil
		}
		if b != '\r' {
			sb.WriteByte(b)
		}
		if sb.Len() > maxHeadLine {
			return "", errHeaderTooLarge
		}
	}
}

func isChunked(h http.Header) bool {
	for _, v := range h.Values("Transfer-Encoding") {
		if strings.Contains(strings.ToLower(v), "chunked") {
			return true
		}
	}
	return false
}

// bodylessStatus reports response statuses that never carry a body.
func bodylessStatus(code int) bool {
	return code/100 == 1 || code == 204 || code == 304
}

// responseBody selects the body framing for a parsed head. reusable
// reports whether the connection can go back to the pool once the body is
// fully consumed; close-delimited bodies pin the connection.
func responseBody(br *bufio.Reader, resp *Response, method string) (body io.Reader, reusable bool) {
	switch {
	case method == "HEAD" || bodylessStatus(resp.StatusCode):
		return strings.NewReader(""), true
	case isChunked(resp.Header):
		return &chunkedReader{br: br}, true
	case resp.ContentLength >= 0:
		return io.LimitReader(br, resp.ContentLength), true
	}
	return br, false
}

// chunkedReader decodes a chunked response body, consuming trailers after
// the zero chunk.
type chunkedReader struct {
	br       *bufio.Reader
	remain   int64
	finished bool
}

func (c *chunkedReader) Read(p []byte) (int, error) {
	if c.finished {
		return 0, io.EOF
	}
	if c.remain <= 0 {
		line, err := readLine(c.br)
		if err != nil {
			return 0, err
		}
		if i := strings.IndexByte(line, ';'); i >= 0 {
			line = line[:i]
		}
		n, err := strconv.ParseInt(strings.TrimSpace(line), 16, 64)
		if err != nil || n < 0 {
			return 0, ErrMalformedResponse
		}
		if n == 0 {
			for {
				trailer, err := readLine(c.br)
				if err != nil {
					return 0, err
				}
				if trailer == "" {
					break
				}
			}
			c.finished = true
			return 0, io.EOF
		}
		c.remain = n
	}
	toRead := int64(len(p))
	if toRead > c.remain {
		toRead = c.remain
	}
	n, err := c.br.Read(p[:toRead])
	c.remain -= int64(n)
	if err != nil {
		return n, err
	}
	if c.remain == 0 {
		for _, want := range []byte{'\r', '\n'} {
			b, err := c.br.ReadByte()
			if err != nil {
				return n, err
			}
			if b != want {
				return n, ErrMalformedResponse
			}
		}
	}
	return n, nil
}
