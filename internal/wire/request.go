// Package wire implements the narrow slice of HTTP/1.x the gateway speaks:
// one request line, a bounded header block and an optional fixed-length
// body per connection. Chunked bodies and keep-alive are not supported.
package wire

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

var (
	// ErrBadRequest covers malformed framing and missing or invalid parameters.
	ErrBadRequest = errors.New("bad request")
	// ErrUnsupportedMedia is returned for a POST whose body is not JSON.
	ErrUnsupportedMedia = errors.New("unsupported media type")
	// ErrNoRequest means the peer closed the connection before sending a byte.
	ErrNoRequest = errors.New("connection closed before request")
)

// Limits bound how much a single request may consume.
type Limits struct {
	MaxLineBytes int
	MaxHeaders   int
	MaxBodyBytes int
}

func DefaultLimits() Limits {
	return Limits{MaxLineBytes: 8 << 10, MaxHeaders: 64, MaxBodyBytes: 1 << 20}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.MaxLineBytes <= 0 {
		l.MaxLineBytes = d.MaxLineBytes
	}
	if l.MaxHeaders <= 0 {
		l.MaxHeaders = d.MaxHeaders
	}
	if l.MaxBodyBytes <= 0 {
		l.MaxBodyBytes = d.MaxBodyBytes
	}
	return l
}

// Header maps lower-cased field names to their first value.
type Header map[string]string

func (h Header) Get(name string) string { return h[strings.ToLower(name)] }

// Request is an immutable view of one parsed request.
type Request struct {
	Method string
	Target string
	Path   string
	Query  string
	Proto  string
	Header Header
	Body   []byte
}

// ReadRequest parses exactly one request from br. Framing problems are
// reported as ErrBadRequest; I/O errors are returned unchanged.
//
// Accepted grammar:
//
//	request-line = method SP target SP "HTTP/" version CRLF
//	header-field = name ":" OWS value OWS CRLF
//	body         = Content-Length octets
func ReadRequest(br *bufio.Reader, lim Limits) (*Request, error) {
	lim = lim.withDefaults()

	line, err := readLine(br, lim.MaxLineBytes)
	// Tolerate a stray CRLF ahead of the request line.
	for i := 0; err == nil && line == "" && i < 2; i++ {
		line, err = readLine(br, lim.MaxLineBytes)
	}
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrNoRequest
		}
		return nil, err
	}

	req, err := parseRequestLine(line)
	if err != nil {
		return nil, err
	}
	if req.Header, err = readHeader(br, lim); err != nil {
		return nil, err
	}
	if req.Header.Get("Transfer-Encoding") != "" {
		return nil, fmt.Errorf("%w: transfer-encoding is not supported", ErrBadRequest)
	}

	length, err := contentLength(req.Header)
	if err != nil {
		return nil, err
	}
	if length > int64(lim.MaxBodyBytes) {
		return nil, fmt.Errorf("%w: body of %d bytes exceeds limit of %d", ErrBadRequest, length, lim.MaxBodyBytes)
	}
	if length > 0 {
		req.Body = make([]byte, length)
		if _, err := io.ReadFull(br, req.Body); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, fmt.Errorf("%w: body shorter than content-length", ErrBadRequest)
			}
			return nil, err
		}
	}
	return req, nil
}

func parseRequestLine(line string) (*Request, error) {
	parts := strings.Split(line, " ")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("%w: malformed request line", ErrBadRequest)
	}
	method, target, proto := parts[0], parts[1], parts[2]
	if !strings.HasPrefix(proto, "HTTP/") || len(proto) == len("HTTP/") {
		return nil, fmt.Errorf("%w: malformed protocol version %q", ErrBadRequest, proto)
	}
	for _, r := range method {
		if r < 'A' || r > 'Z' {
			return nil, fmt.Errorf("%w: malformed method", ErrBadRequest)
		}
	}
	path, query, _ := strings.Cut(target, "?")
	return &Request{
		Method: method,
		Target: target,
		Path:   path,
		Query:  query,
		Proto:  proto,
	}, nil
}

func readHeader(br *bufio.Reader, lim Limits) (Header, error) {
	h := make(Header)
	for n := 0; ; n++ {
		line, err := readLine(br, lim.MaxLineBytes)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("%w: header block not terminated", ErrBadRequest)
			}
			return nil, err
		}
		if line == "" {
			return h, nil
		}
		if n >= lim.MaxHeaders {
			return nil, fmt.Errorf("%w: more than %d header fields", ErrBadRequest, lim.MaxHeaders)
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok || name == "" || strings.ContainsAny(name, " \t") {
			return nil, fmt.Errorf("%w: malformed header field", ErrBadRequest)
		}
		key := strings.ToLower(name)
		value = strings.TrimSpace(value)
		if prev, seen := h[key]; seen {
			if key == "content-length" && prev != value {
				return nil, fmt.Errorf("%w: conflicting content-length", ErrBadRequest)
			}
			continue
		}
		h[key] = value
	}
}

func contentLength(h Header) (int64, error) {
	raw, ok := h["content-length"]
	if !ok {
		return 0, nil
	}
	if raw == "" {
		return 0, fmt.Errorf("%w: empty content-length", ErrBadRequest)
	}
	for _, r := range raw {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("%w: malformed content-length %q", ErrBadRequest, raw)
		}
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: malformed content-length %q", ErrBadRequest, raw)
	}
	return n, nil
}

// readLine returns one line without its CRLF or LF terminator. A partial line
// at EOF is a framing error; EOF at a line boundary is returned as io.EOF.
func readLine(br *bufio.Reader, max int) (string, error) {
	var line []byte
	for {
		chunk, err := br.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > max+2 {
			return "", fmt.Errorf("%w: line exceeds %d bytes", ErrBadRequest, max)
		}
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) && len(line) > 0 {
			return "", fmt.Errorf("%w: unexpected end of request", ErrBadRequest)
		}
		return "", err
	}
	line = line[:len(line)-1]
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return string(line), nil
}
