// File: protocol/http1/message.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package http1

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// DefaultUserAgent is sent by NewRequest when the caller supplies none.
const DefaultUserAgent = "hioload-reactor/1.0"

// Request is an HTTP/1.x request.
type Request struct {
	Method  string
	Target  string // request-target as sent on the wire
	Proto   string
	Header  Header
	Body    []byte
	Trailer Header
}

// Response is an HTTP/1.x response.
type Response struct {
	Proto      string
	StatusCode int
	Reason     string
	Header     Header
	Body       []byte
	Trailer    Header
}

// NewRequest builds a client request for target on host. Host, User-Agent,
// Connection and Accept defaults are added only when header lacks them.
// An empty version means HTTP/1.1.
func NewRequest(method, target, host string, header Header, body []byte, version string) *Request {
	if version == "" {
		version = "HTTP/1.1"
	} else if !strings.HasPrefix(version, "HTTP/") {
		version = "HTTP/" + version
	}
	if target == "" {
		target = "/"
	}
	h := header.Clone()
	h.SetDefault("Host", host)
	h.SetDefault("User-Agent", DefaultUserAgent)
	h.SetDefault("Connection", "close")
	h.SetDefault("Accept", "*/*")
	return &Request{Method: strings.ToUpper(method), Target: target, Proto: version, Header: h, Body: body}
}

// AppendTo serializes r. Content-Length is added for a body unless the
// caller framed it already.
func (r *Request) AppendTo(dst []byte) []byte {
	dst = append(dst, r.Method...)
	dst = append(dst, ' ')
	dst = append(dst, r.Target...)
	dst = append(dst, ' ')
	dst = append(dst, r.Proto...)
	dst = append(dst, "\r\n"...)
	dst = r.Header.AppendTo(dst)
	if len(r.Body) > 0 && !r.Header.Has("Content-Length") && !r.Header.Has("Transfer-Encoding") {
		dst = append(dst, "Content-Length: "...)
		dst = strconv.AppendInt(dst, int64(len(r.Body)), 10)
		dst = append(dst, "\r\n"...)
	}
	dst = append(dst, "\r\n"...)
	return append(dst, r.Body...)
}

// Bytes serializes r into a fresh slice.
func (r *Request) Bytes() []byte { return r.AppendTo(nil) }

// URL parses the request target.
func (r *Request) URL() (*url.URL, error) {
	return url.ParseRequestURI(r.Target)
}

// Path returns the target without its query string.
func (r *Request) Path() string {
	path, _, _ := strings.Cut(r.Target, "?")
	return path
}

// Query returns the decoded query parameters. Malformed pairs are skipped.
func (r *Request) Query() url.Values {
	_, raw, _ := strings.Cut(r.Target, "?")
	v, _ := url.ParseQuery(raw)
	return v
}

// KeepAlive reports whether the connection may carry another request.
func (r *Request) KeepAlive() bool {
	return keepAlive(r.Proto, r.Header)
}

// Cookies returns the pairs of every Cookie header.
func (r *Request) Cookies() map[string]string {
	out := make(map[string]string)
	for _, v := range r.Header.Values("Cookie") {
		for k, val := range ParseCookies(v) {
			out[k] = val
		}
	}
	return out
}

// Cookie returns the named cookie and whether it was present.
func (r *Request) Cookie(name string) (string, bool) {
	v, ok := r.Cookies()[name]
	return v, ok
}

// ParseCookies splits a Cookie header value into name/value pairs.
func ParseCookies(v string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(v, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, _ := strings.Cut(part, "=")
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		value = strings.TrimSpace(value)
		if len(value) >= 2 && value[0] == '"' && value[len(value)-1] == '"' {
			value = value[1 : len(value)-1]
		}
		out[name] = value
	}
	return out
}

func keepAlive(proto string, h Header) bool {
	if h.HasToken("Connection", "close") {
		return false
	}
	if proto == "HTTP/1.0" {
		return h.HasToken("Connection", "keep-alive")
	}
	return true
}

// NewResponse returns an HTTP/1.1 response with the standard reason phrase.
func NewResponse(status int) *Response {
	return &Response{Proto: "HTTP/1.1", StatusCode: status, Reason: http.StatusText(status)}
}

// BodyAllowed reports whether status may carry a body.
func BodyAllowed(status int) bool {
	return status >= 200 && status != 204 && status != 304
}

// KeepAlive reports whether the peer keeps the connection after r.
func (r *Response) KeepAlive() bool {
	return keepAlive(r.Proto, r.Header)
}

// AppendTo serializes r. Content-Length is added when the status allows a
// body and the caller did not frame it. With head set the body is omitted
// but the framing headers still describe it.
func (r *Response) AppendTo(dst []byte, head bool) []byte {
	proto := r.Proto
	if proto == "" {
		proto = "HTTP/1.1"
	}
	reason := r.Reason
	if reason == "" {
		reason = http.StatusText(r.StatusCode)
	}
	dst = append(dst, proto...)
	dst = append(dst, ' ')
	dst = strconv.AppendInt(dst, int64(r.StatusCode), 10)
	dst = append(dst, ' ')
	dst = append(dst, reason...)
	dst = append(dst, "\r\n"...)
	dst = r.Header.AppendTo(dst)
	allowed := BodyAllowed(r.StatusCode)
	if allowed && !r.Header.Has("Content-Length") && !r.Header.Has("Transfer-Encoding") {
		dst = append(dst, "Content-Length: "...)
		dst = strconv.AppendInt(dst, int64(len(r.Body)), 10)
		dst = append(dst, "\r\n"...)
	}
	dst = append(dst, "\r\n"...)
	if head || !allowed {
		return dst
	}
	return append(dst, r.Body...)
}

// Bytes serializes r into a fresh slice.
func (r *Response) Bytes() []byte { return r.AppendTo(nil, false) }

// AppendChunk appends p as one chunk. An empty p is skipped; use
// AppendLastChunk to terminate the body.
func AppendChunk(dst, p []byte) []byte {
	if len(p) == 0 {
		return dst
	}
	dst = strconv.AppendUint(dst, uint64(len(p)), 16)
	dst = append(dst, "\r\n"...)
	dst = append(dst, p...)
	return append(dst, "\r\n"...)
}

// AppendLastChunk terminates a chunked body with optional trailers.
func AppendLastChunk(dst []byte, trailer Header) []byte {
	dst = append(dst, "0\r\n"...)
	dst = trailer.AppendTo(dst)
	return append(dst, "\r\n"...)
}
