// File: protocol/http1/parser.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Incremental message parser. Bytes may be fed in any fragmentation; all
// partial state (header bytes, chunk size lines, chunk remainders) lives in
// the Parser between calls.

package http1

import (
	"bytes"
	"io"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// DefaultMaxHeaderBytes bounds the header section, start line included.
const DefaultMaxHeaderBytes = 64 << 10

// BodyState is how the body of the current message is delimited.
type BodyState int

const (
	// BodyNone: the message ends with its header section.
	BodyNone BodyState = iota
	// BodyFixed: Content-Length bytes follow.
	BodyFixed
	// BodyChunked: chunked transfer coding.
	BodyChunked
	// BodyUnbounded: the body runs until the connection closes.
	BodyUnbounded
)

func (b BodyState) String() string {
	switch b {
	case BodyNone:
		return "none"
	case BodyFixed:
		return "fixed"
	case BodyChunked:
		return "chunked"
	case BodyUnbounded:
		return "unbounded"
	}
	return "BodyState(" + strconv.Itoa(int(b)) + ")"
}

type phase int

const (
	phaseHead phase = iota
	phaseBody
	phaseDone
)

type chunkPhase int

const (
	chunkSize chunkPhase = iota
	chunkData
	chunkDataEnd
	chunkTrailer
)

// ParserOption customizes a Parser.
type ParserOption func(*Parser)

// WithMaxHeaderBytes overrides DefaultMaxHeaderBytes.
func WithMaxHeaderBytes(n int) ParserOption {
	return func(p *Parser) { p.maxHeader = n }
}

// WithMaxBodyBytes caps the decoded body. Zero means no cap.
func WithMaxBodyBytes(n int64) ParserOption {
	return func(p *Parser) { p.maxBody = n }
}

// Parser decodes one HTTP/1.x message at a time. Reset prepares it for the
// next message on the same connection.
type Parser struct {
	response  bool
	method    string // request method a response answers
	maxHeader int
	maxBody   int64

	phase     phase
	pending   []byte // unterminated header section or chunk line
	body      BodyState
	remaining int64
	chunk     chunkPhase
	completed bool
	err       error

	req *Request
	res *Response
}

// NewRequestParser parses requests, as a server does.
func NewRequestParser(opts ...ParserOption) *Parser {
	p := &Parser{maxHeader: DefaultMaxHeaderBytes}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewResponseParser parses the response to a request sent with method.
// Responses to HEAD never carry a body.
func NewResponseParser(method string, opts ...ParserOption) *Parser {
	p := NewRequestParser(opts...)
	p.response = true
	p.method = method
	return p
}

// Reset discards all state so the next Feed starts a new message.
func (p *Parser) Reset() {
	*p = Parser{response: p.response, method: p.method, maxHeader: p.maxHeader, maxBody: p.maxBody}
}

// HeadersDone reports whether the header section has been parsed.
func (p *Parser) HeadersDone() bool { return p.phase != phaseHead }

// Completed reports whether the whole message has been parsed.
func (p *Parser) Completed() bool { return p.completed }

// Body returns how the current message body is delimited. Valid once
// HeadersDone.
func (p *Parser) Body() BodyState { return p.body }

// Request returns the parsed request, or nil before its headers are done.
func (p *Parser) Request() *Request { return p.req }

// Response returns the parsed response, or nil before its headers are done.
func (p *Parser) Response() *Response { return p.res }

// Feed consumes data. done is true only on the call that completes the
// message. leftover holds bytes past the end of the message (the start of
// a pipelined message); it may alias data. After completion Feed returns
// data unchanged as leftover. Errors are sticky.
func (p *Parser) Feed(data []byte) (done bool, leftover []byte, err error) {
	if p.err != nil {
		return false, nil, p.err
	}
	if p.phase == phaseDone {
		return false, data, nil
	}
	if p.phase == phaseHead {
		data, err = p.feedHead(data)
		if err != nil || p.phase == phaseHead {
			return false, nil, p.fail(err)
		}
	}
	switch p.body {
	case BodyNone:
	case BodyFixed:
		n := int64(len(data))
		if n > p.remaining {
			n = p.remaining
		}
		if err := p.appendBody(data[:n]); err != nil {
			return false, nil, p.fail(err)
		}
		p.remaining -= n
		data = data[n:]
		if p.remaining > 0 {
			return false, nil, nil
		}
	case BodyChunked:
		data, err = p.feedChunked(data)
		if err != nil || p.phase != phaseDone {
			return false, nil, p.fail(err)
		}
		return true, data, nil
	case BodyUnbounded:
		return false, nil, p.fail(p.appendBody(data))
	}
	p.complete()
	return true, data, nil
}

// Finish signals end of stream. It completes an unbounded body; for any
// other incomplete message it returns io.ErrUnexpectedEOF.
func (p *Parser) Finish() (bool, error) {
	if p.err != nil {
		return false, p.err
	}
	if p.phase == phaseDone {
		return false, nil
	}
	if p.phase == phaseBody && p.body == BodyUnbounded {
		p.complete()
		return true, nil
	}
	return false, io.ErrUnexpectedEOF
}

func (p *Parser) fail(err error) error {
	if err != nil {
		p.err = err
	}
	return err
}

func (p *Parser) complete() {
	p.phase = phaseDone
	p.completed = true
	p.pending = nil
}

func (p *Parser) appendBody(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	body := p.bodyPtr()
	if p.maxBody > 0 && int64(len(*body)+len(b)) > p.maxBody {
		return tooLarge(ErrBodyTooLarge, p.maxBody)
	}
	*body = append(*body, b...)
	return nil
}

func (p *Parser) bodyPtr() *[]byte {
	if p.response {
		return &p.res.Body
	}
	return &p.req.Body
}

func (p *Parser) header() *Header {
	if p.response {
		return &p.res.Header
	}
	return &p.req.Header
}

func (p *Parser) trailer() *Header {
	if p.response {
		return &p.res.Trailer
	}
	return &p.req.Trailer
}

// headerEnd finds the blank line ending the header section, tolerating bare
// LF line endings. It returns the index of the blank line and its length.
func headerEnd(b []byte) (int, int) {
	crlf := bytes.Index(b, []byte("\r\n\r\n"))
	lf := bytes.Index(b, []byte("\n\n"))
	switch {
	case crlf < 0 && lf < 0:
		return -1, 0
	case lf < 0 || (crlf >= 0 && crlf < lf):
		return crlf, 4
	default:
		return lf, 2
	}
}

func (p *Parser) feedHead(data []byte) ([]byte, error) {
	// Leading blank lines before a request are ignored (RFC 9112 2.2).
	if len(p.pending) == 0 {
		data = bytes.TrimLeft(data, "\r\n")
		if len(data) == 0 {
			return nil, nil
		}
	}
	p.pending = append(p.pending, data...)
	end, sep := headerEnd(p.pending)
	if end < 0 {
		if len(p.pending) > p.maxHeader {
			return nil, tooLarge(ErrHeaderTooLarge, int64(p.maxHeader))
		}
		return nil, nil
	}
	if end > p.maxHeader {
		return nil, tooLarge(ErrHeaderTooLarge, int64(p.maxHeader))
	}
	head := string(p.pending[:end])
	rest := p.pending[end+sep:]
	p.pending = nil
	if err := p.parseHead(head); err != nil {
		return nil, err
	}
	p.phase = phaseBody
	return rest, nil
}

func (p *Parser) parseHead(head string) error {
	lines := strings.Split(head, "\n")
	for i := range lines {
		lines[i] = strings.TrimSuffix(lines[i], "\r")
	}
	var h Header
	if err := parseFields(lines[1:], &h); err != nil {
		return err
	}
	if p.response {
		res, err := parseStatusLine(lines[0])
		if err != nil {
			return err
		}
		res.Header = h
		p.res = res
	} else {
		req, err := parseRequestLine(lines[0])
		if err != nil {
			return err
		}
		req.Header = h
		p.req = req
	}
	return p.framing()
}

func parseFields(lines []string, h *Header) error {
	for _, line := range lines {
		if line == "" {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			return malformed("obsolete line folding")
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return malformed("header line without colon: %q", line)
		}
		value = strings.Trim(value, " \t")
		if !httpguts.ValidHeaderFieldName(name) {
			return malformed("invalid header name %q", name)
		}
		if !httpguts.ValidHeaderFieldValue(value) {
			return malformed("invalid value for header %q", name)
		}
		h.Add(name, value)
	}
	return nil
}

func parseRequestLine(line string) (*Request, error) {
	method, rest, ok1 := strings.Cut(line, " ")
	target, proto, ok2 := strings.Cut(rest, " ")
	if !ok1 || !ok2 || method == "" || target == "" {
		return nil, malformed("bad request line %q", line)
	}
	if !httpguts.ValidHeaderFieldName(method) {
		return nil, malformed("bad method %q", method)
	}
	if _, _, ok := parseVersion(proto); !ok {
		return nil, malformed("bad protocol version %q", proto)
	}
	return &Request{Method: method, Target: target, Proto: proto}, nil
}

func parseStatusLine(line string) (*Response, error) {
	proto, rest, ok := strings.Cut(line, " ")
	if !ok {
		return nil, malformed("bad status line %q", line)
	}
	if _, _, ok := parseVersion(proto); !ok {
		return nil, malformed("bad protocol version %q", proto)
	}
	code, reason, _ := strings.Cut(rest, " ")
	status, err := strconv.Atoi(code)
	if err != nil || len(code) != 3 || status < 100 {
		return nil, malformed("bad status code %q", code)
	}
	return &Response{Proto: proto, StatusCode: status, Reason: reason}, nil
}

func parseVersion(proto string) (major, minor int, ok bool) {
	if !strings.HasPrefix(proto, "HTTP/") || len(proto) != len("HTTP/1.1") || proto[6] != '.' {
		return 0, 0, false
	}
	major, minor = int(proto[5]-'0'), int(proto[7]-'0')
	if major != 1 || minor < 0 || minor > 9 {
		return 0, 0, false
	}
	return major, minor, true
}

// framing picks the BodyState from the parsed header section.
func (p *Parser) framing() error {
	h := *p.header()
	if p.response {
		code := p.res.StatusCode
		if p.method == "HEAD" || (code >= 100 && code < 200) || code == 204 || code == 304 {
			p.body = BodyNone
			return nil
		}
	}
	if te := h.Values("Transfer-Encoding"); len(te) > 0 {
		codings := strings.Split(strings.Join(te, ","), ",")
		if !strings.EqualFold(strings.TrimSpace(codings[len(codings)-1]), "chunked") {
			if !p.response {
				return malformed("unsupported transfer coding %q", strings.Join(te, ","))
			}
			p.body = BodyUnbounded
			return nil
		}
		// Chunked framing wins over any Content-Length.
		p.header().Del("Content-Length")
		p.body = BodyChunked
		p.chunk = chunkSize
		return nil
	}
	if cl := h.Values("Content-Length"); len(cl) > 0 {
		n, err := contentLength(cl)
		if err != nil {
			return err
		}
		if n == 0 {
			p.body = BodyNone
			return nil
		}
		if p.maxBody > 0 && n > p.maxBody {
			return tooLarge(ErrBodyTooLarge, p.maxBody)
		}
		p.body = BodyFixed
		p.remaining = n
		return nil
	}
	if p.response && (h.HasToken("Connection", "close") ||
		(p.res.Proto == "HTTP/1.0" && !h.HasToken("Connection", "keep-alive"))) {
		p.body = BodyUnbounded
		return nil
	}
	p.body = BodyNone
	return nil
}

func contentLength(values []string) (int64, error) {
	var n int64 = -1
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			m, err := strconv.ParseInt(part, 10, 64)
			if err != nil || m < 0 || part[0] == '+' {
				return 0, malformed("bad Content-Length %q", v)
			}
			if n >= 0 && m != n {
				return 0, malformed("conflicting Content-Length values")
			}
			n = m
		}
	}
	return n, nil
}

// line takes bytes up to and including the next LF, buffering partial lines
// in p.pending. ok is false when data ran out first.
func (p *Parser) line(data []byte) (line string, rest []byte, ok bool, err error) {
	i := bytes.IndexByte(data, '\n')
	if i < 0 {
		p.pending = append(p.pending, data...)
		if len(p.pending) > p.maxHeader {
			return "", nil, false, tooLarge(ErrHeaderTooLarge, int64(p.maxHeader))
		}
		return "", nil, false, nil
	}
	full := append(p.pending, data[:i]...)
	p.pending = nil
	return strings.TrimSuffix(string(full), "\r"), data[i+1:], true, nil
}

func (p *Parser) feedChunked(data []byte) ([]byte, error) {
	for p.phase != phaseDone {
		switch p.chunk {
		case chunkSize:
			line, rest, ok, err := p.line(data)
			if err != nil || !ok {
				return nil, err
			}
			data = rest
			size, _, _ := strings.Cut(line, ";")
			size = strings.TrimSpace(size)
			n, err := strconv.ParseUint(size, 16, 63)
			if err != nil || size == "" {
				return nil, malformed("bad chunk size %q", line)
			}
			if n == 0 {
				p.chunk = chunkTrailer
			} else {
				p.remaining = int64(n)
				p.chunk = chunkData
			}
		case chunkData:
			if len(data) == 0 {
				return nil, nil
			}
			n := int64(len(data))
			if n > p.remaining {
				n = p.remaining
			}
			if err := p.appendBody(data[:n]); err != nil {
				return nil, err
			}
			p.remaining -= n
			data = data[n:]
			if p.remaining == 0 {
				p.chunk = chunkDataEnd
			}
		case chunkDataEnd:
			line, rest, ok, err := p.line(data)
			if err != nil || !ok {
				return nil, err
			}
			if line != "" {
				return nil, malformed("missing CRLF after chunk data")
			}
			data = rest
			p.chunk = chunkSize
		case chunkTrailer:
			line, rest, ok, err := p.line(data)
			if err != nil || !ok {
				return nil, err
			}
			data = rest
			if line == "" {
				p.complete()
				break
			}
			if err := parseFields([]string{line}, p.trailer()); err != nil {
				return nil, err
			}
		}
	}
	return data, nil
}
