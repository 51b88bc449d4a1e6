package http1_test

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-reactor/api"
	"github.com/momentics/hioload-reactor/protocol/http1"
)

const chunkedHelloWorld = "HTTP/1.1 200 OK\r\n" +
	"Transfer-Encoding: chunked\r\n" +
	"\r\n" +
	"5\r\nhello\r\n6\r\n world\r\n0\r\n\r\n"

// feedAll feeds fragments in order and counts completions.
func feedAll(t *testing.T, p *http1.Parser, fragments ...string) (completions int, leftover []byte) {
	t.Helper()
	for _, f := range fragments {
		done, rest, err := p.Feed([]byte(f))
		require.NoError(t, err)
		if done {
			completions++
		}
		leftover = append(leftover, rest...)
	}
	return completions, leftover
}

func TestParser_ChunkedSingleFeed(t *testing.T) {
	p := http1.NewResponseParser("GET")
	n, leftover := feedAll(t, p, chunkedHelloWorld)
	assert.Equal(t, 1, n)
	assert.Empty(t, leftover)
	assert.Equal(t, http1.BodyChunked, p.Body())
	assert.Equal(t, "hello world", string(p.Response().Body))
	assert.Equal(t, 200, p.Response().StatusCode)
}

func TestParser_ChunkedEverySplitPoint(t *testing.T) {
	for i := 0; i <= len(chunkedHelloWorld); i++ {
		for j := i; j <= len(chunkedHelloWorld); j++ {
			p := http1.NewResponseParser("GET")
			n, _ := feedAll(t, p, chunkedHelloWorld[:i], chunkedHelloWorld[i:j], chunkedHelloWorld[j:])
			require.Equal(t, 1, n, "split %d/%d", i, j)
			require.True(t, p.Completed())
			require.Equal(t, "hello world", string(p.Response().Body), "split %d/%d", i, j)
		}
	}
}

func TestParser_ChunkedByteAtATime(t *testing.T) {
	p := http1.NewResponseParser("GET")
	var frags []string
	for i := range chunkedHelloWorld {
		frags = append(frags, chunkedHelloWorld[i:i+1])
	}
	n, _ := feedAll(t, p, frags...)
	assert.Equal(t, 1, n)
	assert.Equal(t, "hello world", string(p.Response().Body))
}

func TestParser_ChunkExtensionsAndTrailers(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nTransfer-Encoding: gzip, chunked\r\nContent-Length: 99\r\n\r\n" +
		"3;name=value\r\nabc\r\n0\r\nX-Checksum: 42\r\nX-Other: yes\r\n\r\nNEXT"
	p := http1.NewResponseParser("GET")
	n, leftover := feedAll(t, p, raw)
	require.Equal(t, 1, n)
	res := p.Response()
	assert.Equal(t, "abc", string(res.Body))
	assert.Equal(t, "42", res.Trailer.Get("x-checksum"))
	assert.Equal(t, "yes", res.Trailer.Get("X-Other"))
	assert.False(t, res.Header.Has("Content-Length"), "chunked framing drops Content-Length")
	assert.Equal(t, "NEXT", string(leftover))
}

func TestParser_ContentLengthBoundary(t *testing.T) {
	p := http1.NewResponseParser("GET")
	done, _, err := p.Feed([]byte("HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhel"))
	require.NoError(t, err)
	assert.False(t, done)
	assert.True(t, p.HeadersDone())
	assert.False(t, p.Completed())

	done, leftover, err := p.Feed([]byte("lo"))
	require.NoError(t, err)
	assert.True(t, done)
	assert.Empty(t, leftover)
	assert.Equal(t, "hello", string(p.Response().Body))

	done, leftover, err = p.Feed([]byte("spurious"))
	require.NoError(t, err)
	assert.False(t, done, "completion must not fire twice")
	assert.Equal(t, "spurious", string(leftover))
	assert.True(t, p.Completed())
	assert.Equal(t, "hello", string(p.Response().Body))
}

func TestParser_LeftoverAfterFixedBody(t *testing.T) {
	p := http1.NewResponseParser("GET")
	n, leftover := feedAll(t, p, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nokHTTP/1.1")
	assert.Equal(t, 1, n)
	assert.Equal(t, "ok", string(p.Response().Body))
	assert.Equal(t, "HTTP/1.1", string(leftover))
}

func TestParser_NoLengthCompletesAfterHeaders(t *testing.T) {
	p := http1.NewResponseParser("GET")
	n, _ := feedAll(t, p, "HTTP/1.1 200 OK\r\nServer: x\r\n\r\n")
	assert.Equal(t, 1, n)
	assert.Equal(t, http1.BodyNone, p.Body())
	assert.Empty(t, p.Response().Body)
}

func TestParser_CloseDelimitedBody(t *testing.T) {
	p := http1.NewResponseParser("GET")
	n, _ := feedAll(t, p, "HTTP/1.0 200 OK\r\nConnection: close\r\n\r\nsome ", "bytes")
	assert.Equal(t, 0, n)
	assert.Equal(t, http1.BodyUnbounded, p.Body())

	done, err := p.Finish()
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, "some bytes", string(p.Response().Body))

	done, err = p.Finish()
	assert.NoError(t, err)
	assert.False(t, done)
}

func TestParser_HTTP10ResponseFraming(t *testing.T) {
	p := http1.NewResponseParser("GET")
	n, _ := feedAll(t, p, "HTTP/1.0 200 OK\r\nServer: old\r\n\r\nuntil ", "close")
	assert.Equal(t, 0, n, "a 1.0 response without keep-alive ends at close")
	assert.Equal(t, http1.BodyUnbounded, p.Body())
	done, err := p.Finish()
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, "until close", string(p.Response().Body))

	p = http1.NewResponseParser("GET")
	n, leftover := feedAll(t, p, "HTTP/1.0 200 OK\r\nConnection: keep-alive\r\n\r\nnext")
	assert.Equal(t, 1, n)
	assert.Equal(t, http1.BodyNone, p.Body())
	assert.Equal(t, "next", string(leftover))
}

func TestParser_FinishBeforeCompletion(t *testing.T) {
	p := http1.NewResponseParser("GET")
	_, _ = feedAll(t, p, "HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\nabc")
	_, err := p.Finish()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestParser_BodylessResponses(t *testing.T) {
	cases := []struct {
		method string
		head   string
	}{
		{"HEAD", "HTTP/1.1 200 OK\r\nContent-Length: 100\r\n\r\n"},
		{"GET", "HTTP/1.1 204 No Content\r\nContent-Length: 100\r\n\r\n"},
		{"GET", "HTTP/1.1 304 Not Modified\r\nTransfer-Encoding: chunked\r\n\r\n"},
		{"GET", "HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\n\r\n"},
	}
	for _, tc := range cases {
		p := http1.NewResponseParser(tc.method)
		n, leftover := feedAll(t, p, tc.head+"tail")
		assert.Equal(t, 1, n, tc.head)
		assert.Equal(t, "tail", string(leftover), tc.head)
	}
}

func TestParser_PipelinedRequests(t *testing.T) {
	raw := "GET /a HTTP/1.1\r\nHost: x\r\n\r\n" +
		"POST /b?k=v HTTP/1.1\r\nHost: x\r\nContent-Length: 3\r\nCookie: sid=abc; theme=\"dark\"\r\n\r\nxyz"
	p := http1.NewRequestParser()
	done, leftover, err := p.Feed([]byte(raw))
	require.NoError(t, err)
	require.True(t, done)
	first := p.Request()
	assert.Equal(t, "GET", first.Method)
	assert.Equal(t, "/a", first.Path())
	assert.True(t, first.KeepAlive())

	p.Reset()
	done, leftover, err = p.Feed(leftover)
	require.NoError(t, err)
	require.True(t, done)
	assert.Empty(t, leftover)
	second := p.Request()
	assert.Equal(t, "POST", second.Method)
	assert.Equal(t, "/b", second.Path())
	assert.Equal(t, "v", second.Query().Get("k"))
	assert.Equal(t, "xyz", string(second.Body))
	sid, ok := second.Cookie("sid")
	assert.True(t, ok)
	assert.Equal(t, "abc", sid)
	assert.Equal(t, "dark", second.Cookies()["theme"])
}

func TestParser_LeadingBlankLinesAndBareLF(t *testing.T) {
	p := http1.NewRequestParser()
	n, _ := feedAll(t, p, "\r\n", "GET / HTTP/1.0\nHost: y\n\n")
	assert.Equal(t, 1, n)
	assert.Equal(t, "y", p.Request().Header.Get("host"))
	assert.False(t, p.Request().KeepAlive())
}

func TestParser_HeaderLimit(t *testing.T) {
	p := http1.NewRequestParser(http1.WithMaxHeaderBytes(32))
	_, _, err := p.Feed([]byte("GET / HTTP/1.1\r\nX-Long: " + strings.Repeat("a", 64)))
	require.Error(t, err)
	assert.ErrorIs(t, err, http1.ErrHeaderTooLarge)
	assert.Equal(t, api.KindProtocol, api.KindOf(err))

	_, _, again := p.Feed([]byte("\r\n\r\n"))
	assert.Equal(t, err, again, "errors are sticky")
}

func TestParser_BodyLimit(t *testing.T) {
	p := http1.NewRequestParser(http1.WithMaxBodyBytes(4))
	_, _, err := p.Feed([]byte("POST / HTTP/1.1\r\nContent-Length: 5\r\n\r\n"))
	assert.ErrorIs(t, err, http1.ErrBodyTooLarge)

	p = http1.NewRequestParser(http1.WithMaxBodyBytes(4))
	_, _, err = p.Feed([]byte("POST / HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n3\r\nabc\r\n3\r\ndef\r\n"))
	assert.ErrorIs(t, err, http1.ErrBodyTooLarge)
}

func TestParser_Malformed(t *testing.T) {
	cases := map[string]string{
		"start line":          "NONSENSE\r\n\r\n",
		"version":             "GET / HTTP/2.0\r\n\r\n",
		"folding":             "GET / HTTP/1.1\r\nA: b\r\n  c\r\n\r\n",
		"no colon":            "GET / HTTP/1.1\r\nbroken\r\n\r\n",
		"bad name":            "GET / HTTP/1.1\r\nBad Name: x\r\n\r\n",
		"conflicting length":  "POST / HTTP/1.1\r\nContent-Length: 1\r\nContent-Length: 2\r\n\r\n",
		"negative length":     "POST / HTTP/1.1\r\nContent-Length: -1\r\n\r\n",
		"chunk size":          "POST / HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\nzz\r\n",
		"chunk terminator":    "POST / HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n1\r\naXX\r\n",
		"unsupported coding":  "POST / HTTP/1.1\r\nTransfer-Encoding: gzip\r\n\r\n",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := http1.NewRequestParser().Feed([]byte(raw))
			require.Error(t, err)
			assert.True(t, errors.Is(err, http1.ErrMalformed), "%v", err)
		})
	}

	_, _, err := http1.NewResponseParser("GET").Feed([]byte("HTTP/1.1 2x0 OK\r\n\r\n"))
	assert.ErrorIs(t, err, http1.ErrMalformed)
}

func TestHeader_Operations(t *testing.T) {
	var h http1.Header
	h.Add("Set-Cookie", "a=1")
	h.Add("set-cookie", "b=2")
	h.Add("Connection", "keep-alive, Upgrade")
	assert.Equal(t, []string{"a=1", "b=2"}, h.Values("SET-COOKIE"))
	assert.True(t, h.HasToken("connection", "upgrade"))

	h.Set("Set-Cookie", "c=3")
	assert.Equal(t, []string{"c=3"}, h.Values("Set-Cookie"))
	assert.Equal(t, "Set-Cookie", h[0].Name, "Set keeps position")

	h.SetDefault("Connection", "close")
	assert.Equal(t, "keep-alive, Upgrade", h.Get("Connection"))

	clone := h.Clone()
	h.Del("connection")
	assert.False(t, h.Has("Connection"))
	assert.True(t, clone.Has("Connection"))
	assert.NoError(t, clone.Validate())

	bad := http1.Header{{Name: "X", Value: "a\r\nb"}}
	assert.ErrorIs(t, bad.Validate(), http1.ErrMalformed)
}

func TestParseCookies(t *testing.T) {
	got := http1.ParseCookies(` a=1; b = two ;empty=; =skip; flag`)
	assert.Equal(t, map[string]string{"a": "1", "b": "two", "empty": "", "flag": ""}, got)
}
