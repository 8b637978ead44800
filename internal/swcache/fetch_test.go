package swcache

import (
	"context"
	stderrors "errors"
	"io"
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const origin = "http://origin.internal:3000"

func newMockedFetcher(t *testing.T) (*OriginFetcher, *httpmock.MockTransport) {
	t.Helper()
	mt := httpmock.NewMockTransport()
	return NewOriginFetcher(&http.Client{Transport: mt}, scope, origin), mt
}

func TestOriginFetcherRewritesToOrigin(t *testing.T) {
	t.Parallel()
	f, mt := newMockedFetcher(t)

	var seen *http.Request
	mt.RegisterResponder(http.MethodGet, origin+"/blog/hello",
		func(req *http.Request) (*http.Response, error) {
			seen = req
			resp := httpmock.NewStringResponse(http.StatusOK, "<p>hello</p>")
			resp.Header.Set("Content-Type", "text/html")
			resp.Header.Set("Content-Length", "12")
			resp.Header.Set("Connection", "keep-alive")
			resp.Header.Set("ETag", `"abc"`)
			return resp, nil
		})

	req := NewRequest(scope + "/blog/hello")
	req.Header = http.Header{
		"Accept":          {"text/html"},
		"Accept-Encoding": {"gzip, br"},
		"Connection":      {"Upgrade"},
	}
	resp, err := f.Fetch(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "OK", resp.StatusText)
	assert.Equal(t, "<p>hello</p>", string(resp.Body))
	assert.Equal(t, "text/html", resp.Header.Get("Content-Type"))
	assert.Equal(t, `"abc"`, resp.Header.Get("ETag"))
	assert.Empty(t, resp.Header.Get("Content-Length"))
	assert.Empty(t, resp.Header.Get("Connection"))

	require.NotNil(t, seen)
	assert.Equal(t, "text/html", seen.Header.Get("Accept"))
	assert.Equal(t, "identity", seen.Header.Get("Accept-Encoding"))
	assert.Empty(t, seen.Header.Get("Connection"))
	assert.Equal(t, "codingbullz.com", seen.Header.Get("X-Forwarded-Host"))
	assert.Equal(t, "https", seen.Header.Get("X-Forwarded-Proto"))
}

func TestOriginFetcherForwardsBody(t *testing.T) {
	t.Parallel()
	f, mt := newMockedFetcher(t)

	var body string
	mt.RegisterResponder(http.MethodPost, origin+"/api/v1/testimonials",
		func(req *http.Request) (*http.Response, error) {
			b, err := io.ReadAll(req.Body)
			if err != nil {
				return nil, err
			}
			body = string(b)
			return httpmock.NewStringResponse(http.StatusCreated, `{"id":1}`), nil
		})

	resp, err := f.Fetch(context.Background(), &Request{
		URL:    scope + "/api/v1/testimonials",
		Method: http.MethodPost,
		Body:   []byte(`{"name":"ada"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.Status)
	assert.Equal(t, `{"name":"ada"}`, body)
}

func TestOriginFetcherReturnsNon2xx(t *testing.T) {
	t.Parallel()
	f, mt := newMockedFetcher(t)
	mt.RegisterResponder(http.MethodGet, origin+"/gone", httpmock.NewStringResponder(http.StatusNotFound, "not here"))

	resp, err := f.Fetch(context.Background(), NewRequest(scope+"/gone"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.Status)
	assert.False(t, resp.OK())
}

func TestOriginFetcherTransportError(t *testing.T) {
	t.Parallel()
	f, mt := newMockedFetcher(t)
	cause := stderrors.New("connection refused")
	mt.RegisterResponder(http.MethodGet, origin+"/down", httpmock.NewErrorResponder(cause))

	_, err := f.Fetch(context.Background(), NewRequest(scope+"/down"))
	require.Error(t, err)
	assert.Equal(t, errors.CodeNetwork, errors.GetCode(err))
	assert.ErrorIs(t, err, cause)
}

func TestOriginFetcherTarget(t *testing.T) {
	t.Parallel()
	f := NewOriginFetcher(nil, scope, origin)

	tests := []struct {
		in   string
		want string
	}{
		{scope, origin},
		{scope + "/", origin + "/"},
		{scope + "?q=1", origin + "?q=1"},
		{scope + "/a/b?c=d", origin + "/a/b?c=d"},
		{"https://codingbullz.com.evil.example/x", "https://codingbullz.com.evil.example/x"},
		{"https://cdn.example/lib.js", "https://cdn.example/lib.js"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, f.target(tt.in), tt.in)
	}

	same := NewOriginFetcher(nil, origin, origin)
	assert.Equal(t, origin+"/x", same.target(origin+"/x"))
}
