package swcache

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	t.Parallel()
	cfg := DefaultWorkerConfig()

	tests := []struct {
		name   string
		req    *Request
		want   Class
		wantOK bool
	}{
		{
			name:   "navigation is a document",
			req:    &Request{URL: scope + "/about", Destination: "document"},
			want:   ClassDocument,
			wantOK: true,
		},
		{
			name:   "navigation to an api url is still a document",
			req:    &Request{URL: scope + "/api/v1/blog-posts/", Destination: "document"},
			want:   ClassDocument,
			wantOK: true,
		},
		{
			name:   "api read",
			req:    &Request{URL: scope + "/api/v1/projects/42"},
			want:   ClassAPI,
			wantOK: true,
		},
		{
			name:   "api write",
			req:    &Request{URL: scope + "/api/v1/testimonials", Method: http.MethodPost},
			want:   ClassAPI,
			wantOK: true,
		},
		{
			name:   "api url with a static extension stays api",
			req:    &Request{URL: scope + "/api/v1/services/export.js"},
			want:   ClassAPI,
			wantOK: true,
		},
		{
			name:   "api pattern on another host is not api",
			req:    &Request{URL: "https://evil.example/api/v1/blog-posts"},
			want:   ClassDefault,
			wantOK: true,
		},
		{
			name:   "unlisted api path",
			req:    &Request{URL: scope + "/api/v1/contact"},
			want:   ClassDefault,
			wantOK: true,
		},
		{
			name:   "script asset",
			req:    &Request{URL: scope + "/static/js/bundle.js", Destination: "script"},
			want:   ClassStatic,
			wantOK: true,
		},
		{
			name:   "extension match is case insensitive",
			req:    &Request{URL: scope + "/img/LOGO.PNG", Destination: "image"},
			want:   ClassStatic,
			wantOK: true,
		},
		{
			name:   "query string does not hide the extension",
			req:    &Request{URL: scope + "/fonts/inter.woff2?v=3"},
			want:   ClassStatic,
			wantOK: true,
		},
		{
			name:   "unknown extension",
			req:    &Request{URL: scope + "/data/report.pdf"},
			want:   ClassDefault,
			wantOK: true,
		},
		{
			name:   "no extension",
			req:    &Request{URL: scope + "/sitemap"},
			want:   ClassDefault,
			wantOK: true,
		},
		{
			name:   "non-http scheme is declined",
			req:    &Request{URL: "chrome-extension://abc/script.js"},
			wantOK: false,
		},
		{
			name:   "data url is declined",
			req:    &Request{URL: "data:text/plain,hello"},
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := Classify(tt.req, &cfg)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.want, got, "Classify(%q)", tt.req.URL)
			}
		})
	}
}

func TestClassifyIsDeterministic(t *testing.T) {
	t.Parallel()
	cfg := DefaultWorkerConfig()
	reqs := []*Request{
		{URL: scope + "/"},
		{URL: scope + "/", Destination: "document"},
		{URL: scope + "/api/v1/blog-posts", Method: http.MethodDelete},
		{URL: scope + "/favicon.ico", Destination: "image"},
	}
	for _, req := range reqs {
		first, firstOK := Classify(req, &cfg)
		for range 50 {
			got, ok := Classify(req, &cfg)
			assert.Equal(t, first, got)
			assert.Equal(t, firstOK, ok)
		}
	}
}

func TestClassString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "document", ClassDocument.String())
	assert.Equal(t, "api", ClassAPI.String())
	assert.Equal(t, "static", ClassStatic.String())
	assert.Equal(t, "default", ClassDefault.String())
}
