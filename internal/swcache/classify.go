package swcache

import (
	"path"
	"strings"
)

// Classify picks the strategy for req. ok is false when the request is not
// intercepted at all (non-http(s) schemes and unparseable URLs).
//
// Order matters: a document navigation to an API URL is still a document,
// and an API URL ending in .js is still API traffic.
func Classify(req *Request, cfg *WorkerConfig) (class Class, ok bool) {
	u, err := req.parsedURL()
	if err != nil {
		return ClassDefault, false
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return ClassDefault, false
	}

	if req.Destination == "document" {
		return ClassDocument, true
	}
	if isAPIRequest(req.URL, cfg) {
		return ClassAPI, true
	}
	if isStaticAsset(u.Path, cfg) {
		return ClassStatic, true
	}
	return ClassDefault, true
}

func isAPIRequest(rawURL string, cfg *WorkerConfig) bool {
	for _, re := range cfg.APIPatterns {
		if re.MatchString(rawURL) {
			return true
		}
	}
	return false
}

func isStaticAsset(p string, cfg *WorkerConfig) bool {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(p), "."))
	if ext == "" {
		return false
	}
	for _, e := range cfg.StaticExtensions {
		if e == ext {
			return true
		}
	}
	return false
}
