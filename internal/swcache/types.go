package swcache

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"swcache/internal/cachestore"
)

// Request is a read-only description of an intercepted request.
type Request struct {
	URL    string
	Method string
	// Destination is the kind of resource requested ("document", "image",
	// "script", ...). Empty when unknown.
	Destination string
	Header      http.Header
	Body        []byte
}

// NewRequest returns a GET request for rawURL with no destination.
func NewRequest(rawURL string) *Request {
	return &Request{URL: rawURL, Method: http.MethodGet}
}

func (r *Request) method() string {
	if r.Method == "" {
		return http.MethodGet
	}
	return r.Method
}

// Key is the cache identity of the request.
func (r *Request) Key() cachestore.Key {
	return cachestore.Key{Method: r.method(), URL: r.URL}
}

func (r *Request) isGET() bool { return r.method() == http.MethodGet }

func (r *Request) parsedURL() (*url.URL, error) { return url.Parse(r.URL) }

// Class is the strategy a request is routed to.
type Class int

const (
	ClassDefault Class = iota
	ClassDocument
	ClassAPI
	ClassStatic
)

func (c Class) String() string {
	switch c {
	case ClassDocument:
		return "document"
	case ClassAPI:
		return "api"
	case ClassStatic:
		return "static"
	default:
		return "default"
	}
}

// Source says where a delivered response came from.
type Source string

const (
	SourceNetwork     Source = "network"
	SourceCache       Source = "cache"
	SourceOfflinePage Source = "offline-page"
	SourceSynthesized Source = "synthesized"
	SourcePlaceholder Source = "placeholder"
)

// Task is a detached continuation. The caller decides how and whether to run
// it; the response it accompanies never waits for it.
type Task func(ctx context.Context)

// Event is a platform event handed to Worker.Dispatch.
type Event interface{ isEvent() }

type InstallEvent struct{}

type ActivateEvent struct{}

type FetchEvent struct {
	Request *Request
}

// Message types understood by MessageEvent.
const (
	MessageSkipWaiting = "SKIP_WAITING"
	MessageCacheURLs   = "CACHE_URLS"
)

type MessageEvent struct {
	Type string   `json:"type"`
	URLs []string `json:"urls,omitempty"`
}

// SyncTagBackground is the only recognized sync tag.
const SyncTagBackground = "background-sync"

type SyncEvent struct {
	Tag string `json:"tag"`
}

type PushEvent struct {
	// Data is the push payload; nil means the push carried none.
	Data []byte
}

type NotificationClickEvent struct{}

func (InstallEvent) isEvent()           {}
func (ActivateEvent) isEvent()          {}
func (FetchEvent) isEvent()             {}
func (MessageEvent) isEvent()           {}
func (SyncEvent) isEvent()              {}
func (PushEvent) isEvent()              {}
func (NotificationClickEvent) isEvent() {}

// Action is what the platform should do in reply to an event.
type Action interface{ isAction() }

// Respond claims a fetch with a response.
type Respond struct {
	Response   *cachestore.Response
	Source     Source
	Class      Class
	Background Task
}

// Decline leaves a fetch to the platform.
type Decline struct{}

// Done finishes a non-fetch event.
type Done struct {
	SkipWaiting       bool
	ClaimClients      bool
	Notification      *Notification
	CloseNotification bool
	OpenWindow        string
	Background        Task
}

func (Respond) isAction() {}
func (Decline) isAction() {}
func (Done) isAction()    {}

// Notification is a rendered push notification.
type Notification struct {
	Title   string
	Body    string
	Icon    string
	Badge   string
	Vibrate []int
	Data    NotificationData
}

type NotificationData struct {
	DateOfArrival time.Time
	PrimaryKey    int
}

// State is the worker lifecycle state.
type State int

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
)

func (s State) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	default:
		return "parsed"
	}
}
