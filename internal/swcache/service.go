package swcache

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jmgilman/go/errors"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"swcache/internal/cachestore"
)

const (
	headerSource = "X-Swcache"

	maxBackground     = 32
	backgroundTimeout = 30 * time.Second
	maxRequestBody    = 10 << 20
)

// Deps overrides the collaborators NewService would otherwise build from
// the config. Zero fields get the default.
type Deps struct {
	Storage  cachestore.Storage
	Fetcher  Fetcher
	Notifier Notifier
	Clock    func() time.Time
}

// Service binds a Worker to HTTP: intercepted requests arrive on the
// catch-all route, lifecycle and push events on the control endpoints.
type Service struct {
	cfg Config
	log *slog.Logger

	storage  cachestore.Storage
	fetcher  Fetcher
	notifier Notifier
	worker   *Worker
	metrics  *Metrics
	registry *prometheus.Registry
	echo     *echo.Echo

	ctx    context.Context
	cancel context.CancelFunc

	bgSem  chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
	// trackMu orders wg.Add against Close.
	trackMu  sync.Mutex
	stopping bool

	dropLog *rateLimitedLogger
	stats   *statsCollector

	lifecycleMu sync.Mutex
	controlling atomic.Bool
	closeOnce   sync.Once
}

func NewService(cfg Config, log *slog.Logger, deps Deps) (*Service, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	storage := deps.Storage
	if storage == nil {
		var err error
		if storage, err = OpenStorage(cfg); err != nil {
			return nil, err
		}
	}

	fetcher := deps.Fetcher
	if fetcher == nil {
		fetcher = NewOriginFetcher(&http.Client{Timeout: cfg.fetchTimeout}, cfg.Server.PublicURL, cfg.Server.Origin)
	}

	notifier := deps.Notifier
	if notifier == nil {
		ns := multiNotifier{NewLogNotifier(log)}
		if len(cfg.Notifications.URLs) > 0 {
			sn, err := NewShoutrrrNotifier(cfg.Notifications.URLs)
			if err != nil {
				_ = storage.Close()
				return nil, err
			}
			ns = append(ns, sn)
		}
		notifier = ns
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := NewMetrics(reg)

	opts := []Option{WithMetrics(metrics)}
	if deps.Clock != nil {
		opts = append(opts, WithClock(deps.Clock))
	}
	worker, err := NewWorker(cfg.Worker(), storage, fetcher, log, opts...)
	if err != nil {
		_ = storage.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:      cfg,
		log:      log,
		storage:  storage,
		fetcher:  fetcher,
		notifier: notifier,
		worker:   worker,
		metrics:  metrics,
		registry: reg,
		ctx:      ctx,
		cancel:   cancel,
		bgSem:    make(chan struct{}, maxBackground),
		stopCh:   make(chan struct{}),
		dropLog:  newRateLimitedLogger(log, time.Minute),
	}
	if cfg.logStatsEveryDur > 0 {
		s.stats = newStatsCollector()
	}
	s.echo = s.newRouter()
	return s, nil
}

// OpenStorage opens the storage driver named in the config.
func OpenStorage(cfg Config) (cachestore.Storage, error) {
	switch cfg.Storage.Driver {
	case "memory":
		return cachestore.NewMemoryStorage(), nil
	default:
		return cachestore.OpenLevelDB(cfg.Storage.Path, cachestore.LevelDBOptions{
			MaxBytes: cfg.diskMax,
			HotBytes: cfg.ramMax,
		})
	}
}

// Start installs and activates the worker, then starts the periodic loops.
// Install failures are logged; the service still comes up.
func (s *Service) Start(ctx context.Context) {
	act, err := s.worker.Dispatch(ctx, InstallEvent{})
	if err != nil {
		s.log.Error("install failed", "error", err)
		return
	}
	s.apply(ctx, act)

	if s.stats != nil && s.track() {
		go func() {
			defer s.wg.Done()
			s.statsLoop(s.cfg.logStatsEveryDur)
		}()
	}
	s.startSitemapPrecache()
}

func (s *Service) Close() {
	s.closeOnce.Do(func() {
		s.trackMu.Lock()
		s.stopping = true
		close(s.stopCh)
		s.trackMu.Unlock()

		s.cancel()
		s.wg.Wait()
		if err := s.storage.Close(); err != nil {
			s.log.Warn("close storage", "error", err)
		}
	})
}

func (s *Service) Handler() http.Handler {
	return s.echo
}

// Worker exposes the engine for tooling.
func (s *Service) Worker() *Worker { return s.worker }

func (s *Service) newRouter() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			s.log.Error("handler panic",
				"path", c.Request().URL.Path,
				"request_id", c.Response().Header().Get(echo.HeaderXRequestID),
				"error", err,
				"stack", string(stack),
			)
			return err
		},
	}))

	g := e.Group(s.cfg.Server.ControlPrefix)
	g.POST("/message", s.handleMessage)
	g.POST("/sync", s.handleSync)
	g.POST("/push", s.handlePush)
	g.POST("/notificationclick", s.handleNotificationClick)
	g.GET("/state", s.handleState)
	g.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))

	e.Any("/*", s.handleFetch)
	return e
}

func (s *Service) handleFetch(c echo.Context) error {
	r := c.Request()
	req, err := s.toRequest(r)
	if errors.Is(err, errBodyTooLarge) {
		setSourceHeaders(c.Response().Header(), "rejected")
		return c.String(http.StatusRequestEntityTooLarge, "request body too large")
	}
	if err != nil {
		return writeBadGateway(c)
	}

	if !s.controlling.Load() {
		return s.passThrough(c, req)
	}

	act, err := s.worker.Dispatch(r.Context(), FetchEvent{Request: req})
	if err != nil {
		s.log.Info("request failed", "method", req.method(), "url", req.URL, "error", err)
		return writeBadGateway(c)
	}
	switch a := act.(type) {
	case Respond:
		s.runBackground(a.Background)
		s.observe(a.Response)
		return writeResponse(c, a.Response, string(a.Source))
	default:
		return s.passThrough(c, req)
	}
}

func (s *Service) toRequest(r *http.Request) (*Request, error) {
	var body []byte
	if r.Body != nil {
		b, err := readBody(r.Body)
		if err != nil {
			return nil, err
		}
		body = b
	}
	dest := r.Header.Get("Sec-Fetch-Dest")
	if dest == "empty" {
		dest = ""
	}
	return &Request{
		URL:         s.cfg.Server.PublicURL + r.URL.RequestURI(),
		Method:      r.Method,
		Destination: dest,
		Header:      r.Header.Clone(),
		Body:        body,
	}, nil
}

var errBodyTooLarge = errors.Newf(errors.CodeInvalidInput, "request body exceeds %d bytes", maxRequestBody)

// readBody reads at most maxRequestBody bytes. A longer body is an error,
// never a truncated read.
func readBody(r io.Reader) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, maxRequestBody+1))
	if err != nil {
		return nil, err
	}
	if len(b) > maxRequestBody {
		return nil, errBodyTooLarge
	}
	return b, nil
}

// passThrough serves a request the worker does not handle.
func (s *Service) passThrough(c echo.Context, req *Request) error {
	resp, err := s.fetcher.Fetch(c.Request().Context(), req)
	if err != nil {
		s.log.Info("pass-through failed", "url", req.URL, "error", err)
		return writeBadGateway(c)
	}
	return writeResponse(c, resp, "bypass")
}

func (s *Service) observe(resp *cachestore.Response) {
	if s.stats != nil && resp != nil {
		s.stats.Observe(len(resp.Body))
	}
}

// runBackground starts task detached from the request. When the pool is
// full the task is dropped.
func (s *Service) runBackground(task Task) {
	if task == nil {
		return
	}
	if !s.track() {
		return
	}
	select {
	case s.bgSem <- struct{}{}:
	default:
		s.wg.Done()
		s.metrics.backgroundDropped()
		s.dropLog.Warn("background pool full, dropping task", "limit", cap(s.bgSem))
		return
	}

	go func() {
		defer s.wg.Done()
		defer func() { <-s.bgSem }()
		ctx, cancel := context.WithTimeout(s.ctx, backgroundTimeout)
		defer cancel()
		task(ctx)
	}()
}

// track adds one goroutine to the wait group unless Close has begun.
func (s *Service) track() bool {
	s.trackMu.Lock()
	defer s.trackMu.Unlock()
	if s.stopping {
		return false
	}
	s.wg.Add(1)
	return true
}

// apply carries out a Done action. SkipWaiting from an installed worker
// moves it on to activation.
func (s *Service) apply(ctx context.Context, act Action) {
	d, ok := act.(Done)
	if !ok {
		return
	}
	if d.Notification != nil {
		if err := s.notifier.Notify(ctx, d.Notification); err != nil {
			s.log.Warn("notification delivery failed", "error", err)
		}
	}
	s.runBackground(d.Background)
	if d.ClaimClients {
		s.controlling.Store(true)
	}
	if !d.SkipWaiting {
		return
	}

	s.lifecycleMu.Lock()
	if s.worker.State() != StateInstalled {
		s.lifecycleMu.Unlock()
		return
	}
	next, err := s.worker.Dispatch(ctx, ActivateEvent{})
	s.lifecycleMu.Unlock()
	if err != nil {
		s.log.Error("activate failed", "error", err)
		return
	}
	s.apply(ctx, next)
}

func (s *Service) deliverMessage(ctx context.Context, msg MessageEvent) {
	act, err := s.worker.Dispatch(ctx, msg)
	if err != nil {
		s.log.Warn("message failed", "type", msg.Type, "error", err)
		return
	}
	s.apply(ctx, act)
}

type stateResponse struct {
	State       string   `json:"state"`
	Controlling bool     `json:"controlling"`
	Caches      []string `json:"caches"`
}

func (s *Service) handleState(c echo.Context) error {
	names, err := s.storage.Keys(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	if names == nil {
		names = []string{}
	}
	return c.JSON(http.StatusOK, stateResponse{
		State:       s.worker.State().String(),
		Controlling: s.controlling.Load(),
		Caches:      names,
	})
}

func (s *Service) handleMessage(c echo.Context) error {
	var msg MessageEvent
	if err := json.NewDecoder(c.Request().Body).Decode(&msg); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid message: "+err.Error())
	}
	s.deliverMessage(c.Request().Context(), msg)
	return c.NoContent(http.StatusAccepted)
}

func (s *Service) handleSync(c echo.Context) error {
	var ev SyncEvent
	if err := json.NewDecoder(c.Request().Body).Decode(&ev); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid sync event: "+err.Error())
	}
	act, err := s.worker.Dispatch(c.Request().Context(), ev)
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "sync")
	}
	s.apply(c.Request().Context(), act)
	return c.NoContent(http.StatusAccepted)
}

func (s *Service) handlePush(c echo.Context) error {
	body, err := readBody(c.Request().Body)
	if errors.Is(err, errBodyTooLarge) {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, err.Error())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ev := PushEvent{}
	if len(body) > 0 {
		ev.Data = body
	}
	act, err := s.worker.Dispatch(c.Request().Context(), ev)
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "push")
	}
	s.apply(c.Request().Context(), act)
	return c.NoContent(http.StatusAccepted)
}

func (s *Service) handleNotificationClick(c echo.Context) error {
	act, err := s.worker.Dispatch(c.Request().Context(), NotificationClickEvent{})
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "notification click")
	}
	d, _ := act.(Done)
	if d.OpenWindow == "" {
		return c.NoContent(http.StatusNoContent)
	}
	return c.Redirect(http.StatusSeeOther, d.OpenWindow)
}

func writeBadGateway(c echo.Context) error {
	setSourceHeaders(c.Response().Header(), "bad-gateway")
	return c.String(http.StatusBadGateway, "bad gateway")
}

func writeResponse(c echo.Context, resp *cachestore.Response, source string) error {
	h := c.Response().Header()
	for k, vs := range resp.Header {
		if strings.EqualFold(k, headerSource) {
			continue
		}
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	setSourceHeaders(h, source)
	c.Response().WriteHeader(resp.Status)
	_, err := c.Response().Write(resp.Body)
	return err
}

func setSourceHeaders(h http.Header, source string) {
	if source != "" {
		h.Set(headerSource, source)
	}
	// Custom headers are unreadable from cross-origin scripts unless exposed.
	ensureExposedHeader(h, headerSource)
}

func ensureExposedHeader(h http.Header, name string) {
	if name == "" {
		return
	}

	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}
