package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptrace"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/excerpo/internal/common"
	"github.com/ternarybob/excerpo/internal/models"
)

var errTooManyRedirects = errors.New("too many redirects")

// HTTPFetcher performs single-GET page retrieval with proxy rotation,
// user agent rotation and per-host pacing. Transports are cached per proxy
// so connection pools are reused across tasks; cookies are scoped to one
// fetch through a fresh jar on a shallow client copy.
type HTTPFetcher struct {
	config common.FetchConfig
	logger arbor.ILogger

	timeout      time.Duration
	maxRedirects int
	maxBodySize  int64

	agents  *agentPool
	proxies *ProxyPool
	hosts   *hostLimiter

	transports map[string]*http.Transport
	mu         sync.Mutex
}

// NewHTTPFetcher creates the HTTP mode fetcher from the fetch section of the
// service configuration.
func NewHTTPFetcher(config common.FetchConfig, logger arbor.ILogger) *HTTPFetcher {
	cooldown := common.Duration(config.ProxyCooldown, 5*time.Minute)
	interval := common.Duration(config.HostInterval, time.Second)

	f := &HTTPFetcher{
		config:       config,
		logger:       logger,
		timeout:      common.Duration(config.Timeout, 30*time.Second),
		maxRedirects: config.MaxRedirects,
		maxBodySize:  int64(config.MaxBodySize),
		agents:       newAgentPool(config.UserAgents, config.UserAgentRotation),
		proxies:      NewProxyPool(config.Proxies, cooldown, logger),
		hosts:        newHostLimiter(interval),
		transports:   make(map[string]*http.Transport),
	}

	if f.maxRedirects <= 0 {
		f.maxRedirects = 10
	}
	if f.maxBodySize <= 0 {
		f.maxBodySize = 10 * 1024 * 1024
	}

	return f
}

// Fetch performs one GET against the task's target URL. Non-2xx responses
// and detected anti-bot walls return the populated result alongside a
// classified error so callers can persist debug artifacts.
func (f *HTTPFetcher) Fetch(ctx context.Context, req *models.FetchRequest) (*models.FetchResult, error) {
	started := time.Now()

	timeout := f.timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := f.hosts.Wait(reqCtx, req.URL); err != nil {
		return nil, models.ClassifyError(err)
	}

	var proxy *url.URL
	if !f.proxies.Empty() {
		proxy = f.proxies.Next()
	}

	jar, err := f.buildCookieJar(req.URL, req.Cookies)
	if err != nil {
		return nil, models.NewTaskError(models.ErrValidation, err)
	}

	redirects := 0
	client := &http.Client{
		Transport: f.transportFor(proxy),
		Jar:       jar,
		CheckRedirect: func(next *http.Request, via []*http.Request) error {
			if len(via) >= f.maxRedirects {
				return errTooManyRedirects
			}
			redirects = len(via)
			return nil
		},
	}

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, models.NewTaskError(models.ErrValidation, fmt.Errorf("invalid target URL %q: %w", req.URL, err))
	}

	f.applyHeaders(httpReq, req)

	var timings requestTimings
	httpReq = httpReq.WithContext(httptrace.WithClientTrace(httpReq.Context(), timings.trace(started)))

	f.logger.Debug().
		Str("task_id", req.TaskID).
		Str("url", req.URL).
		Bool("proxied", proxy != nil).
		Msg("Fetching URL")

	resp, err := client.Do(httpReq)
	if err != nil {
		classified := f.classifyRequestError(err, req.URL)
		if classified.Code == models.ErrProxy {
			f.proxies.MarkFailure(proxy)
		}
		return nil, classified
	}
	defer resp.Body.Close()
	f.proxies.MarkSuccess(proxy)

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodySize))
	if err != nil {
		return nil, models.ClassifyError(err)
	}

	result := &models.FetchResult{
		FinalURL:        resp.Request.URL.String(),
		StatusCode:      resp.StatusCode,
		HTML:            string(body),
		Headers:         flattenHeaders(resp.Header),
		BytesDownloaded: int64(len(body)),
		RequestsCount:   1 + redirects,
		PagesProcessed:  1,
		DNSLookupMS:     timings.dnsMS(),
		ConnectionMS:    timings.connectMS(),
		TTFBMS:          timings.ttfbMS(),
		DurationMS:      time.Since(started).Milliseconds(),
		FetchedAt:       started,
	}

	if protErr := DetectProtection(resp.StatusCode, result.HTML); protErr != nil {
		f.logger.Warn().
			Str("task_id", req.TaskID).
			Str("url", req.URL).
			Str("code", string(protErr.Code)).
			Int("status", resp.StatusCode).
			Msg("Fetch hit an anti-bot wall")
		return result, protErr
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return result, models.NewHTTPError(resp.StatusCode, req.URL)
	}

	f.logger.Debug().
		Str("task_id", req.TaskID).
		Str("url", result.FinalURL).
		Int("status", resp.StatusCode).
		Int64("bytes", result.BytesDownloaded).
		Int64("duration_ms", result.DurationMS).
		Msg("Fetch completed")

	return result, nil
}

// Close releases pooled connections
func (f *HTTPFetcher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, transport := range f.transports {
		transport.CloseIdleConnections()
	}
	return nil
}

// transportFor returns the shared transport for a proxy (nil = direct),
// creating it on first use.
func (f *HTTPFetcher) transportFor(proxy *url.URL) *http.Transport {
	key := ""
	if proxy != nil {
		key = proxy.String()
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if transport, ok := f.transports[key]; ok {
		return transport
	}

	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	if proxy != nil {
		transport.Proxy = http.ProxyURL(proxy)
	}

	f.transports[key] = transport
	return transport
}

// buildCookieJar seeds a fresh jar with the task's cookies, grouped per
// domain so the jar scopes them correctly across redirects.
func (f *HTTPFetcher) buildCookieJar(targetURL string, cookies []models.Cookie) (http.CookieJar, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}
	if len(cookies) == 0 {
		return jar, nil
	}

	parsed, err := url.Parse(targetURL)
	if err != nil {
		return nil, fmt.Errorf("invalid target URL %q: %w", targetURL, err)
	}

	byDomain := make(map[string][]*http.Cookie)
	for _, c := range cookies {
		domain := strings.TrimPrefix(c.Domain, ".")
		if domain == "" {
			domain = parsed.Hostname()
		}
		path := c.Path
		if path == "" {
			path = "/"
		}
		byDomain[domain] = append(byDomain[domain], &http.Cookie{
			Name:   c.Name,
			Value:  c.Value,
			Domain: domain,
			Path:   path,
		})
	}

	for domain, domainCookies := range byDomain {
		domainURL := &url.URL{Scheme: parsed.Scheme, Host: domain}
		if domainURL.Scheme == "" {
			domainURL.Scheme = "https"
		}
		jar.SetCookies(domainURL, domainCookies)
	}

	return jar, nil
}

// applyHeaders sets defaults, the rotated user agent, then the merged
// task-over-schema headers so an explicit User-Agent header wins.
func (f *HTTPFetcher) applyHeaders(httpReq *http.Request, req *models.FetchRequest) {
	httpReq.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	httpReq.Header.Set("Accept-Language", "en-US,en;q=0.9")

	agent := req.UserAgent
	if agent == "" {
		agent = f.agents.Next()
	}
	if agent != "" {
		httpReq.Header.Set("User-Agent", agent)
	}

	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}
}

func (f *HTTPFetcher) classifyRequestError(err error, rawURL string) *models.TaskError {
	if errors.Is(err, errTooManyRedirects) {
		return models.NewTaskErrorf(models.ErrHTTP, "stopped after %d redirects fetching %s", f.maxRedirects, rawURL)
	}
	return models.ClassifyError(err)
}

func flattenHeaders(header http.Header) map[string]string {
	flat := make(map[string]string, len(header))
	for key, values := range header {
		if len(values) > 0 {
			flat[key] = values[0]
		}
	}
	return flat
}

// requestTimings collects connection phase measurements from httptrace.
// DNS and connect keep the first occurrence in a redirect chain; TTFB keeps
// the last so it reflects the response that was actually returned.
type requestTimings struct {
	mu           sync.Mutex
	dnsStart     time.Time
	dnsDone      time.Time
	connectStart time.Time
	connectDone  time.Time
	firstByte    time.Time
	requestStart time.Time
}

func (t *requestTimings) trace(started time.Time) *httptrace.ClientTrace {
	t.requestStart = started
	return &httptrace.ClientTrace{
		DNSStart: func(httptrace.DNSStartInfo) {
			t.mu.Lock()
			if t.dnsStart.IsZero() {
				t.dnsStart = time.Now()
			}
			t.mu.Unlock()
		},
		DNSDone: func(httptrace.DNSDoneInfo) {
			t.mu.Lock()
			if t.dnsDone.IsZero() {
				t.dnsDone = time.Now()
			}
			t.mu.Unlock()
		},
		ConnectStart: func(string, string) {
			t.mu.Lock()
			if t.connectStart.IsZero() {
				t.connectStart = time.Now()
			}
			t.mu.Unlock()
		},
		ConnectDone: func(string, string, error) {
			t.mu.Lock()
			if t.connectDone.IsZero() {
				t.connectDone = time.Now()
			}
			t.mu.Unlock()
		},
		GotFirstResponseByte: func() {
			t.mu.Lock()
			t.firstByte = time.Now()
			t.mu.Unlock()
		},
	}
}

func (t *requestTimings) dnsMS() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dnsStart.IsZero() || t.dnsDone.IsZero() {
		return 0
	}
	return t.dnsDone.Sub(t.dnsStart).Milliseconds()
}

func (t *requestTimings) connectMS() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connectStart.IsZero() || t.connectDone.IsZero() {
		return 0
	}
	return t.connectDone.Sub(t.connectStart).Milliseconds()
}

func (t *requestTimings) ttfbMS() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.firstByte.IsZero() {
		return 0
	}
	return t.firstByte.Sub(t.requestStart).Milliseconds()
}
