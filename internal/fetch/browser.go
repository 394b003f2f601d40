package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/excerpo/internal/common"
	"github.com/ternarybob/excerpo/internal/models"
)

const (
	defaultStepTimeout = 10 * time.Second
	defaultSettleDelay = 2 * time.Second
	defaultScrollDelay = time.Second
	// maxScrollRounds caps infinite scroll when the schema sets no page limit
	maxScrollRounds = 20
)

// BrowserFetcher renders JavaScript-heavy pages through the session pool.
// Each fetch opens a fresh tab, installs the anti-automation script, injects
// task cookies, walks the schema's navigation steps and pagination
// interactions, then captures the rendered document and a screenshot.
type BrowserFetcher struct {
	pool   *BrowserPool
	logger arbor.ILogger

	taskTimeout time.Duration
	stepTimeout time.Duration
	settleDelay time.Duration
}

// NewBrowserFetcher wires the fetcher and its session pool from configuration.
// The session user agent comes from the browser override or the head of the
// rotation pool.
func NewBrowserFetcher(browser common.BrowserConfig, fetchCfg common.FetchConfig, sessions int, logger arbor.ILogger) *BrowserFetcher {
	agent := browser.UserAgent
	if agent == "" && len(fetchCfg.UserAgents) > 0 {
		agent = fetchCfg.UserAgents[0]
	}

	return &BrowserFetcher{
		pool:        NewBrowserPool(sessions, browser.Headless, agent, logger),
		logger:      logger,
		taskTimeout: common.Duration(fetchCfg.TaskTimeout, 60*time.Second),
		stepTimeout: common.Duration(browser.StepTimeout, defaultStepTimeout),
		settleDelay: common.Duration(browser.SettleDelay, defaultSettleDelay),
	}
}

// Pool exposes the session pool for status reporting
func (f *BrowserFetcher) Pool() *BrowserPool {
	return f.pool
}

// Fetch renders one page. Non-2xx navigations and detected anti-bot walls
// return the captured result alongside the classified error so debug
// artifacts survive.
func (f *BrowserFetcher) Fetch(ctx context.Context, req *models.FetchRequest) (*models.FetchResult, error) {
	started := time.Now()

	timeout := f.taskTimeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	session, err := f.pool.Acquire(fetchCtx)
	if err != nil {
		return nil, models.ClassifyError(err)
	}
	defer f.pool.Release(session)

	tabCtx, tabCancel := chromedp.NewContext(session.Context())
	defer tabCancel()

	runCtx, runCancel := context.WithDeadline(tabCtx, started.Add(timeout))
	defer runCancel()

	// The tab context descends from the pool, not the caller; propagate the
	// caller's cancellation by hand.
	go func() {
		select {
		case <-fetchCtx.Done():
			runCancel()
		case <-runCtx.Done():
		}
	}()

	prep := []chromedp.Action{installStealth(), network.Enable()}
	if len(req.Headers) > 0 {
		headers := make(network.Headers, len(req.Headers))
		for key, value := range req.Headers {
			headers[key] = value
		}
		prep = append(prep, network.SetExtraHTTPHeaders(headers))
	}
	if len(req.Cookies) > 0 {
		prep = append(prep, injectCookies(req.Cookies, req.URL))
	}
	if err := chromedp.Run(runCtx, prep...); err != nil {
		return nil, classifyBrowserError(err)
	}

	f.logger.Debug().
		Str("task_id", req.TaskID).
		Str("url", req.URL).
		Msg("Rendering URL in browser")

	resp, err := chromedp.RunResponse(runCtx, chromedp.Navigate(req.URL))
	if err != nil {
		return nil, classifyBrowserError(err)
	}
	statusCode := 200
	if resp != nil && resp.Status > 0 {
		statusCode = int(resp.Status)
	}

	if err := chromedp.Run(runCtx,
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(f.settleDelay),
	); err != nil {
		return nil, classifyBrowserError(err)
	}

	result := &models.FetchResult{
		StatusCode:     statusCode,
		RequestsCount:  1,
		PagesProcessed: 1,
		FetchedAt:      started,
	}

	schema := req.Schema
	if schema != nil {
		for i, step := range schema.NavigationSteps {
			if err := f.runStep(runCtx, step, &result.Screenshot); err != nil {
				if step.Optional {
					f.logger.Warn().
						Err(err).
						Str("task_id", req.TaskID).
						Int("step", i).
						Str("action", step.Action).
						Msg("Optional navigation step failed, skipping")
					continue
				}
				terr := classifyBrowserError(err)
				terr.Retryable = true
				return nil, terr.WithContext("step", fmt.Sprintf("%d:%s", i, step.Action))
			}
		}

		if schema.Pagination != nil {
			switch schema.Pagination.Type {
			case models.PaginationInfiniteScroll:
				rounds, err := f.scrollUntilStable(runCtx, schema.Pagination)
				if err != nil {
					return nil, classifyBrowserError(err)
				}
				result.PagesProcessed += rounds
			case models.PaginationLoadMore:
				rounds, err := f.clickLoadMore(runCtx, schema.Pagination)
				if err != nil {
					return nil, classifyBrowserError(err)
				}
				result.PagesProcessed += rounds
			}
		}
	}

	var html, finalURL string
	if err := chromedp.Run(runCtx,
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	); err != nil {
		return nil, classifyBrowserError(err)
	}
	result.FinalURL = finalURL
	result.HTML = html
	result.BytesDownloaded = int64(len(html))

	if result.Screenshot == nil {
		var shot []byte
		if err := chromedp.Run(runCtx, chromedp.CaptureScreenshot(&shot)); err != nil {
			f.logger.Warn().Err(err).Str("task_id", req.TaskID).Msg("Screenshot capture failed")
		} else {
			result.Screenshot = shot
		}
	}

	// Resolve javascript: next buttons by clicking through after the page
	// has been captured, so the HTML still reflects the current page.
	if schema != nil && schema.Pagination != nil && schema.Pagination.Type == models.PaginationNextButton {
		if next, err := f.clickThroughNextButton(runCtx, schema.Pagination.Selector, finalURL); err != nil {
			f.logger.Warn().Err(err).Str("task_id", req.TaskID).Msg("Next button click-through failed")
		} else {
			result.ClickedNextURL = next
		}
	}

	result.DurationMS = time.Since(started).Milliseconds()

	if protErr := DetectProtection(statusCode, html); protErr != nil {
		f.logger.Warn().
			Str("task_id", req.TaskID).
			Str("url", req.URL).
			Str("code", string(protErr.Code)).
			Msg("Rendered page is an anti-bot wall")
		return result, protErr
	}

	if statusCode < 200 || statusCode >= 300 {
		return result, models.NewHTTPError(statusCode, req.URL)
	}

	f.logger.Debug().
		Str("task_id", req.TaskID).
		Str("url", finalURL).
		Int("status", statusCode).
		Int("pages_processed", result.PagesProcessed).
		Int64("duration_ms", result.DurationMS).
		Msg("Browser fetch completed")

	return result, nil
}

// Close shuts down the session pool
func (f *BrowserFetcher) Close() error {
	return f.pool.Close()
}

// runStep executes one navigation step under the per-step ceiling
func (f *BrowserFetcher) runStep(ctx context.Context, step models.NavigationStep, shot *[]byte) error {
	stepCtx, cancel := context.WithTimeout(ctx, f.stepTimeout)
	defer cancel()

	action, err := f.stepAction(step, shot)
	if err != nil {
		return err
	}

	actions := []chromedp.Action{action}
	if step.WaitFor != "" {
		actions = append(actions, chromedp.WaitVisible(step.WaitFor, chromedp.ByQuery))
	}
	if step.WaitMS > 0 {
		actions = append(actions, chromedp.Sleep(time.Duration(step.WaitMS)*time.Millisecond))
	}

	return chromedp.Run(stepCtx, actions...)
}

// stepAction maps a navigation step onto a chromedp action
func (f *BrowserFetcher) stepAction(step models.NavigationStep, shot *[]byte) (chromedp.Action, error) {
	switch step.Action {
	case "goto":
		target := step.Value
		if target == "" {
			return nil, fmt.Errorf("goto step requires a value")
		}
		return chromedp.Tasks{
			chromedp.Navigate(target),
			chromedp.WaitReady("body", chromedp.ByQuery),
		}, nil

	case "click":
		return chromedp.Click(step.Selector, chromedp.ByQuery), nil

	case "scroll":
		if step.Selector != "" {
			return chromedp.ScrollIntoView(step.Selector, chromedp.ByQuery), nil
		}
		return chromedp.Evaluate(`window.scrollTo(0, document.body.scrollHeight)`, nil), nil

	case "wait":
		if step.Selector != "" {
			return chromedp.WaitVisible(step.Selector, chromedp.ByQuery), nil
		}
		// A bare wait relies on wait_ms appended by the caller
		return chromedp.Tasks{}, nil

	case "input":
		return chromedp.SendKeys(step.Selector, step.Value, chromedp.ByQuery), nil

	case "hover":
		return evalSelectorAction(step.Selector, `el.dispatchEvent(new MouseEvent('mouseover', {bubbles: true}))`), nil

	case "select":
		return evalSelectorAction(step.Selector,
			fmt.Sprintf(`el.value = %q; el.dispatchEvent(new Event('change', {bubbles: true}))`, step.Value)), nil

	case "screenshot":
		return chromedp.ActionFunc(func(ctx context.Context) error {
			var buf []byte
			if err := chromedp.CaptureScreenshot(&buf).Do(ctx); err != nil {
				return err
			}
			*shot = buf
			return nil
		}), nil

	default:
		return nil, fmt.Errorf("unsupported navigation action %q", step.Action)
	}
}

// scrollUntilStable scrolls to the bottom until the document height holds
// steady for two rounds, the stop selector appears, or the page cap is hit.
// Returns the number of scroll rounds performed.
func (f *BrowserFetcher) scrollUntilStable(ctx context.Context, rule *models.PaginationRule) (int, error) {
	delay := defaultScrollDelay
	if rule.ScrollDelayMS > 0 {
		delay = time.Duration(rule.ScrollDelayMS) * time.Millisecond
	}
	limit := maxScrollRounds
	if rule.MaxPages > 0 {
		limit = rule.MaxPages
	}

	rounds := 0
	stable := 0
	lastHeight := float64(-1)

	for rounds < limit && stable < 2 {
		if rule.StopSelector != "" {
			var present bool
			if err := chromedp.Run(ctx, chromedp.Evaluate(selectorPresentJS(rule.StopSelector), &present)); err != nil {
				return rounds, err
			}
			if present {
				break
			}
		}

		var height float64
		if err := chromedp.Run(ctx,
			chromedp.Evaluate(`window.scrollTo(0, document.body.scrollHeight)`, nil),
			chromedp.Sleep(delay),
			chromedp.Evaluate(`document.body.scrollHeight`, &height),
		); err != nil {
			return rounds, err
		}
		rounds++

		if height == lastHeight {
			stable++
		} else {
			stable = 0
		}
		lastHeight = height
	}

	return rounds, nil
}

// clickLoadMore clicks the load-more element until it disappears or the
// page cap is hit. Returns the number of clicks performed.
func (f *BrowserFetcher) clickLoadMore(ctx context.Context, rule *models.PaginationRule) (int, error) {
	delay := defaultScrollDelay
	if rule.ScrollDelayMS > 0 {
		delay = time.Duration(rule.ScrollDelayMS) * time.Millisecond
	}
	limit := maxScrollRounds
	if rule.MaxPages > 0 {
		limit = rule.MaxPages
	}

	clicks := 0
	for clicks < limit {
		if rule.StopSelector != "" {
			var present bool
			if err := chromedp.Run(ctx, chromedp.Evaluate(selectorPresentJS(rule.StopSelector), &present)); err != nil {
				return clicks, err
			}
			if present {
				break
			}
		}

		var visible bool
		if err := chromedp.Run(ctx, chromedp.Evaluate(selectorVisibleJS(rule.Selector), &visible)); err != nil {
			return clicks, err
		}
		if !visible {
			break
		}

		if err := chromedp.Run(ctx,
			chromedp.Click(rule.Selector, chromedp.ByQuery),
			chromedp.Sleep(delay),
		); err != nil {
			return clicks, err
		}
		clicks++
	}

	return clicks, nil
}

// clickThroughNextButton resolves next buttons whose href cannot be read
// statically. When the href is a real URL the extractor derives the next
// page itself and no click happens; javascript: and anchor-less buttons are
// clicked and the landed location returned.
func (f *BrowserFetcher) clickThroughNextButton(ctx context.Context, selector, currentURL string) (string, error) {
	if selector == "" {
		return "", nil
	}

	var href string
	readHref := fmt.Sprintf(
		`(() => { const el = document.querySelector(%q); return el ? (el.getAttribute('href') || '') : '__missing__'; })()`,
		selector)
	if err := chromedp.Run(ctx, chromedp.Evaluate(readHref, &href)); err != nil {
		return "", err
	}
	if href == "__missing__" {
		return "", nil
	}
	if href != "" && href != "#" && !strings.HasPrefix(strings.ToLower(href), "javascript:") {
		return "", nil
	}

	clickCtx, cancel := context.WithTimeout(ctx, f.stepTimeout)
	defer cancel()

	var landed string
	if err := chromedp.Run(clickCtx,
		chromedp.Click(selector, chromedp.ByQuery),
		chromedp.Sleep(f.settleDelay),
		chromedp.Location(&landed),
	); err != nil {
		return "", err
	}

	if landed == "" || landed == currentURL {
		return "", nil
	}
	return landed, nil
}

// injectCookies sets task cookies in the browser before navigation
func injectCookies(cookies []models.Cookie, targetURL string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		host := ""
		if parsed, err := url.Parse(targetURL); err == nil {
			host = parsed.Hostname()
		}

		for _, c := range cookies {
			domain := strings.TrimPrefix(c.Domain, ".")
			if domain == "" {
				domain = host
			}
			path := c.Path
			if path == "" {
				path = "/"
			}
			err := network.SetCookie(c.Name, c.Value).
				WithDomain(domain).
				WithPath(path).
				Do(ctx)
			if err != nil {
				return fmt.Errorf("failed to set cookie %s: %w", c.Name, err)
			}
		}
		return nil
	})
}

func selectorPresentJS(selector string) string {
	return fmt.Sprintf(`!!document.querySelector(%q)`, selector)
}

func selectorVisibleJS(selector string) string {
	return fmt.Sprintf(
		`(() => { const el = document.querySelector(%q); return !!el && el.offsetParent !== null; })()`,
		selector)
}

// evalSelectorAction runs a snippet against the element matched by the
// selector, failing when the element is absent.
func evalSelectorAction(selector, snippet string) chromedp.Action {
	js := fmt.Sprintf(
		`(() => { const el = document.querySelector(%q); if (!el) return false; %s; return true; })()`,
		selector, snippet)

	return chromedp.ActionFunc(func(ctx context.Context) error {
		var found bool
		if err := chromedp.Evaluate(js, &found).Do(ctx); err != nil {
			return err
		}
		if !found {
			return models.NewTaskErrorf(models.ErrSelectorNotFound, "no element matches %q", selector)
		}
		return nil
	})
}

// classifyBrowserError maps chromedp and Chrome network errors onto the
// error taxonomy. Chrome reports network failures as net:: error strings
// rather than Go net errors.
func classifyBrowserError(err error) *models.TaskError {
	if err == nil {
		return nil
	}

	var taskErr *models.TaskError
	if errors.As(err, &taskErr) {
		return taskErr
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "net::err_timed_out"):
		return models.NewTaskError(models.ErrTimeout, err)
	case strings.Contains(msg, "net::err_proxy") || strings.Contains(msg, "net::err_tunnel"):
		return models.NewTaskError(models.ErrProxy, err)
	case strings.Contains(msg, "net::err_name_not_resolved"),
		strings.Contains(msg, "net::err_connection"),
		strings.Contains(msg, "net::err_address"),
		strings.Contains(msg, "net::err_internet_disconnected"):
		return models.NewTaskError(models.ErrConnection, err)
	}

	return models.ClassifyError(err)
}
