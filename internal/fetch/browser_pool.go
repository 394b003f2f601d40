package fetch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"
)

// BrowserSession is one headless Chrome instance owned by the pool. Each
// session runs its own allocator so cookies and storage are isolated from
// the other sessions; fetches open fresh tabs off the session context.
type BrowserSession struct {
	id            int
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
}

// Context returns the session's browser context for opening tabs
func (s *BrowserSession) Context() context.Context {
	return s.browserCtx
}

// BrowserPool bounds concurrent headless sessions. Acquire pops a free
// session or lazily launches one while under the cap, then blocks until a
// release. Release wipes cookies and storage before the session re-enters
// rotation; a session that cannot be wiped is destroyed and its slot
// reopened.
type BrowserPool struct {
	maxSessions int
	headless    bool
	userAgent   string
	logger      arbor.ILogger

	free     chan *BrowserSession
	mu       sync.Mutex
	sessions map[int]*BrowserSession
	created  int
	nextID   int
	closed   bool
}

// NewBrowserPool creates an empty pool; sessions launch on first acquire
func NewBrowserPool(maxSessions int, headless bool, userAgent string, logger arbor.ILogger) *BrowserPool {
	if maxSessions <= 0 {
		maxSessions = 5
	}
	if userAgent == "" {
		userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	}

	return &BrowserPool{
		maxSessions: maxSessions,
		headless:    headless,
		userAgent:   userAgent,
		logger:      logger,
		free:        make(chan *BrowserSession, maxSessions),
		sessions:    make(map[int]*BrowserSession),
	}
}

// Acquire returns a session, launching one if the pool is under its cap,
// otherwise waiting for a release or the context deadline.
func (p *BrowserPool) Acquire(ctx context.Context) (*BrowserSession, error) {
	select {
	case session := <-p.free:
		return session, nil
	default:
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("browser pool is closed")
	}
	if p.created < p.maxSessions {
		p.created++
		id := p.nextID
		p.nextID++
		p.mu.Unlock()

		session, err := p.launchSession(id)
		if err != nil {
			p.mu.Lock()
			p.created--
			p.mu.Unlock()
			return nil, err
		}

		p.mu.Lock()
		p.sessions[id] = session
		p.mu.Unlock()
		return session, nil
	}
	p.mu.Unlock()

	select {
	case session := <-p.free:
		return session, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release wipes the session and returns it to the free queue. A session
// whose wipe fails is torn down instead so a poisoned browser never serves
// another task.
func (p *BrowserPool) Release(session *BrowserSession) {
	if session == nil {
		return
	}

	if err := p.wipeSession(session); err != nil {
		p.logger.Warn().
			Err(err).
			Int("session_id", session.id).
			Msg("Failed to wipe browser session, destroying it")
		p.destroySession(session)
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.destroySession(session)
		return
	}
	// The queue is sized to the cap so this never blocks.
	p.free <- session
	p.mu.Unlock()
}

// Close tears down every idle session. In-flight sessions are destroyed
// when their holders release them.
func (p *BrowserPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	count := len(p.sessions)

	var idle []*BrowserSession
	for len(p.free) > 0 {
		idle = append(idle, <-p.free)
	}
	p.mu.Unlock()

	p.logger.Info().Int("sessions", count).Msg("Shutting down browser pool")

	for _, session := range idle {
		p.destroySession(session)
	}
	return nil
}

// Stats reports pool occupancy for the status endpoints
func (p *BrowserPool) Stats() map[string]interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()

	return map[string]interface{}{
		"max_sessions":    p.maxSessions,
		"active_sessions": p.created,
		"idle_sessions":   len(p.free),
		"closed":          p.closed,
	}
}

// launchSession starts a Chrome instance and verifies it responds before
// handing it out.
func (p *BrowserPool) launchSession(id int) (*BrowserSession, error) {
	started := time.Now()

	opts := []chromedp.ExecAllocatorOption{
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.UserAgent(p.userAgent),
		chromedp.WindowSize(1920, 1080),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-infobars", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("lang", "en-US"),
	}
	if p.headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	testCtx, testCancel := context.WithTimeout(browserCtx, 30*time.Second)
	defer testCancel()

	if err := chromedp.Run(testCtx, chromedp.Navigate("about:blank")); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("browser session failed startup test: %w", err)
	}

	p.logger.Debug().
		Int("session_id", id).
		Dur("startup_time", time.Since(started)).
		Msg("Browser session launched")

	return &BrowserSession{
		id:            id,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
	}, nil
}

// wipeSession clears cookies and per-origin storage so state from one task
// never leaks into the next.
func (p *BrowserPool) wipeSession(session *BrowserSession) error {
	wipeCtx, cancel := context.WithTimeout(session.browserCtx, 5*time.Second)
	defer cancel()

	return chromedp.Run(wipeCtx,
		network.ClearBrowserCookies(),
		storage.ClearDataForOrigin("*", "all"),
	)
}

func (p *BrowserPool) destroySession(session *BrowserSession) {
	session.browserCancel()
	session.allocCancel()

	p.mu.Lock()
	delete(p.sessions, session.id)
	p.created--
	p.mu.Unlock()

	p.logger.Debug().Int("session_id", session.id).Msg("Browser session destroyed")
}
