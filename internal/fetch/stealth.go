package fetch

import (
	"context"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// stealthScript hides the headless fingerprint before any page script runs:
// undefined webdriver, a plausible plugin list and languages, and stable
// WebGL vendor strings.
const stealthScript = `
	Object.defineProperty(navigator, 'webdriver', {
		get: () => undefined,
		configurable: true
	});

	Object.defineProperty(navigator, 'plugins', {
		get: () => {
			const plugins = [
				{ name: 'Chrome PDF Plugin', filename: 'internal-pdf-viewer' },
				{ name: 'Chrome PDF Viewer', filename: 'mhjfbmdgcfjbbpaeojofohoefgiehjai' },
				{ name: 'Native Client', filename: 'internal-nacl-plugin' }
			];
			plugins.length = 3;
			return plugins;
		},
		configurable: true
	});

	Object.defineProperty(navigator, 'languages', {
		get: () => ['en-US', 'en'],
		configurable: true
	});

	if (!window.chrome) window.chrome = {};
	window.chrome.runtime = { id: undefined };

	if (window.navigator.permissions && window.navigator.permissions.query) {
		const originalQuery = window.navigator.permissions.query.bind(window.navigator.permissions);
		window.navigator.permissions.query = (parameters) => (
			parameters.name === 'notifications' ?
				Promise.resolve({ state: Notification.permission }) :
				originalQuery(parameters)
		);
	}

	const getParameter = WebGLRenderingContext.prototype.getParameter;
	WebGLRenderingContext.prototype.getParameter = function(parameter) {
		if (parameter === 37445) return 'Intel Inc.';
		if (parameter === 37446) return 'Intel Iris OpenGL Engine';
		return getParameter.call(this, parameter);
	};
`

// installStealth registers the anti-automation script to run on every new
// document in the tab, ahead of the page's own scripts.
func installStealth() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		_, err := page.AddScriptToEvaluateOnNewDocument(stealthScript).Do(ctx)
		return err
	})
}
