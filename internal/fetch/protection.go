package fetch

import (
	"strings"

	"github.com/ternarybob/excerpo/internal/models"
)

// Markers for anti-bot walls. Lowercase; matched against a lowercased
// document prefix so a mention of "captcha" deep in article text does not
// trip the detector.
var captchaMarkers = []string{
	"g-recaptcha",
	"h-captcha",
	"cf-turnstile",
	"hcaptcha.com",
	"recaptcha/api.js",
	"data-sitekey",
}

var blockedMarkers = []string{
	"cf-browser-verification",
	"challenge-platform",
	"_incapsula_resource",
	"ddos protection by",
	"attention required! | cloudflare",
	"request unsuccessful. incapsula",
	"perimeterx",
	"px-captcha",
}

// detectionWindow bounds how much of the document the sniffers inspect.
// Challenge pages are small; real content pages bury keywords far past this.
const detectionWindow = 64 * 1024

// DetectProtection inspects a response for anti-bot interference and maps it
// onto the error taxonomy. Returns nil when the page looks like ordinary
// content. Challenge pages frequently arrive with status 200, so the body is
// sniffed regardless of status.
func DetectProtection(statusCode int, html string) *models.TaskError {
	if statusCode == 401 {
		return models.NewTaskErrorf(models.ErrAuthRequired, "authentication required (HTTP 401)")
	}

	window := html
	if len(window) > detectionWindow {
		window = window[:detectionWindow]
	}
	window = strings.ToLower(window)

	for _, marker := range captchaMarkers {
		if strings.Contains(window, marker) {
			err := models.NewTaskErrorf(models.ErrCaptcha, "captcha challenge detected")
			return err.WithContext("marker", marker)
		}
	}

	for _, marker := range blockedMarkers {
		if strings.Contains(window, marker) {
			err := models.NewTaskErrorf(models.ErrBlocked, "anti-bot block detected")
			return err.WithContext("marker", marker)
		}
	}

	// A bare 403 with no recognizable wall is still a block from the
	// target's perspective.
	if statusCode == 403 {
		return models.NewTaskErrorf(models.ErrBlocked, "access forbidden (HTTP 403)")
	}

	return nil
}
