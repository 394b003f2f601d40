package fetch

import (
	"strings"
	"testing"

	"github.com/ternarybob/excerpo/internal/models"
)

func TestDetectProtection(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		html     string
		wantCode models.ErrorCode
	}{
		{
			name:     "ordinary page",
			status:   200,
			html:     `<html><body><h1>Products</h1></body></html>`,
			wantCode: "",
		},
		{
			name:     "unauthorized",
			status:   401,
			html:     "",
			wantCode: models.ErrAuthRequired,
		},
		{
			name:     "bare forbidden",
			status:   403,
			html:     "<html><body>Forbidden</body></html>",
			wantCode: models.ErrBlocked,
		},
		{
			name:     "recaptcha with ok status",
			status:   200,
			html:     `<div class="g-recaptcha" data-sitekey="abc"></div>`,
			wantCode: models.ErrCaptcha,
		},
		{
			name:     "hcaptcha",
			status:   200,
			html:     `<script src="https://hcaptcha.com/1/api.js"></script>`,
			wantCode: models.ErrCaptcha,
		},
		{
			name:     "cloudflare challenge",
			status:   503,
			html:     `<div id="cf-browser-verification">Checking your browser</div>`,
			wantCode: models.ErrBlocked,
		},
		{
			name:     "incapsula",
			status:   200,
			html:     `<iframe src="/_Incapsula_Resource?x=1"></iframe>`,
			wantCode: models.ErrBlocked,
		},
		{
			name:     "plain server error is not a wall",
			status:   503,
			html:     "<html><body>Service Unavailable</body></html>",
			wantCode: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := DetectProtection(tt.status, tt.html)
			if tt.wantCode == "" {
				if err != nil {
					t.Fatalf("Expected no detection, got %s", err.Code)
				}
				return
			}
			if err == nil {
				t.Fatalf("Expected %s, got nil", tt.wantCode)
			}
			if err.Code != tt.wantCode {
				t.Errorf("Expected %s, got %s", tt.wantCode, err.Code)
			}
		})
	}
}

func TestDetectProtectionIgnoresDeepMentions(t *testing.T) {
	// A marker past the inspection window is article text, not a wall
	page := strings.Repeat("<p>filler content</p>", 4000) + `<p>how g-recaptcha works</p>`
	if len(page) <= detectionWindow {
		t.Fatalf("Test page is too short to exercise the window, len=%d", len(page))
	}

	if err := DetectProtection(200, page); err != nil {
		t.Errorf("Marker beyond the window should not trip detection, got %s", err.Code)
	}
}
