package interfaces

import (
	"context"

	"github.com/ternarybob/excerpo/internal/models"
)

// Fetcher retrieves one page for a task. The HTTP fetcher performs a single
// GET; the browser fetcher drives a pooled headless session through the
// schema's navigation steps before capturing the rendered document.
type Fetcher interface {
	Fetch(ctx context.Context, req *models.FetchRequest) (*models.FetchResult, error)
	Close() error
}
