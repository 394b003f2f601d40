// Package lake provides the object storage zones for extracted data:
// bronze for landed records, trash for rejected records and debug
// artifacts. Both zones share one object store backend, selected by
// configuration.
package lake

import (
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/excerpo/internal/common"
	"github.com/ternarybob/excerpo/internal/interfaces"
)

// NewObjectStore selects the lake backend from configuration
func NewObjectStore(cfg common.LakeConfig, logger arbor.ILogger) (interfaces.ObjectStore, error) {
	switch cfg.Backend {
	case "", "fs":
		return NewFSStore(cfg.Root, logger)
	case "s3":
		return NewS3Store(cfg.S3, logger)
	default:
		return nil, fmt.Errorf("unsupported lake backend: %s", cfg.Backend)
	}
}
