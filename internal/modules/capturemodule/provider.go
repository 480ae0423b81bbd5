package capturemodule

import (
	"context"
	"fmt"

	"github.com/sweetshark/sweetshark/internal/modules/capturemodule/sources"
)

// unsupportedProvider stands in when no platform capturer was installed.
// Listing fails, which the lister soft-fails to an empty list, which sends
// callers down the unassisted platform flow.
type unsupportedProvider struct{}

func (unsupportedProvider) ListSources(ctx context.Context, types sources.Types) ([]sources.RawSource, error) {
	return nil, fmt.Errorf("no platform source provider installed")
}
