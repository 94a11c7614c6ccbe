package discovery

import (
	"context"
	"sort"
	"time"
)

// Browser finds accessories on the local network.
type Browser interface {
	// Browse streams accessories until ctx ends.
	Browse(ctx context.Context) (<-chan *AccessoryService, error)

	// Stop cancels the active browse.
	Stop()
}

// BrowserConfig configures browser behavior.
type BrowserConfig struct {
	// Timeout bounds Collect. Default: 5 seconds.
	Timeout time.Duration

	// Interface specifies which network interface to use.
	// Empty string means all interfaces.
	Interface string
}

// DefaultBrowserConfig returns the default browser configuration.
func DefaultBrowserConfig() BrowserConfig {
	return BrowserConfig{Timeout: BrowseTimeout}
}

// Collect browses for timeout and returns what was found, sorted by
// instance name.
func Collect(ctx context.Context, b Browser, timeout time.Duration) ([]*AccessoryService, error) {
	if timeout <= 0 {
		timeout = BrowseTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch, err := b.Browse(ctx)
	if err != nil {
		return nil, err
	}
	var found []*AccessoryService
	for svc := range ch {
		found = append(found, svc)
	}
	sort.Slice(found, func(i, j int) bool { return found[i].InstanceName < found[j].InstanceName })
	return found, nil
}
