// internal/poller/builder.go
package poller

import (
	"time"

	"github.com/tamzrod/mmc-blockd/internal/card"
	cfg "github.com/tamzrod/mmc-blockd/internal/config"
	"github.com/tamzrod/mmc-blockd/internal/host"
)

// Build constructs a Poller from normalized config.
func Build(c cfg.Config, disk string, h host.Host, cd *card.Card) (*Poller, error) {
	r := c.Readiness
	return New(
		Config{
			Disk:            disk,
			Retries:         r.StatusRetries,
			Timeout:         time.Duration(r.TimeoutMs) * time.Millisecond,
			SDTimeout:       time.Duration(r.SDTimeoutMs) * time.Millisecond,
			MaxPolls:        r.MaxPolls,
			Interval:        time.Duration(r.PollIntervalUs) * time.Microsecond,
			MonitorInterval: time.Duration(c.Monitor.IntervalMs) * time.Millisecond,
		},
		h,
		cd,
	)
}
