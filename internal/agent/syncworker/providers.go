package syncworker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/kioskfleet/fleet/internal/agent/queue"
	"github.com/kioskfleet/fleet/internal/models"
)

// LocationFix is a single position reading
type LocationFix struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
	Acc float64 `json:"acc"`
}

// LocationSource returns the last known position, or nil when there is none
type LocationSource interface {
	LastLocation(ctx context.Context) (*LocationFix, error)
}

// LocationProvider samples the device position
type LocationProvider struct {
	source LocationSource
	now    func() time.Time
}

// NewLocationProvider creates a LOCATION provider
func NewLocationProvider(source LocationSource) *LocationProvider {
	return &LocationProvider{source: source, now: time.Now}
}

func (p *LocationProvider) Name() string { return "location" }

// Collect yields at most one LOCATION sample
func (p *LocationProvider) Collect(ctx context.Context) ([]queue.Record, error) {
	fix, err := p.source.LastLocation(ctx)
	if err != nil {
		return nil, err
	}
	if fix == nil {
		return nil, nil
	}
	return sample(models.EventLocation, fix, p.now())
}

// UsageStat is foreground time for one package, in milliseconds
type UsageStat struct {
	PackageName string `json:"packageName"`
	TotalTime   int64  `json:"totalTime"`
}

// UsageSource reports per-package foreground time over a window
type UsageSource interface {
	QueryUsage(ctx context.Context, from, to time.Time) ([]UsageStat, error)
}

// AppUsageProvider samples the most used apps over the last day
type AppUsageProvider struct {
	source UsageSource
	window time.Duration
	top    int
	now    func() time.Time
}

// NewAppUsageProvider creates an APP_USAGE provider reporting the top five
// apps of the last 24 hours
func NewAppUsageProvider(source UsageSource) *AppUsageProvider {
	return &AppUsageProvider{
		source: source,
		window: 24 * time.Hour,
		top:    5,
		now:    time.Now,
	}
}

func (p *AppUsageProvider) Name() string { return "app_usage" }

// Collect yields one APP_USAGE sample, or none when nothing was used
func (p *AppUsageProvider) Collect(ctx context.Context) ([]queue.Record, error) {
	now := p.now()
	stats, err := p.source.QueryUsage(ctx, now.Add(-p.window), now)
	if err != nil {
		return nil, err
	}

	used := stats[:0:0]
	for _, s := range stats {
		if s.TotalTime > 0 {
			used = append(used, s)
		}
	}
	if len(used) == 0 {
		return nil, nil
	}

	sort.SliceStable(used, func(i, j int) bool { return used[i].TotalTime > used[j].TotalTime })
	if len(used) > p.top {
		used = used[:p.top]
	}
	return sample(models.EventAppUsage, used, now)
}

// StaticUsage reports the same foreground time per package for every window.
// It stands in for a platform usage service on simulated devices.
type StaticUsage map[string]time.Duration

// ParseUsage builds a StaticUsage from package=duration pairs
func ParseUsage(pairs map[string]string) (StaticUsage, error) {
	usage := make(StaticUsage, len(pairs))
	for pkg, raw := range pairs {
		pkg = strings.TrimSpace(pkg)
		if pkg == "" {
			return nil, fmt.Errorf("usage for %q: empty package name", raw)
		}
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("usage for %s: %w", pkg, err)
		}
		if d < 0 {
			return nil, fmt.Errorf("usage for %s: negative duration", pkg)
		}
		usage[pkg] = d
	}
	return usage, nil
}

// QueryUsage returns the configured times ordered by package name
func (u StaticUsage) QueryUsage(context.Context, time.Time, time.Time) ([]UsageStat, error) {
	stats := make([]UsageStat, 0, len(u))
	for pkg, d := range u {
		stats = append(stats, UsageStat{PackageName: pkg, TotalTime: d.Milliseconds()})
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].PackageName < stats[j].PackageName })
	return stats, nil
}

func sample(eventType string, data interface{}, at time.Time) ([]queue.Record, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s sample: %w", eventType, err)
	}
	return []queue.Record{{Type: eventType, Payload: raw, CapturedAt: at}}, nil
}
