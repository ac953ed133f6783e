package syncworker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kioskfleet/fleet/internal/models"
)

type locationFunc func(ctx context.Context) (*LocationFix, error)

func (f locationFunc) LastLocation(ctx context.Context) (*LocationFix, error) { return f(ctx) }

type usageFunc func(ctx context.Context, from, to time.Time) ([]UsageStat, error)

func (f usageFunc) QueryUsage(ctx context.Context, from, to time.Time) ([]UsageStat, error) {
	return f(ctx, from, to)
}

func TestLocationProvider(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	p := NewLocationProvider(locationFunc(func(context.Context) (*LocationFix, error) {
		return &LocationFix{Lat: 28.5, Lng: 77.2, Acc: 12}, nil
	}))
	p.now = func() time.Time { return now }

	records, err := p.Collect(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, models.EventLocation, records[0].Type)
	assert.Equal(t, now, records[0].CapturedAt)
	assert.JSONEq(t, `{"lat":28.5,"lng":77.2,"acc":12}`, string(records[0].Payload))

	none := NewLocationProvider(locationFunc(func(context.Context) (*LocationFix, error) { return nil, nil }))
	records, err = none.Collect(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)

	failing := NewLocationProvider(locationFunc(func(context.Context) (*LocationFix, error) {
		return nil, errors.New("permission denied")
	}))
	_, err = failing.Collect(ctx)
	assert.Error(t, err)
}

func TestAppUsageProvider(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	var window [2]time.Time
	p := NewAppUsageProvider(usageFunc(func(_ context.Context, from, to time.Time) ([]UsageStat, error) {
		window = [2]time.Time{from, to}
		return []UsageStat{
			{"com.a", 10}, {"com.b", 60}, {"com.c", 0}, {"com.d", 30},
			{"com.e", 20}, {"com.f", 50}, {"com.g", 40},
		}, nil
	}))
	p.now = func() time.Time { return now }

	records, err := p.Collect(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, [2]time.Time{now.Add(-24 * time.Hour), now}, window)

	var stats []UsageStat
	require.NoError(t, json.Unmarshal(records[0].Payload, &stats))
	require.Len(t, stats, 5)
	assert.Equal(t, "com.b", stats[0].PackageName)
	assert.Equal(t, "com.e", stats[4].PackageName)

	idle := NewAppUsageProvider(usageFunc(func(context.Context, time.Time, time.Time) ([]UsageStat, error) {
		return []UsageStat{{"com.a", 0}}, nil
	}))
	records, err = idle.Collect(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestStaticUsage(t *testing.T) {
	ctx := context.Background()

	t.Run("feeds the usage provider", func(t *testing.T) {
		usage, err := ParseUsage(map[string]string{
			"edu.aiims.survey":        "45m",
			"org.odk.collect.android": " 20m ",
			"com.android.settings":    "0s",
		})
		require.NoError(t, err)

		p := NewAppUsageProvider(usage)
		records, err := p.Collect(ctx)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, models.EventAppUsage, records[0].Type)

		var stats []UsageStat
		require.NoError(t, json.Unmarshal(records[0].Payload, &stats))
		assert.Equal(t, []UsageStat{
			{PackageName: "edu.aiims.survey", TotalTime: (45 * time.Minute).Milliseconds()},
			{PackageName: "org.odk.collect.android", TotalTime: (20 * time.Minute).Milliseconds()},
		}, stats)
	})

	t.Run("rejects bad durations", func(t *testing.T) {
		_, err := ParseUsage(map[string]string{"edu.aiims.survey": "lots"})
		assert.Error(t, err)

		_, err = ParseUsage(map[string]string{"edu.aiims.survey": "-5m"})
		assert.Error(t, err)

		_, err = ParseUsage(map[string]string{" ": "5m"})
		assert.Error(t, err)
	})

	t.Run("empty usage yields no sample", func(t *testing.T) {
		usage, err := ParseUsage(nil)
		require.NoError(t, err)

		records, err := NewAppUsageProvider(usage).Collect(ctx)
		require.NoError(t, err)
		assert.Empty(t, records)
	})
}
