package enlighten

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLatestSeries(t *testing.T) {
	m := map[string]any{
		"soc":   []any{10.0, nil, nil},
		"empty": []any{nil, nil},
	}

	v, ok := latestSeries(m, "soc")
	assert.True(t, ok)
	assert.Equal(t, 10.0, v)

	_, ok = latestSeries(m, "empty")
	assert.False(t, ok, "all-null series has no value")

	_, ok = latestSeries(m, "missing")
	assert.False(t, ok)

	_, ok = latestSeries(nil, "soc")
	assert.False(t, ok)
}

func TestNormalizeEmptyPayload(t *testing.T) {
	rec := normalize(map[string]any{}, nil, time.Now())

	// missing fields degrade to defaults instead of failing
	assert.Equal(t, 0.0, rec.SOC)
	assert.Equal(t, 100.0, rec.SOH)
	assert.Equal(t, "unknown", rec.Status)
	assert.Empty(t, rec.Mode)
}

func TestNormalizePowerClamping(t *testing.T) {
	today := map[string]any{
		"stats": []any{map[string]any{
			"charge":    []any{-40.0},
			"discharge": []any{300.0},
		}},
	}
	rec := normalize(today, nil, time.Now())

	// a transiently negative raw figure never produces a negative component
	assert.Equal(t, 0.0, rec.ChargePowerW)
	assert.Equal(t, 300.0, rec.DischargePowerW)
	assert.Equal(t, 300.0, rec.NetPowerW)
}
