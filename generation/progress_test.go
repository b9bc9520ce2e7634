package generation

import (
	"testing"
	"time"

	"github.com/BaSui01/digigami/threed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestRescale(t *testing.T) {
	var got []float64
	cb := Rescale(poseLoadShare, poseChildShare, func(p float64, _ string) { got = append(got, p) })

	for _, p := range []float64{0, 50, 100, -5, 140} {
		cb(p, "")
	}
	assert.Equal(t, []float64{10, 55, 100, 10, 100}, got)

	assert.Nil(t, Rescale(10, 90, nil))
}

// Property: rescaled progress stays inside [offset, offset+span] and keeps order.
func TestProperty_RescaleMonotone(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		offset := rapid.Float64Range(0, 50).Draw(rt, "offset")
		span := rapid.Float64Range(0, 100-offset).Draw(rt, "span")
		a := rapid.Float64Range(-50, 150).Draw(rt, "a")
		b := rapid.Float64Range(-50, 150).Draw(rt, "b")
		if a > b {
			a, b = b, a
		}

		var out []float64
		cb := Rescale(offset, span, func(p float64, _ string) { out = append(out, p) })
		cb(a, "")
		cb(b, "")

		for _, p := range out {
			if p < offset-1e-9 || p > offset+span+1e-9 {
				rt.Fatalf("rescaled %v outside [%v,%v]", p, offset, offset+span)
			}
		}
		if out[0] > out[1] {
			rt.Fatalf("order lost: %v > %v", out[0], out[1])
		}
	})
}

func TestMessages(t *testing.T) {
	assert.Equal(t, "Generating 3D model (processing)...", generatingMessage(threed.StatusProcessing))
	assert.Equal(t, "Found 3 views, starting generation...", foundViewsMessage(3))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	now := time.Now()
	r.Add(Entry{TaskID: "a", Backend: threed.BackendMeshy, StartedAt: now})
	r.Add(Entry{TaskID: "b", Backend: threed.BackendTripo3D, StartedAt: now, Multiview: true})
	require.Equal(t, 2, r.Len())

	snap := r.Snapshot()
	r.Remove("a")
	assert.Len(t, snap, 2, "snapshot is a copy")
	assert.Equal(t, 1, r.Len())

	e, ok := r.Get("b")
	require.True(t, ok)
	assert.True(t, e.Multiview)
	_, ok = r.Get("a")
	assert.False(t, ok)

	r.Remove("missing")
	assert.Equal(t, 1, r.Len())
}

func TestConfig_Normalized(t *testing.T) {
	cfg := Config{MaxConcurrent: -1, ProgressCap: 150, PollRetries: -3, PollRateLimit: -1}.normalized()
	def := DefaultConfig()
	assert.Equal(t, def.PollInterval, cfg.PollInterval)
	assert.Equal(t, def.Timeout, cfg.Timeout)
	assert.Equal(t, 0, cfg.MaxConcurrent)
	assert.Equal(t, def.ProgressCap, cfg.ProgressCap)
	assert.Equal(t, 0, cfg.PollRetries)
	assert.Equal(t, 0.0, cfg.PollRateLimit)
	assert.Equal(t, 1, cfg.PollRateBurst)
}
