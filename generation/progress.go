package generation

import (
	"fmt"

	"github.com/BaSui01/digigami/threed"
)

// ProgressFunc receives (percent, message). It is called synchronously from the
// goroutine that owns the task, so calls for one task are strictly ordered.
type ProgressFunc func(percent float64, message string)

// Rescale maps a sub-stage's 0–100 progress onto [offset, offset+span] of the
// caller's scale. A nil cb yields nil.
func Rescale(offset, span float64, cb ProgressFunc) ProgressFunc {
	if cb == nil {
		return nil
	}
	return func(p float64, msg string) {
		cb(threed.ClampProgress(offset+threed.ClampProgress(p)*span/100), msg)
	}
}

// Progress messages.
const (
	msgStarting          = "Starting 3D generation..."
	msgStartingMultiview = "Starting multi-view 3D generation..."
	msgLoadingPoses      = "Loading character poses..."
	msgDownloading       = "Downloading model..."
	msgComplete          = "Complete!"
)

func generatingMessage(s threed.Status) string {
	return fmt.Sprintf("Generating 3D model (%s)...", s)
}

func foundViewsMessage(n int) string {
	return fmt.Sprintf("Found %d views, starting generation...", n)
}

// Character pipeline reserves [0,10) for loading and validation.
const (
	poseLoadShare  = 10
	poseChildShare = 90
)
