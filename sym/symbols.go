// Package sym defines the glyphs metronome uses as system markers in logs,
// CLI output and the job stream.
package sym

// Glyph string constants used across logs, CLI and the job stream.
const (
	Pulse      = "꩜" // job engine: dispatch, execution, rescheduling
	PulseOpen  = "✿" // startup and dispatch recovery
	PulseClose = "❀" // graceful shutdown
	DB         = "⊔" // database/storage layer
	Queue      = "⋈" // queue backend operations
	AM         = "≡" // am: configuration
	IX         = "⨳" // ix: job submission
)

// Status glyphs rendered next to job records.
const (
	StatusPending   = "○"
	StatusRunning   = "◐"
	StatusCompleted = "●"
	StatusFailed    = "✕"
	StatusDisabled  = "⊘"
)

// ForStatus returns the glyph for a job status string, or "?" when unknown.
func ForStatus(status string) string {
	switch status {
	case "pending":
		return StatusPending
	case "running":
		return StatusRunning
	case "completed":
		return StatusCompleted
	case "failed":
		return StatusFailed
	case "disabled":
		return StatusDisabled
	}
	return "?"
}
