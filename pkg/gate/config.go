package gate

import "time"

// Config holds the hot-reloadable thresholds of spec.md §4.5 /
// tuneables.json's advisory_gate section.
type Config struct {
	MaxEmitPerCall        int
	ToolCooldownS         float64
	AdviceRepeatCooldownS float64
	WarningThreshold      float64
	NoteThreshold         float64
	WhisperThreshold      float64
	ReadBeforeEditWindowS float64
}

// DefaultConfig returns spec.md's documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxEmitPerCall:        2,
		ToolCooldownS:         120,
		AdviceRepeatCooldownS: 600,
		WarningThreshold:      0.80,
		NoteThreshold:         0.50,
		WhisperThreshold:      0.35,
		ReadBeforeEditWindowS: 120,
	}
}

// Normalize clamps threshold ordering to warning >= note >= whisper,
// reporting whether it had to adjust anything (spec.md §4.5, §8).
func (c *Config) Normalize() (adjusted bool) {
	if c.NoteThreshold > c.WarningThreshold {
		c.NoteThreshold = c.WarningThreshold
		adjusted = true
	}
	if c.WhisperThreshold > c.NoteThreshold {
		c.WhisperThreshold = c.NoteThreshold
		adjusted = true
	}
	return adjusted
}

func (c Config) toolCooldown() time.Duration {
	return time.Duration(c.ToolCooldownS * float64(time.Second))
}

func (c Config) adviceRepeatCooldown() time.Duration {
	return time.Duration(c.AdviceRepeatCooldownS * float64(time.Second))
}
