package generation

import "time"

// Config tunes the orchestrator.
type Config struct {
	PollInterval           time.Duration `json:"poll_interval" yaml:"poll_interval" env:"POLL_INTERVAL"`
	Timeout                time.Duration `json:"timeout" yaml:"timeout" env:"TIMEOUT"`
	MaxConcurrent          int           `json:"max_concurrent" yaml:"max_concurrent" env:"MAX_CONCURRENT"`
	ProgressCap            float64       `json:"progress_cap" yaml:"progress_cap" env:"PROGRESS_CAP"`
	PollRetries            int           `json:"poll_retries" yaml:"poll_retries" env:"POLL_RETRIES"`
	PollRetryDelay         time.Duration `json:"poll_retry_delay" yaml:"poll_retry_delay" env:"POLL_RETRY_DELAY"`
	PollRateLimit          float64       `json:"poll_rate_limit" yaml:"poll_rate_limit" env:"POLL_RATE_LIMIT"`
	PollRateBurst          int           `json:"poll_rate_burst" yaml:"poll_rate_burst" env:"POLL_RATE_BURST"`
	AllowMultiviewFallback bool          `json:"allow_multiview_fallback" yaml:"allow_multiview_fallback" env:"ALLOW_MULTIVIEW_FALLBACK"`
}

// DefaultConfig returns the production defaults: poll every 3s, give up after
// 10 minutes.
func DefaultConfig() Config {
	return Config{
		PollInterval:   3 * time.Second,
		Timeout:        600 * time.Second,
		MaxConcurrent:  8,
		ProgressCap:    90,
		PollRetries:    2,
		PollRetryDelay: 500 * time.Millisecond,
		PollRateLimit:  5,
		PollRateBurst:  5,
	}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.MaxConcurrent < 0 {
		c.MaxConcurrent = 0
	}
	if c.ProgressCap <= 0 || c.ProgressCap > 100 {
		c.ProgressCap = def.ProgressCap
	}
	if c.PollRetries < 0 {
		c.PollRetries = 0
	}
	if c.PollRetryDelay <= 0 {
		c.PollRetryDelay = def.PollRetryDelay
	}
	if c.PollRateLimit < 0 {
		c.PollRateLimit = 0
	}
	if c.PollRateBurst <= 0 {
		c.PollRateBurst = 1
	}
	return c
}
