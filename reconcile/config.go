package reconcile

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

type Config struct {
	// ReconnectInitialInterval is the delay before the first reconnect retry.
	ReconnectInitialInterval time.Duration

	// ReconnectMaxInterval caps the delay between retries.
	ReconnectMaxInterval time.Duration

	// ReconnectMaxRetries bounds the retries after a failed connection
	// attempt. Zero disables retrying.
	ReconnectMaxRetries uint64
}

func DefaultConfig() Config {
	return Config{
		ReconnectInitialInterval: 500 * time.Millisecond,
		ReconnectMaxInterval:     30 * time.Second,
		ReconnectMaxRetries:      8,
	}
}

func (c Config) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.ReconnectInitialInterval
	b.MaxInterval = c.ReconnectMaxInterval
	// Retries are bounded by count, not elapsed time.
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, c.ReconnectMaxRetries)
}
