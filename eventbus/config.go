package eventbus

import (
	"fmt"
	"time"

	berr "github.com/next-trace/scg-event-bus/contract/errors"
	"github.com/next-trace/scg-event-bus/retry"
)

const (
	DefaultExchange    = "scg-integration"
	DefaultPrefetch    = 16
	DefaultConcurrency = 8
)

// Config describes the broker topology and delivery policy of one bus.
// Zero values select the defaults.
type Config struct {
	// Exchange is the direct exchange events are published to.
	Exchange string
	// Queue is this service's durable queue. Required.
	Queue string
	// RetryCount bounds publish and channel recovery retries. Negative disables retries.
	RetryCount int
	// RetryDelay is multiplied by the attempt number between retries.
	RetryDelay time.Duration
	Prefetch   int
	// Concurrency caps deliveries handled in parallel.
	Concurrency int
	ConsumerTag string
	// RequeueOnError returns failed deliveries to the queue instead of dropping them.
	RequeueOnError bool
	// UnbindOnEmpty removes the queue binding when the last handler of an event unsubscribes.
	UnbindOnEmpty bool
}

func (c Config) withDefaults() Config {
	if c.Exchange == "" {
		c.Exchange = DefaultExchange
	}

	switch {
	case c.RetryCount == 0:
		c.RetryCount = retry.DefaultRetries
	case c.RetryCount < 0:
		c.RetryCount = 0
	}

	if c.RetryDelay <= 0 {
		c.RetryDelay = retry.DefaultDelay
	}

	if c.Prefetch <= 0 {
		c.Prefetch = DefaultPrefetch
	}

	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}

	return c
}

func (c Config) validate() error {
	if c.Queue == "" {
		return fmt.Errorf("eventbus config: queue required: %w", berr.ErrInvalidConfig)
	}

	return nil
}

func (c Config) policy() retry.Policy {
	return retry.Policy{Retries: c.RetryCount, Delay: c.RetryDelay}
}
