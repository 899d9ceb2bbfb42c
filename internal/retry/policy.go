package retry

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// MaxQueueDelay is the longest delay SQS accepts on a message.
const MaxQueueDelay = 900 * time.Second

// Policy bounds retries for one class of work.
type Policy struct {
	Name        string
	MaxAttempts int

	InitialInterval time.Duration
	// Multiplier of 1 gives a fixed interval.
	Multiplier  float64
	MaxInterval time.Duration

	// MarkFailure forces the notification to technical-failure once the
	// policy is exhausted.
	MarkFailure bool
}

var (
	DeliveryStatusPolicy = Policy{
		Name:            "delivery-status",
		MaxAttempts:     48,
		InitialInterval: 5 * time.Minute,
		Multiplier:      1,
		MarkFailure:     true,
	}

	PinpointPolicy = Policy{
		Name:            "pinpoint",
		MaxAttempts:     5,
		InitialInterval: 5 * time.Minute,
		Multiplier:      1,
		MarkFailure:     true,
	}

	CallbackPolicy = Policy{
		Name:            "callback",
		MaxAttempts:     60,
		InitialInterval: 60 * time.Second,
		Multiplier:      2,
		MaxInterval:     time.Hour,
	}
)

func (p Policy) newBackOff() backoff.BackOff {
	if p.Multiplier <= 1 {
		return backoff.NewConstantBackOff(p.InitialInterval)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.Multiplier = p.Multiplier
	b.MaxInterval = p.MaxInterval
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Delay returns the wait before retry number attempt (0 based).
func (p Policy) Delay(attempt int) time.Duration {
	b := p.newBackOff()
	d := b.NextBackOff()
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Exhausted reports whether a job that has been retried attempts times may
// not be retried again.
func (p Policy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}

// QueueDelay clamps d to what SQS accepts.
func QueueDelay(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	if d > MaxQueueDelay {
		return MaxQueueDelay
	}
	return d
}
