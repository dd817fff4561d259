package soap

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

//go:generate mockgen -source=retry.go -destination=../../pkg/mock/rpc.go -package=mock

// Doer is the retrying call surface the RPC consumers build on.
type Doer interface {
	// Do issues payload and decodes the response into out. The bool
	// reports whether out holds a response; it is false only in Report
	// mode once every attempt has failed.
	Do(ctx context.Context, hdr *Context, payload, out any) (bool, error)
}

// Mode selects how the retrier surfaces a call that kept failing.
type Mode int

const (
	// Raise turns exhausted attempts into an RPCError.
	Raise Mode = iota
	// Report logs the failure and yields a null result instead.
	Report
)

const (
	retryAttempts = 3
	backoffUnit   = time.Second
)

// Retrier wraps a Transport with the channel retry policy: transport
// and decode failures are replayed with a growing pause, server faults
// are terminal and surface at once.
type Retrier struct {
	transport Transport
	logger    *slog.Logger
	mode      Mode
	attempts  int
	unit      time.Duration
	sleep     func(time.Duration)
	counter   metric.Int64Counter
}

type RetrierOption func(*Retrier)

func NewRetrier(t Transport, logger *slog.Logger, opts ...RetrierOption) (*Retrier, error) {
	if t == nil {
		return nil, errors.New("requires transport")
	}
	if logger == nil {
		return nil, errors.New("requires logger")
	}

	r := &Retrier{
		transport: t,
		logger:    logger,
		mode:      Raise,
		attempts:  retryAttempts,
		unit:      backoffUnit,
		sleep:     time.Sleep,
	}
	for _, opt := range opts {
		opt(r)
	}

	counter, err := otel.Meter("boxsweep/soap").Int64Counter("boxsweep.rpc.attempts",
		metric.WithDescription("SOAP call attempts, retries included"),
		metric.WithUnit("{attempt}"))
	if err != nil {
		return nil, err
	}
	r.counter = counter
	return r, nil
}

func WithMode(mode Mode) RetrierOption {
	return func(r *Retrier) {
		r.mode = mode
	}
}

// WithSleep replaces the inter-attempt pause, so tests run on a fake
// clock.
func WithSleep(sleep func(time.Duration)) RetrierOption {
	return func(r *Retrier) {
		r.sleep = sleep
	}
}

// Do drives one call through the transport under the retry policy.
// Attempt n is followed by a pause of n backoff units before the next.
func (r *Retrier) Do(ctx context.Context, hdr *Context, payload, out any) (bool, error) {
	op := payloadName(payload)

	var last error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		r.counter.Add(ctx, 1, metric.WithAttributes(attribute.String("rpc.op", op)))
		err := r.transport.Call(ctx, hdr, payload, out)
		if err == nil {
			return true, nil
		}
		var fault *Fault
		if errors.As(err, &fault) {
			return false, err
		}
		last = err
		if attempt < r.attempts {
			r.logger.WarnContext(ctx, "rpc attempt failed, retrying",
				slog.String("op", op),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()))
			r.sleep(time.Duration(attempt) * r.unit)
		}
	}

	if r.mode == Report {
		r.logger.WarnContext(ctx, "rpc gave up, continuing with no result",
			slog.String("op", op),
			slog.Int("attempts", r.attempts),
			slog.String("error", last.Error()))
		return false, nil
	}
	return false, &RPCError{Op: op, Attempts: r.attempts, Err: last}
}
