// Package command executes verified signal writes. A command is not trusted
// on the write call's local success: the dispatcher re-reads the signal
// until the controller actually reflects the requested value, and reports
// the truth either way. All safety and interlock logic stays in the
// controller; this layer only answers "did it take effect".
package command

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/elixirlabs/chamber-gateway/internal/metrics"
	"github.com/elixirlabs/chamber-gateway/internal/plc"
	"github.com/elixirlabs/chamber-gateway/internal/signalmap"
)

var (
	// ErrCommandFailed is returned when the transport write itself fails.
	// Transport retry policy belongs to the adapter's supervisor, never here.
	ErrCommandFailed = errors.New("command failed")
)

// OutOfRangeError reports a value outside a signal's declared domain. No
// transport write is issued for such a command.
type OutOfRangeError struct {
	Category string
	Name     string
	Value    float64
	Domain   signalmap.Range
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("value %g for %s.%s outside domain [%g, %g]",
		e.Value, e.Category, e.Name, e.Domain.Min, e.Domain.Max)
}

// ReadWriter is the slice of the protocol adapter the dispatcher needs.
type ReadWriter interface {
	ReadValue(ctx context.Context, desc *signalmap.AddressDescriptor) (plc.Value, error)
	WriteValue(ctx context.Context, desc *signalmap.AddressDescriptor, value plc.Value) error
}

// Result is the definitive outcome of one command.
type Result struct {
	Category       string        `json:"category"`
	Name           string        `json:"name"`
	RequestedValue plc.Value     `json:"requestedValue"`
	ObservedValue  plc.Value     `json:"observedValue"`
	Verified       bool          `json:"verified"`
	Latency        time.Duration `json:"-"`
	LatencyMS      int64         `json:"latencyMs"`
}

// Dispatcher resolves, validates, writes and verifies commands.
type Dispatcher struct {
	registry       *signalmap.Registry
	rw             ReadWriter
	verifyInterval time.Duration
	logger         *zap.Logger
	sink           metrics.Sink
}

// NewDispatcher creates a Dispatcher. verifyInterval is the poll interval of
// the verification loop, independent of any broadcast channel interval.
func NewDispatcher(registry *signalmap.Registry, rw ReadWriter, verifyInterval time.Duration, logger *zap.Logger, sink metrics.Sink) *Dispatcher {
	if verifyInterval <= 0 {
		verifyInterval = 100 * time.Millisecond
	}
	return &Dispatcher{
		registry:       registry,
		rw:             rw,
		verifyInterval: verifyInterval,
		logger:         logger.Named("command"),
		sink:           sink,
	}
}

// Execute writes value to the named signal and verifies it took effect.
// It returns signalmap.ErrUnknownSignal, an *OutOfRangeError,
// plc.ErrBadValue for a value the signal's width cannot carry, or
// ErrCommandFailed for a failed transport write; a write that succeeded but
// could not be verified within verifyTimeout is not an error — the Result
// reports verified=false with the last observed value and the caller decides.
func (d *Dispatcher) Execute(ctx context.Context, category, name string, value plc.Value, verifyTimeout time.Duration) (*Result, error) {
	desc, err := d.registry.Resolve(category, name)
	if err != nil {
		return nil, err
	}

	if desc.Domain != nil && !desc.Domain.Contains(value.AsNumber()) {
		return nil, &OutOfRangeError{
			Category: category,
			Name:     name,
			Value:    value.AsNumber(),
			Domain:   *desc.Domain,
		}
	}

	start := time.Now()
	if err := d.rw.WriteValue(ctx, desc, value); err != nil {
		// A value that cannot be encoded never reached the wire; report it
		// as the caller's error, not a failed command.
		if errors.Is(err, plc.ErrBadValue) {
			return nil, err
		}
		d.logger.Error("Command write failed",
			zap.String("signal", desc.Key()),
			zap.Stringer("value", value),
			zap.Error(err),
		)
		d.sink.CommandCompleted(false, time.Since(start))
		return &Result{
			Category:       category,
			Name:           name,
			RequestedValue: value,
			Verified:       false,
		}, fmt.Errorf("%w: %v", ErrCommandFailed, err)
	}

	result := d.verify(ctx, desc, value, verifyTimeout)
	result.Category = category
	result.Name = name
	result.Latency = time.Since(start)
	result.LatencyMS = result.Latency.Milliseconds()
	d.sink.CommandCompleted(result.Verified, result.Latency)

	d.logger.Info("Command executed",
		zap.String("signal", desc.Key()),
		zap.Stringer("requested", value),
		zap.Stringer("observed", result.ObservedValue),
		zap.Bool("verified", result.Verified),
		zap.Duration("latency", result.Latency),
	)
	return result, nil
}

// verify polls the signal until the observed value matches the requested one
// or the timeout elapses. Individual read errors during the window are
// tolerated; the controller may be slow reflecting the write.
func (d *Dispatcher) verify(ctx context.Context, desc *signalmap.AddressDescriptor, requested plc.Value, timeout time.Duration) *Result {
	result := &Result{RequestedValue: requested}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(d.verifyInterval)
	defer ticker.Stop()

	for {
		observed, err := d.rw.ReadValue(ctx, desc)
		if err == nil {
			result.ObservedValue = observed
			if observed.Equal(requested) {
				result.Verified = true
				return result
			}
		}

		select {
		case <-ctx.Done():
			return result
		case <-deadline.C:
			return result
		case <-ticker.C:
		}
	}
}
