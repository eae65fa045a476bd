// Package plc owns the single physical controller link. The Adapter exposes
// typed read/write operations keyed by address descriptors, serializes all
// transport access through one call gate, and keeps a background supervisor
// driving the link back to Connected after any failure.
package plc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/elixirlabs/chamber-gateway/internal/metrics"
	"github.com/elixirlabs/chamber-gateway/internal/signalmap"
)

// State is the controller link state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var (
	// ErrNotConnected is returned for calls issued while the link is down.
	// Calls are never queued waiting for a reconnect.
	ErrNotConnected = errors.New("plc not connected")
	// ErrConnectTimeout is returned when a connect attempt times out.
	ErrConnectTimeout = errors.New("plc connect timeout")
	// ErrConnectRefused is returned when the controller rejects a connect.
	ErrConnectRefused = errors.New("plc connect refused")
	// ErrCommunication wraps transport failures on an established link.
	ErrCommunication = errors.New("plc communication error")
	// ErrBadValue reports a value that cannot be encoded for the signal's
	// width. The link is left untouched; this is the caller's error.
	ErrBadValue = errors.New("value does not fit signal width")
)

// Options configures the Adapter.
type Options struct {
	Endpoint         string
	ConnectTimeout   time.Duration
	CallTimeout      time.Duration
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
}

// DefaultOptions returns Options with production defaults.
func DefaultOptions(endpoint string) Options {
	return Options{
		Endpoint:         endpoint,
		ConnectTimeout:   5 * time.Second,
		CallTimeout:      2 * time.Second,
		ReconnectInitial: 500 * time.Millisecond,
		ReconnectMax:     30 * time.Second,
	}
}

// Adapter is the protocol adapter in front of the transport. All components
// share a single Adapter; it executes at most one transport operation at a
// time.
type Adapter struct {
	transport Transport
	opts      Options
	logger    *zap.Logger
	sink      metrics.Sink

	// gate is the single in-flight transport slot. Held for the full
	// duration of each transport operation, including read-modify-write
	// bit updates.
	gate  chan struct{}
	state atomic.Int32
	wake  chan struct{}
}

// NewAdapter creates an Adapter in the Disconnected state.
func NewAdapter(t Transport, opts Options, logger *zap.Logger, sink metrics.Sink) *Adapter {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 2 * time.Second
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.ReconnectInitial <= 0 {
		opts.ReconnectInitial = 500 * time.Millisecond
	}
	if opts.ReconnectMax < opts.ReconnectInitial {
		opts.ReconnectMax = 30 * time.Second
	}
	return &Adapter{
		transport: t,
		opts:      opts,
		logger:    logger.Named("plc"),
		sink:      sink,
		gate:      make(chan struct{}, 1),
		wake:      make(chan struct{}, 1),
	}
}

// State returns the current link state.
func (a *Adapter) State() State {
	return State(a.state.Load())
}

// Connected reports whether the link is up.
func (a *Adapter) Connected() bool {
	return a.State() == StateConnected
}

func (a *Adapter) setState(to State) {
	from := State(a.state.Swap(int32(to)))
	if from == to {
		return
	}
	a.logger.Info("Link state changed",
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
	a.sink.LinkStateChanged(from.String(), to.String())
}

// degrade moves an established link to Degraded and nudges the supervisor.
// Only a Connected link degrades; a failed connect attempt goes back to
// Disconnected instead.
func (a *Adapter) degrade(cause error) {
	if a.state.CompareAndSwap(int32(StateConnected), int32(StateDegraded)) {
		a.logger.Warn("Link degraded", zap.Error(cause))
		a.sink.LinkStateChanged(StateConnected.String(), StateDegraded.String())
		select {
		case a.wake <- struct{}{}:
		default:
		}
	}
}

// Connect establishes the link. It fails with ErrConnectTimeout or
// ErrConnectRefused and returns to Disconnected on failure.
func (a *Adapter) Connect(ctx context.Context) error {
	if !a.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		return fmt.Errorf("connect from %s state", a.State())
	}
	a.sink.LinkStateChanged(StateDisconnected.String(), StateConnecting.String())

	ctx, cancel := context.WithTimeout(ctx, a.opts.ConnectTimeout)
	defer cancel()

	a.gate <- struct{}{}
	done := make(chan error, 1)
	go func() {
		done <- a.transport.Connect(ctx, a.opts.Endpoint)
		<-a.gate
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	if err != nil {
		a.setState(StateDisconnected)
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s", ErrConnectTimeout, a.opts.Endpoint)
		}
		return fmt.Errorf("%w: %v", ErrConnectRefused, err)
	}

	a.setState(StateConnected)
	a.logger.Info("Connected to controller", zap.String("endpoint", a.opts.Endpoint))
	return nil
}

// do runs op while holding the transport gate, honoring the per-call
// timeout. A transport failure or a stalled operation degrades the link;
// the gate is released only once the operation actually returns, so a
// stuck call can never overlap the next one on the wire.
func (a *Adapter) do(ctx context.Context, op func() error) error {
	ctx, cancel := context.WithTimeout(ctx, a.opts.CallTimeout)
	defer cancel()

	select {
	case a.gate <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("%w: waiting for transport: %v", ErrCommunication, ctx.Err())
	}

	done := make(chan error, 1)
	go func() {
		done <- op()
		<-a.gate
	}()

	select {
	case err := <-done:
		if err != nil {
			a.degrade(err)
			return fmt.Errorf("%w: %v", ErrCommunication, err)
		}
		return nil
	case <-ctx.Done():
		a.degrade(ctx.Err())
		return fmt.Errorf("%w: %v", ErrCommunication, ctx.Err())
	}
}

// ReadValue reads and decodes the value at desc. Fails immediately with
// ErrNotConnected while the link is down.
func (a *Adapter) ReadValue(ctx context.Context, desc *signalmap.AddressDescriptor) (Value, error) {
	if !a.Connected() {
		return Value{}, ErrNotConnected
	}
	var v Value
	err := a.do(ctx, func() error {
		data, err := a.transport.ReadRegion(desc.Area.Region(), desc.ByteOffset, desc.Width.ByteLength())
		if err != nil {
			return err
		}
		v, err = decodeValue(desc, data)
		return err
	})
	return v, err
}

// WriteValue encodes and writes value to desc. Bit writes read the
// containing byte, flip the one bit and write it back inside a single gate
// hold so concurrent bit writes to the same byte cannot lose updates.
func (a *Adapter) WriteValue(ctx context.Context, desc *signalmap.AddressDescriptor, value Value) error {
	if !a.Connected() {
		return ErrNotConnected
	}
	region := desc.Area.Region()
	if desc.Width == signalmap.WidthBit {
		set := value.AsBool()
		return a.do(ctx, func() error {
			data, err := a.transport.ReadRegion(region, desc.ByteOffset, 1)
			if err != nil {
				return err
			}
			mask := byte(1) << desc.BitOffset
			if set {
				data[0] |= mask
			} else {
				data[0] &^= mask
			}
			return a.transport.WriteRegion(region, desc.ByteOffset, data[:1])
		})
	}

	// Encoding happens outside the gate: a value that does not fit the
	// width is a caller error, not a link fault, and must not degrade a
	// healthy transport.
	data, err := encodeValue(desc, value)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadValue, err)
	}
	return a.do(ctx, func() error {
		return a.transport.WriteRegion(region, desc.ByteOffset, data)
	})
}

// decodeValue interprets raw bytes per the descriptor width. Multi-byte
// values use the controller family's native big-endian order regardless of
// the host. Double-words in V-region memory are REAL (IEEE-754 float32),
// elsewhere unsigned DWORD.
func decodeValue(desc *signalmap.AddressDescriptor, data []byte) (Value, error) {
	if len(data) < desc.Width.ByteLength() {
		return Value{}, fmt.Errorf("short read: got %d bytes, want %d", len(data), desc.Width.ByteLength())
	}
	switch desc.Width {
	case signalmap.WidthBit:
		return BoolValue(data[0]>>desc.BitOffset&1 == 1), nil
	case signalmap.WidthByte:
		return NumberValue(float64(data[0])), nil
	case signalmap.WidthWord:
		return NumberValue(float64(int16(binary.BigEndian.Uint16(data)))), nil
	case signalmap.WidthDoubleWord:
		raw := binary.BigEndian.Uint32(data)
		if desc.Area.Region() == signalmap.RegionV {
			return NumberValue(float64(math.Float32frombits(raw))), nil
		}
		return NumberValue(float64(raw)), nil
	default:
		return Value{}, fmt.Errorf("unsupported width %s", desc.Width)
	}
}

func encodeValue(desc *signalmap.AddressDescriptor, value Value) ([]byte, error) {
	switch desc.Width {
	case signalmap.WidthByte:
		n := value.AsNumber()
		if n < 0 || n > 255 {
			return nil, fmt.Errorf("value %g does not fit in a byte", n)
		}
		return []byte{byte(n)}, nil
	case signalmap.WidthWord:
		n := value.AsNumber()
		if n < math.MinInt16 || n > math.MaxInt16 {
			return nil, fmt.Errorf("value %g does not fit in a word", n)
		}
		buf := make([]byte, 2)
		binary.BigEndian.PutUint16(buf, uint16(int16(n)))
		return buf, nil
	case signalmap.WidthDoubleWord:
		buf := make([]byte, 4)
		if desc.Area.Region() == signalmap.RegionV {
			binary.BigEndian.PutUint32(buf, math.Float32bits(float32(value.AsNumber())))
		} else {
			n := value.AsNumber()
			if n < 0 || n > math.MaxUint32 {
				return nil, fmt.Errorf("value %g does not fit in a dword", n)
			}
			binary.BigEndian.PutUint32(buf, uint32(n))
		}
		return buf, nil
	default:
		return nil, fmt.Errorf("unsupported width %s", desc.Width)
	}
}

// RunSupervisor drives the link back to Connected whenever it is down,
// retrying with exponential backoff up to ReconnectMax, forever. It blocks
// until ctx is cancelled; run it on its own goroutine. Callers are never
// blocked by reconnection.
func (a *Adapter) RunSupervisor(ctx context.Context) {
	delay := a.opts.ReconnectInitial
	for {
		switch a.State() {
		case StateConnected:
			select {
			case <-ctx.Done():
				return
			case <-a.wake:
			}
			continue

		case StateDegraded:
			// Tear the stale handle down before reconnecting.
			a.gate <- struct{}{}
			if err := a.transport.Disconnect(); err != nil {
				a.logger.Debug("Disconnect of degraded link failed", zap.Error(err))
			}
			<-a.gate
			a.setState(StateDisconnected)
			continue

		case StateDisconnected:
			if err := a.Connect(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				a.logger.Warn("Reconnect attempt failed",
					zap.Error(err),
					zap.Duration("retry_in", delay),
				)
				select {
				case <-ctx.Done():
					return
				case <-time.After(delay):
				}
				delay *= 2
				if delay > a.opts.ReconnectMax {
					delay = a.opts.ReconnectMax
				}
				continue
			}
			delay = a.opts.ReconnectInitial

		default:
			// Another goroutine is mid-connect; wait for it to settle.
			select {
			case <-ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
		}
	}
}

// Close disconnects the transport.
func (a *Adapter) Close() error {
	a.gate <- struct{}{}
	defer func() { <-a.gate }()
	a.setState(StateDisconnected)
	err := a.transport.Disconnect()
	if err != nil && !isClosedErr(err) {
		return err
	}
	return nil
}

func isClosedErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "closed")
}
