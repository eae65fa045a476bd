package session

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/elixirlabs/chamber-gateway/internal/plc"
	"github.com/elixirlabs/chamber-gateway/internal/signalmap"
)

// SignalReader is the slice of the protocol adapter the collector needs.
type SignalReader interface {
	ReadValue(ctx context.Context, desc *signalmap.AddressDescriptor) (plc.Value, error)
	Connected() bool
}

// Ref names one signal the collector samples.
type Ref struct {
	Category string
	Name     string
}

// Collector samples a fixed signal set while a session is active and logs
// the readings as data points. It idles when no session is open.
type Collector struct {
	service  *Service
	registry *signalmap.Registry
	reader   SignalReader
	signals  []Ref
	interval time.Duration
	logger   *zap.Logger
}

// NewCollector creates a Collector.
func NewCollector(service *Service, registry *signalmap.Registry, reader SignalReader, signals []Ref, interval time.Duration, logger *zap.Logger) *Collector {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Collector{
		service:  service,
		registry: registry,
		reader:   reader,
		signals:  signals,
		interval: interval,
		logger:   logger.Named("collector"),
	}
}

// Run samples on its interval until ctx is cancelled.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.logger.Info("Data collector started",
		zap.Duration("interval", c.interval),
		zap.Int("signals", len(c.signals)),
	)
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Data collector stopped")
			return
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

func (c *Collector) collect(ctx context.Context) {
	if _, err := c.service.Active(ctx); err != nil {
		if !errors.Is(err, ErrNoActiveSession) {
			c.logger.Warn("Failed to check active session", zap.Error(err))
		}
		return
	}
	if !c.reader.Connected() {
		c.logger.Debug("Skipping data point, link down")
		return
	}

	values := make(map[string]float64, len(c.signals))
	for _, ref := range c.signals {
		desc, err := c.registry.Resolve(ref.Category, ref.Name)
		if err != nil {
			c.logger.Warn("Collector signal not in registry",
				zap.String("signal", ref.Category+"."+ref.Name),
				zap.Error(err),
			)
			continue
		}
		v, err := c.reader.ReadValue(ctx, desc)
		if err != nil {
			continue
		}
		values[desc.Key()] = v.AsNumber()
	}
	if len(values) == 0 {
		return
	}

	if err := c.service.RecordDataPoint(ctx, values); err != nil && !errors.Is(err, ErrNoActiveSession) {
		c.logger.Warn("Failed to record data point", zap.Error(err))
	}
}
