package broadcast

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/elixirlabs/chamber-gateway/internal/metrics"
	"github.com/elixirlabs/chamber-gateway/internal/plc"
	"github.com/elixirlabs/chamber-gateway/internal/signalmap"
)

// ValueReader is the slice of the protocol adapter the engine needs.
type ValueReader interface {
	ReadValue(ctx context.Context, desc *signalmap.AddressDescriptor) (plc.Value, error)
	Connected() bool
}

// channelState holds the mutable per-channel state. The subscriber set is
// guarded by its own lock; lastKnown is touched only by the channel's
// polling goroutine.
type channelState struct {
	spec      ChannelSpec
	mu        sync.Mutex
	subs      map[string]*Subscriber
	lastKnown map[string]plc.Value
}

// Engine polls every configured channel on its own timer and broadcasts the
// sampled payloads. Subscribers always receive a message on schedule: while
// the link is down the payload carries last-known values flagged stale.
type Engine struct {
	registry  *signalmap.Registry
	reader    ValueReader
	queueSize int
	logger    *zap.Logger
	sink      metrics.Sink

	channels map[string]*channelState
}

// NewEngine creates an Engine for the given channel specs.
func NewEngine(registry *signalmap.Registry, reader ValueReader, specs []ChannelSpec, queueSize int, logger *zap.Logger, sink metrics.Sink) (*Engine, error) {
	if queueSize < 1 {
		queueSize = 16
	}
	e := &Engine{
		registry:  registry,
		reader:    reader,
		queueSize: queueSize,
		logger:    logger.Named("broadcast"),
		sink:      sink,
		channels:  make(map[string]*channelState),
	}
	for _, spec := range specs {
		if spec.Interval <= 0 {
			return nil, fmt.Errorf("channel %s: non-positive interval", spec.ID)
		}
		if _, ok := e.channels[spec.ID]; ok {
			return nil, fmt.Errorf("duplicate channel id %s", spec.ID)
		}
		e.channels[spec.ID] = &channelState{
			spec:      spec,
			subs:      make(map[string]*Subscriber),
			lastKnown: make(map[string]plc.Value),
		}
	}
	return e, nil
}

// Channels returns the configured channel specs sorted by id.
func (e *Engine) Channels() []ChannelSpec {
	out := make([]ChannelSpec, 0, len(e.channels))
	for _, cs := range e.channels {
		out = append(out, cs.spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Subscribe registers a new subscriber on a channel. The subscriber starts
// receiving from the next tick.
func (e *Engine) Subscribe(channelID string) (*Subscriber, error) {
	cs, ok := e.channels[channelID]
	if !ok {
		return nil, fmt.Errorf("unknown channel %q", channelID)
	}
	sub := newSubscriber(channelID, e.queueSize)
	cs.mu.Lock()
	cs.subs[sub.id] = sub
	count := len(cs.subs)
	cs.mu.Unlock()

	e.logger.Info("Subscriber joined",
		zap.String("channel", channelID),
		zap.String("subscriber", sub.id),
		zap.Int("total", count),
	)
	return sub, nil
}

// Unsubscribe removes a subscriber. Once Unsubscribe returns, no further
// payloads are enqueued to it.
func (e *Engine) Unsubscribe(sub *Subscriber) {
	cs, ok := e.channels[sub.channel]
	if !ok {
		return
	}
	cs.mu.Lock()
	delete(cs.subs, sub.id)
	count := len(cs.subs)
	cs.mu.Unlock()
	sub.close()

	e.logger.Info("Subscriber left",
		zap.String("channel", sub.channel),
		zap.String("subscriber", sub.id),
		zap.Uint64("dropped", sub.Dropped()),
		zap.Int("total", count),
	)
}

// Run starts one polling goroutine per channel and blocks until ctx is
// cancelled, then closes all subscribers.
func (e *Engine) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, cs := range e.channels {
		wg.Add(1)
		go func(cs *channelState) {
			defer wg.Done()
			e.pollChannel(ctx, cs)
		}(cs)
	}
	wg.Wait()

	for _, cs := range e.channels {
		cs.mu.Lock()
		for _, sub := range cs.subs {
			sub.close()
		}
		cs.subs = make(map[string]*Subscriber)
		cs.mu.Unlock()
	}
	e.logger.Info("Broadcast engine stopped")
}

func (e *Engine) pollChannel(ctx context.Context, cs *channelState) {
	ticker := time.NewTicker(cs.spec.Interval)
	defer ticker.Stop()

	e.logger.Info("Channel polling started",
		zap.String("channel", cs.spec.ID),
		zap.Duration("interval", cs.spec.Interval),
	)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(ctx, cs)
		}
	}
}

// tick samples the channel's signals and fans the payload out. Signals that
// no longer resolve are dropped from the payload with a warning; the channel
// itself keeps going. While the link is down (or a read fails mid-batch) the
// payload carries last-known values and is flagged stale.
func (e *Engine) tick(ctx context.Context, cs *channelState) {
	connected := e.reader.Connected()
	stale := !connected

	data := make(map[string]map[string]plc.Value, len(cs.spec.Groups))
	for _, group := range cs.spec.Groups {
		values := make(map[string]plc.Value, len(group.Signals))
		for _, ref := range group.Signals {
			key := ref.Category + "." + ref.Name
			desc, err := e.registry.Resolve(ref.Category, ref.Name)
			if err != nil {
				e.logger.Warn("Dropping stale signal from channel payload",
					zap.String("channel", cs.spec.ID),
					zap.String("signal", key),
					zap.Error(err),
				)
				delete(cs.lastKnown, key)
				continue
			}

			if connected {
				v, err := e.reader.ReadValue(ctx, desc)
				if err != nil {
					stale = true
					if last, ok := cs.lastKnown[key]; ok {
						values[ref.PayloadKey()] = last
					}
					continue
				}
				cs.lastKnown[key] = v
				values[ref.PayloadKey()] = v
				continue
			}

			if last, ok := cs.lastKnown[key]; ok {
				values[ref.PayloadKey()] = last
			}
		}
		data[group.Name] = values
	}

	payload := Payload{
		Channel:      cs.spec.ID,
		Timestamp:    time.Now(),
		PLCConnected: connected && !stale,
		Stale:        stale,
		Data:         data,
	}
	e.sink.TickEmitted(cs.spec.ID, stale)

	// Snapshot the subscriber set so a slow fan-out never blocks joins and
	// leaves happening during the tick.
	cs.mu.Lock()
	subs := make([]*Subscriber, 0, len(cs.subs))
	for _, sub := range cs.subs {
		subs = append(subs, sub)
	}
	cs.mu.Unlock()

	for _, sub := range subs {
		if sub.enqueue(payload) {
			e.sink.MessageDropped(cs.spec.ID)
		}
	}
}
