// Package broadcast runs one polling loop per configured channel and fans
// the sampled controller state out to WebSocket subscribers. Channels tick on
// independent timers; subscribers get bounded queues with drop-oldest
// backpressure so a slow socket can never stall the engine.
package broadcast

import (
	"time"

	"github.com/elixirlabs/chamber-gateway/internal/plc"
	"github.com/elixirlabs/chamber-gateway/pkg/config"
)

// SignalRef names one signal sampled by a channel. Alias is the key used in
// the payload; it defaults to the signal name.
type SignalRef struct {
	Category string
	Name     string
	Alias    string
}

// PayloadKey returns the key this signal uses inside its payload group.
func (r SignalRef) PayloadKey() string {
	if r.Alias != "" {
		return r.Alias
	}
	return r.Name
}

// Group is one named nesting level of the payload shape.
type Group struct {
	Name    string
	Signals []SignalRef
}

// ChannelSpec is the static definition of one broadcast channel. Channels
// come from configuration, not from clients.
type ChannelSpec struct {
	ID       string
	Interval time.Duration
	Groups   []Group
}

// Payload is one complete, timestamped broadcast message. It is relayed to
// the wire verbatim by the WebSocket layer.
type Payload struct {
	Channel      string                          `json:"channel"`
	Timestamp    time.Time                       `json:"timestamp"`
	PLCConnected bool                            `json:"plcConnected"`
	Stale        bool                            `json:"stale"`
	Data         map[string]map[string]plc.Value `json:"data"`
}

// SpecsFromConfig converts channel configuration into engine specs.
func SpecsFromConfig(channels []config.ChannelConfig) []ChannelSpec {
	specs := make([]ChannelSpec, 0, len(channels))
	for _, ch := range channels {
		spec := ChannelSpec{
			ID:       ch.ID,
			Interval: time.Duration(ch.IntervalMS) * time.Millisecond,
		}
		for _, g := range ch.Groups {
			group := Group{Name: g.Name}
			for _, s := range g.Signals {
				group.Signals = append(group.Signals, SignalRef{
					Category: s.Category,
					Name:     s.Name,
					Alias:    s.Alias,
				})
			}
			spec.Groups = append(spec.Groups, group)
		}
		specs = append(specs, spec)
	}
	return specs
}
