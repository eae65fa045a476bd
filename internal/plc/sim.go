package plc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/elixirlabs/chamber-gateway/internal/signalmap"
)

const simRegionSize = 16384

// SimTransport is an in-process controller: three flat memory regions behind
// the Transport interface. It backs "sim" mode and the test suites, and
// offers out-of-band Poke/Peek access plus failure injection so link-loss
// behavior can be exercised without hardware.
type SimTransport struct {
	mu        sync.Mutex
	connected bool
	regions   map[signalmap.Region][]byte

	failConnect error
	failOps     error
}

// NewSimTransport creates a SimTransport with zeroed memory.
func NewSimTransport() *SimTransport {
	return &SimTransport{
		regions: map[signalmap.Region][]byte{
			signalmap.RegionInput:  make([]byte, simRegionSize),
			signalmap.RegionOutput: make([]byte, simRegionSize),
			signalmap.RegionV:      make([]byte, simRegionSize),
		},
	}
}

func (s *SimTransport) Connect(ctx context.Context, endpoint string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failConnect != nil {
		return s.failConnect
	}
	s.connected = true
	return nil
}

func (s *SimTransport) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	return nil
}

func (s *SimTransport) ReadRegion(region signalmap.Region, offset, length int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil, errors.New("sim: not connected")
	}
	if s.failOps != nil {
		return nil, s.failOps
	}
	mem, err := s.slice(region, offset, length)
	if err != nil {
		return nil, err
	}
	out := make([]byte, length)
	copy(out, mem)
	return out, nil
}

func (s *SimTransport) WriteRegion(region signalmap.Region, offset int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return errors.New("sim: not connected")
	}
	if s.failOps != nil {
		return s.failOps
	}
	mem, err := s.slice(region, offset, len(data))
	if err != nil {
		return err
	}
	copy(mem, data)
	return nil
}

func (s *SimTransport) slice(region signalmap.Region, offset, length int) ([]byte, error) {
	mem, ok := s.regions[region]
	if !ok {
		return nil, fmt.Errorf("sim: unknown region %s", region)
	}
	if offset < 0 || length < 0 || offset+length > len(mem) {
		return nil, fmt.Errorf("sim: access [%d,%d) outside region %s", offset, offset+length, region)
	}
	return mem[offset : offset+length], nil
}

// FailConnect makes subsequent Connect calls fail with err (nil to clear).
func (s *SimTransport) FailConnect(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failConnect = err
}

// FailOps makes subsequent read/write calls fail with err (nil to clear).
// The next failing call will degrade the adapter.
func (s *SimTransport) FailOps(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failOps = err
}

// Poke writes raw bytes into region memory out-of-band, bypassing the
// connected check. It stands in for the controller's own program mutating
// its memory.
func (s *SimTransport) Poke(region signalmap.Region, offset int, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mem, err := s.slice(region, offset, len(data))
	if err != nil {
		panic(err)
	}
	copy(mem, data)
}

// Peek reads raw bytes out-of-band.
func (s *SimTransport) Peek(region signalmap.Region, offset, length int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	mem, err := s.slice(region, offset, length)
	if err != nil {
		panic(err)
	}
	out := make([]byte, length)
	copy(out, mem)
	return out
}

// PokeFloat writes a big-endian REAL out-of-band.
func (s *SimTransport) PokeFloat(region signalmap.Region, offset int, v float32) {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, math.Float32bits(v))
	s.Poke(region, offset, buf)
}

// PokeBit sets or clears one bit out-of-band.
func (s *SimTransport) PokeBit(region signalmap.Region, offset int, bit uint8, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mem, err := s.slice(region, offset, 1)
	if err != nil {
		panic(err)
	}
	if on {
		mem[0] |= 1 << bit
	} else {
		mem[0] &^= 1 << bit
	}
}
