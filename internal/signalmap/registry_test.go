package signalmap

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func f64(v float64) *float64 { return &v }

func testMapping() RawMapping {
	return RawMapping{
		"pressure_control": {
			"pressure_setpoint": {Address: "VD504", Comment: "target pressure", Min: f64(1.3), Max: f64(3.0)},
			"internal_pressure_1": {Address: "VD508"},
		},
		"session_control": {
			"start_session": {Address: "M0.0"},
			"running_state": {Address: "M0.2"},
		},
		"sensors": {
			"ambient_o2": {Address: "AIW16"},
		},
	}
}

func TestRegistry_LoadAndResolve(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	require.NoError(t, r.Load(testMapping()))
	assert.Equal(t, uint64(1), r.Version())

	desc, err := r.Resolve("pressure_control", "pressure_setpoint")
	require.NoError(t, err)
	assert.Equal(t, AreaVariable, desc.Area)
	assert.Equal(t, WidthDoubleWord, desc.Width)
	assert.Equal(t, 504, desc.ByteOffset)
	assert.Equal(t, "target pressure", desc.Comment)
	require.NotNil(t, desc.Domain)
	assert.Equal(t, 1.3, desc.Domain.Min)
	assert.Equal(t, 3.0, desc.Domain.Max)

	desc, err = r.Resolve("session_control", "start_session")
	require.NoError(t, err)
	assert.Equal(t, WidthBit, desc.Width)
	assert.Equal(t, uint8(0), desc.BitOffset)
	assert.Nil(t, desc.Domain)
}

func TestRegistry_ResolveUnknown(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	require.NoError(t, r.Load(testMapping()))

	_, err := r.Resolve("pressure_control", "no_such_signal")
	assert.ErrorIs(t, err, ErrUnknownSignal)

	_, err = r.Resolve("no_such_category", "pressure_setpoint")
	assert.ErrorIs(t, err, ErrUnknownSignal)
}

func TestRegistry_ResolveBeforeLoad(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	_, err := r.Resolve("pressure_control", "pressure_setpoint")
	assert.ErrorIs(t, err, ErrUnknownSignal)
	assert.Equal(t, uint64(0), r.Version())
}

func TestRegistry_LoadRejectsMalformedToken(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	raw := testMapping()
	raw["sensors"]["broken"] = RawSignal{Address: "V504"}

	err := r.Load(raw)
	require.Error(t, err)

	var malformed *MalformedAddressError
	require.True(t, errors.As(err, &malformed))
	assert.Equal(t, "sensors", malformed.Category)
	assert.Equal(t, "broken", malformed.Name)

	// Nothing from the rejected mapping is visible.
	assert.Equal(t, uint64(0), r.Version())
	_, err = r.Resolve("pressure_control", "pressure_setpoint")
	assert.ErrorIs(t, err, ErrUnknownSignal)
}

func TestRegistry_LoadRejectsPartialDomain(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	raw := testMapping()
	raw["sensors"]["half_domain"] = RawSignal{Address: "VW20", Min: f64(1)}

	var malformed *MalformedAddressError
	require.ErrorAs(t, r.Load(raw), &malformed)
}

func TestRegistry_LoadRejectsEmptyDomain(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	raw := testMapping()
	raw["sensors"]["inverted"] = RawSignal{Address: "VW20", Min: f64(5), Max: f64(1)}

	var malformed *MalformedAddressError
	require.ErrorAs(t, r.Load(raw), &malformed)
}

func TestRegistry_ReloadKeepsPriorGenerationOnFailure(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	require.NoError(t, r.Load(testMapping()))
	require.Equal(t, uint64(1), r.Version())

	bad := RawMapping{"sensors": {"broken": {Address: "not-an-address"}}}
	require.Error(t, r.Reload(bad))

	// Previous generation still fully serving.
	assert.Equal(t, uint64(1), r.Version())
	desc, err := r.Resolve("sensors", "ambient_o2")
	require.NoError(t, err)
	assert.Equal(t, "AIW16", desc.RawToken)
}

func TestRegistry_ReloadSwapsGeneration(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	require.NoError(t, r.Load(testMapping()))

	next := RawMapping{
		"sensors": {"ambient_o2": {Address: "AIW20"}},
	}
	require.NoError(t, r.Reload(next))
	assert.Equal(t, uint64(2), r.Version())

	desc, err := r.Resolve("sensors", "ambient_o2")
	require.NoError(t, err)
	assert.Equal(t, 20, desc.ByteOffset)

	// Signals absent from the new mapping are gone.
	_, err = r.Resolve("pressure_control", "pressure_setpoint")
	assert.ErrorIs(t, err, ErrUnknownSignal)
}

func TestRegistry_AliasedLocations(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	raw := RawMapping{
		"session_control": {
			"running_state": {Address: "M0.2"},
		},
		"mirrors": {
			"running_state_v": {Address: "V0.2"},
		},
	}
	require.NoError(t, r.Load(raw))

	// M0.2 and V0.2 are the same physical bit; searching either token
	// finds both signals.
	for _, token := range []string{"M0.2", "V0.2"} {
		matches, err := r.FindByToken(token)
		require.NoError(t, err)
		require.Len(t, matches, 2, "token %s", token)
		assert.Equal(t, "mirrors.running_state_v", matches[0].Key())
		assert.Equal(t, "session_control.running_state", matches[1].Key())
	}
}

func TestRegistry_FindByRawLocation(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	require.NoError(t, r.Load(testMapping()))

	matches := r.FindByRawLocation(AreaVariable, 504, -1)
	require.Len(t, matches, 1)
	assert.Equal(t, "pressure_control.pressure_setpoint", matches[0].Key())

	// Distinct bit at the same byte offset is a distinct location.
	assert.Empty(t, r.FindByRawLocation(AreaVariable, 504, 3))
	assert.Empty(t, r.FindByRawLocation(AreaInput, 504, -1))
}

func TestRegistry_FindByTokenInvalid(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	require.NoError(t, r.Load(testMapping()))

	_, err := r.FindByToken("banana")
	assert.Error(t, err)
}

func TestRegistry_LoadRejectsDuplicateName(t *testing.T) {
	// Categories and names concatenate with a dot, so "a.b"+"c" and
	// "a"+"b.c" collide on the lookup key. The load must reject the
	// collision rather than silently shadow one signal.
	r := NewRegistry(zap.NewNop())
	raw := RawMapping{
		"a": {"b.c": {Address: "VW0"}},
		"a.b": {"c": {Address: "VW2"}},
	}
	err := r.Load(raw)
	var malformed *MalformedAddressError
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, "duplicate signal name", malformed.Reason)
}

func TestRegistry_ConcurrentReloadResolvesWholeGenerations(t *testing.T) {
	// A lookup racing a reload must see one generation in its entirety:
	// all-old or all-new addresses, never a mix of the two.
	gen1 := RawMapping{
		"a": {
			"x": {Address: "VW100"},
			"y": {Address: "VW102"},
		},
	}
	gen2 := RawMapping{
		"a": {
			"x": {Address: "VW200"},
			"y": {Address: "VW202"},
		},
	}

	r := NewRegistry(zap.NewNop())
	require.NoError(t, r.Load(gen1))

	done := make(chan struct{})
	var wg sync.WaitGroup
	var violations atomic.Int32
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				all := r.All()
				lowGen, highGen := 0, 0
				for _, descs := range all {
					for _, d := range descs {
						if d.ByteOffset < 200 {
							lowGen++
						} else {
							highGen++
						}
					}
				}
				if lowGen != 0 && highGen != 0 {
					violations.Add(1)
					return
				}

				desc, err := r.Resolve("a", "x")
				if err != nil || (desc.ByteOffset != 100 && desc.ByteOffset != 200) {
					violations.Add(1)
					return
				}
			}
		}()
	}

	for i := 0; i < 200; i++ {
		if i%2 == 0 {
			require.NoError(t, r.Reload(gen2))
		} else {
			require.NoError(t, r.Reload(gen1))
		}
	}
	close(done)
	wg.Wait()

	assert.Zero(t, violations.Load(), "a lookup observed a mixed generation")
}

func TestRegistry_All(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	require.NoError(t, r.Load(testMapping()))

	all := r.All()
	require.Len(t, all, 3)
	require.Len(t, all["pressure_control"], 2)
	// Sorted by name within category.
	assert.Equal(t, "internal_pressure_1", all["pressure_control"][0].Name)
	assert.Equal(t, "pressure_setpoint", all["pressure_control"][1].Name)
}
