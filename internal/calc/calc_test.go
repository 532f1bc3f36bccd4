package calc

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(e *Engine, v Values) {
	for k, x := range v {
		e.data[k] = x
	}
}

func TestDependencies_Levels(t *testing.T) {
	e := New(DefaultProfile(Constants{}))

	assert.Equal(t, []string{Speed, RPM}, e.Dependencies([]string{Gear}, 3))
	assert.Equal(t, []string{DistPerRev}, e.Dependencies([]string{Gear}, 2))
	assert.Equal(t, []string{DistPerRev}, e.Dependencies([]string{Gear}, 1))
	assert.Equal(t, []string{Gear}, e.Dependencies([]string{Gear}, 0))

	assert.Equal(t,
		[]string{CommandedEquivRatio, EthanolPercent, IntakePressure, IntakeTemp, RPM},
		e.Dependencies([]string{FuelFlow}, 3))
	assert.Equal(t, []string{AFR, MAF}, e.Dependencies([]string{FuelFlow}, 2))

	// leaves resolve to themselves and duplicates collapse
	assert.Equal(t, []string{Speed, RPM, "Other"},
		e.Dependencies([]string{DistPerRev, Speed, "Other"}, Unbounded))
}

func TestDependencies_SelfReferenceTerminates(t *testing.T) {
	runs := 0
	e := New(Profile{Rules: []Rule{
		{Name: "A", Deps: []string{"A"}, Compute: func(v Values) error { runs++; v["A"] = 1; return nil }},
	}})

	assert.Equal(t, []string{"A"}, e.Dependencies([]string{"A"}, 3))
	assert.Equal(t, []string{"A"}, e.Dependencies([]string{"A"}, Unbounded))
	assert.Equal(t, []string{"A"}, e.Dependents([]string{"A"}))

	out, err := e.Request([]string{"A"})
	require.NoError(t, err)
	assert.Equal(t, Values{"A": 1}, out)
	assert.Equal(t, 4, runs)
}

func TestDependencies_MutualCycleTerminates(t *testing.T) {
	noop := func(Values) error { return nil }
	e := New(Profile{Rules: []Rule{
		{Name: "A", Deps: []string{"B"}, Compute: noop},
		{Name: "B", Deps: []string{"A", "x"}, Compute: noop},
	}})

	deps := e.Dependencies([]string{"A"}, Unbounded)
	assert.Contains(t, deps, "x")
	assert.ElementsMatch(t, []string{"A", "B"}, e.Dependents([]string{"x"}))
}

func TestDependents(t *testing.T) {
	e := New(DefaultProfile(Constants{}))

	assert.Equal(t, []string{DistPerRev, Gear, FuelEfficiency}, e.Dependents([]string{Speed}))
	assert.Equal(t, []string{AFR, FuelFlow, FuelEfficiency}, e.Dependents([]string{EthanolPercent}))
	assert.Equal(t, []string{TotalFuelConsumption}, e.Dependents([]string{FuelConsumption}))
	assert.Empty(t, e.Dependents([]string{"Unrelated"}))
}

func TestRequest_FuelFlowChain(t *testing.T) {
	c := DefaultConstants()
	e := New(DefaultProfile(c))
	seed(e, Values{
		IntakePressure:      100,
		IntakeTemp:          25,
		RPM:                 3000,
		CommandedEquivRatio: 1,
		EthanolPercent:      10,
	})

	out, err := e.Request([]string{FuelFlow})
	require.NoError(t, err)

	maf := 100 * 1000 / (25 + 273.15) * (28.97 / 8.3144598) * (3000.0 / 120) * (1.0 / 1000) * 0.75
	afr := (14.7 + (9.0-14.7)*0.10) * 1
	assert.InDelta(t, maf/afr/0.737, out[FuelFlow], 1e-9)
	assert.Len(t, out, 1)

	v, ok := e.Value(MAF)
	require.True(t, ok)
	assert.InDelta(t, maf, v, 1e-9)
	v, _ = e.Value(AFR)
	assert.InDelta(t, 14.13, v, 1e-9)
}

func TestRequest_StampsTimeAndOmitsMissing(t *testing.T) {
	at := time.UnixMilli(1_700_000_000_123)
	e := New(DefaultProfile(Constants{}), WithClock(func() time.Time { return at }))
	seed(e, Values{Speed: 42})

	out, err := e.Request([]string{Speed, "Nope"})
	require.NoError(t, err)
	assert.Equal(t, Values{Speed: 42}, out)

	ts, ok := e.Value(TimeKey)
	require.True(t, ok)
	assert.Equal(t, float64(1_700_000_000_123), ts)
	assert.Equal(t, 1, e.HistoryLen())
}

func TestGear(t *testing.T) {
	e := New(DefaultProfile(Constants{}))

	seed(e, Values{Speed: 50, RPM: 2000})
	out, err := e.Request([]string{Gear, RPMUp, RPMDown})
	require.NoError(t, err)
	assert.Equal(t, Values{Gear: 4, RPMUp: 1600, RPMDown: 2807}, out)

	// top gear has no RPMUp
	seed(e, Values{Speed: 90, RPM: 3000})
	out, err = e.Request([]string{Gear, RPMUp, RPMDown})
	require.NoError(t, err)
	assert.Equal(t, Values{Gear: 5, RPMDown: 3750}, out)

	// nothing within tolerance: neutral, and the stale keys are gone
	seed(e, Values{Speed: 240, RPM: 1000})
	out, err = e.Request([]string{Gear, RPMUp, RPMDown})
	require.NoError(t, err)
	assert.Equal(t, Values{Gear: 0}, out)
	_, ok := e.Value(RPMDown)
	assert.False(t, ok)

	// standing still matches first gear
	seed(e, Values{Speed: 0, RPM: 800})
	out, err = e.Request([]string{Gear, RPMUp, RPMDown})
	require.NoError(t, err)
	assert.Equal(t, Values{Gear: 1, RPMUp: 444}, out)
}

func TestRules_InvalidInputs(t *testing.T) {
	e := New(DefaultProfile(Constants{}))
	seed(e, Values{Speed: 50, RPM: 0})

	_, err := e.Request([]string{Gear})
	var rerr *RuleError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, DistPerRev, rerr.Quantity)
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Zero(t, e.HistoryLen())

	assert.ErrorIs(t, DefaultConstants().fuelFlow(Values{MAF: 10, AFR: 0}), ErrInvalidInput)
	assert.ErrorIs(t, fuelEfficiency(Values{Speed: 50, FuelFlow: 0}), ErrInvalidInput)

	e = New(DefaultProfile(Constants{}))
	seed(e, Values{IntakePressure: 100})
	_, err = e.Request([]string{MAF})
	assert.ErrorIs(t, err, ErrMissingQuantity)
}

func TestRules_MAFLoadAndEfficiency(t *testing.T) {
	e := New(DefaultProfile(Constants{}))
	seed(e, Values{AbsoluteLoad: 50, RPM: 3000, Speed: 72, FuelFlow: 5})

	out, err := e.Request([]string{MAFLoad})
	require.NoError(t, err)
	assert.InDelta(t, 1.184*1.0*50*25, out[MAFLoad], 1e-9)

	require.NoError(t, fuelEfficiency(e.data))
	assert.InDelta(t, 4.0, e.data[FuelEfficiency], 1e-9)
}

func TestUpdate_MonotonicConsumption(t *testing.T) {
	e := New(DefaultProfile(Constants{FuelConsumptionModulus: 300}))

	var totals []float64
	for _, raw := range []float64{100, 200, 50, 150} {
		snap, err := e.Update(Values{FuelConsumption: raw})
		require.NoError(t, err)
		totals = append(totals, snap[TotalFuelConsumption])
	}
	assert.Equal(t, []float64{100, 200, 350, 450}, totals)

	cycles, _ := e.Value(FuelConsumptionCycles)
	assert.Equal(t, 1.0, cycles)
}

func TestUpdate_RecomputesDependents(t *testing.T) {
	// distance per revolution and gear only
	e := New(Profile{Rules: DefaultProfile(Constants{}).Rules[:2]})

	snap, err := e.Update(Values{Speed: 50, RPM: 2000})
	require.NoError(t, err)
	assert.InDelta(t, 41.6667, snap[DistPerRev], 1e-4)
	assert.Equal(t, 4.0, snap[Gear])

	// a restricted affected set leaves other quantities stale
	snap, err = e.Update(Values{Speed: 90, RPM: 3000}, "Unrelated")
	require.NoError(t, err)
	assert.Equal(t, 4.0, snap[Gear])

	snap[Gear] = 99
	v, _ := e.Value(Gear)
	assert.Equal(t, 4.0, v, "Update must return a copy")
}

func TestUpdate_RuleErrorKeepsPartialWrites(t *testing.T) {
	boom := errors.New("boom")
	e := New(Profile{Rules: []Rule{
		{Name: "A", Deps: []string{"in"}, Compute: func(v Values) error { v["A"] = 1; return nil }},
		{Name: "B", Deps: []string{"in"}, Compute: func(Values) error { return boom }},
		{Name: "C", Deps: []string{"in"}, Compute: func(v Values) error { v["C"] = 1; return nil }},
	}})

	snap, err := e.Update(Values{"in": 7})
	assert.Nil(t, snap)
	var rerr *RuleError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "B", rerr.Quantity)
	assert.ErrorIs(t, err, boom)

	assert.Equal(t, Values{"in": 7, "A": 1}, e.Current())
	assert.Zero(t, e.HistoryLen())
}

func TestHistory_EvictsOldest(t *testing.T) {
	e := New(Profile{}, WithHistoryCapacity(3))

	for i := 0; i < 5; i++ {
		_, err := e.Update(Values{"X": float64(i)})
		require.NoError(t, err)
		assert.LessOrEqual(t, e.HistoryLen(), 3)
	}

	hist := e.History()
	require.Len(t, hist, 3)
	assert.Equal(t, 2.0, hist[0]["X"])
	assert.Equal(t, 4.0, hist[2]["X"])

	// snapshots are copies
	hist[2]["X"] = -1
	assert.Equal(t, 4.0, e.History()[2]["X"])
}

func TestHistory_DefaultCapacity(t *testing.T) {
	e := New(Profile{})
	for i := 0; i < DefaultHistoryCapacity+5; i++ {
		_, err := e.Request(nil)
		require.NoError(t, err)
	}
	assert.Equal(t, DefaultHistoryCapacity, e.HistoryLen())
}

func TestEngines_AreIsolated(t *testing.T) {
	a := New(DefaultProfile(Constants{FuelConsumptionModulus: 300}))
	b := New(DefaultProfile(Constants{}))

	_, err := a.Update(Values{FuelConsumption: 200})
	require.NoError(t, err)
	_, err = a.Update(Values{FuelConsumption: 100})
	require.NoError(t, err)
	_, err = b.Update(Values{FuelConsumption: 100})
	require.NoError(t, err)

	va, _ := a.Value(TotalFuelConsumption)
	vb, _ := b.Value(TotalFuelConsumption)
	assert.Equal(t, 400.0, va)
	assert.Equal(t, 100.0, vb)
}
