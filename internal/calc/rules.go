package calc

import (
	"fmt"
	"math"
)

// Quantity names used by the default profile.
const (
	Speed                = "Speed"          // km/h
	RPM                  = "RPM"            // 1/min
	IntakePressure       = "IntakePressure" // kPa
	IntakeTemp           = "IntakeTemp"     // °C
	AbsoluteLoad         = "AbsoluteLoad"
	CommandedEquivRatio  = "CommandedEquivRatio"
	EthanolPercent       = "EthanolPercent"
	FuelConsumption      = "FuelConsumption" // wrapping counter
	DistPerRev           = "DistPerRev"      // cm/rev
	Gear                 = "Gear"
	RPMUp                = "RPMUp"
	RPMDown              = "RPMDown"
	MAF                  = "MAF"     // g/s
	MAFLoad              = "MAFLoad" // g/s
	AFR                  = "AFR"
	FuelFlow             = "FuelFlow"       // ml/s
	FuelEfficiency       = "FuelEfficiency" // km/l
	TotalFuelConsumption = "TotalFuelConsumption"

	FuelConsumptionPrev   = "FuelConsumptionPrev"
	FuelConsumptionCycles = "FuelConsumptionCycles"
)

// Constants parameterize the default rules.
type Constants struct {
	MolarMassAir         float64 // g/mol
	GasConstant          float64 // J/(K*mol)
	FuelDensity          float64 // g/ml
	AirDensity           float64 // g/l
	EngineDisplacement   float64 // l
	VolumetricEfficiency float64

	// GearTable holds the distance per revolution of each gear in cm.
	// Index 0 is neutral and never matched.
	GearTable     []float64
	GearTolerance float64

	FuelConsumptionModulus float64
}

// DefaultConstants describes a 1.0 l petrol engine with a five speed box.
func DefaultConstants() Constants {
	return Constants{
		MolarMassAir:           28.97,
		GasConstant:            8.3144598,
		FuelDensity:            0.737,
		AirDensity:             1.184,
		EngineDisplacement:     1.0,
		VolumetricEfficiency:   0.75,
		GearTable:              []float64{0, 10, 18, 28.5, 40, 50},
		GearTolerance:          1.05,
		FuelConsumptionModulus: 25575,
	}
}

// withDefaults fills zero fields from DefaultConstants.
func (c Constants) withDefaults() Constants {
	d := DefaultConstants()
	set := func(v *float64, def float64) {
		if *v == 0 {
			*v = def
		}
	}
	set(&c.MolarMassAir, d.MolarMassAir)
	set(&c.GasConstant, d.GasConstant)
	set(&c.FuelDensity, d.FuelDensity)
	set(&c.AirDensity, d.AirDensity)
	set(&c.EngineDisplacement, d.EngineDisplacement)
	set(&c.VolumetricEfficiency, d.VolumetricEfficiency)
	set(&c.GearTolerance, d.GearTolerance)
	set(&c.FuelConsumptionModulus, d.FuelConsumptionModulus)
	if len(c.GearTable) == 0 {
		c.GearTable = d.GearTable
	}
	return c
}

// DefaultProfile returns the standard rule set in dependency order.
func DefaultProfile(c Constants) Profile {
	c = c.withDefaults()
	return Profile{Rules: []Rule{
		{Name: DistPerRev, Deps: []string{Speed, RPM}, Compute: distPerRev},
		{Name: Gear, Deps: []string{DistPerRev}, Compute: c.gear},
		{Name: MAF, Deps: []string{IntakePressure, IntakeTemp, RPM}, Compute: c.maf},
		{Name: MAFLoad, Deps: []string{AbsoluteLoad, RPM}, Compute: c.mafLoad},
		{Name: AFR, Deps: []string{CommandedEquivRatio, EthanolPercent}, Compute: afr},
		{Name: FuelFlow, Deps: []string{AFR, MAF}, Compute: c.fuelFlow},
		{Name: FuelEfficiency, Deps: []string{Speed, FuelFlow}, Compute: fuelEfficiency},
		{Name: TotalFuelConsumption, Deps: []string{FuelConsumption}, Compute: c.totalFuelConsumption},
	}}
}

func need(v Values, names ...string) ([]float64, error) {
	out := make([]float64, len(names))
	for i, n := range names {
		x, err := v.Get(n)
		if err != nil {
			return nil, err
		}
		out[i] = x
	}
	return out, nil
}

func distPerRev(v Values) error {
	in, err := need(v, Speed, RPM)
	if err != nil {
		return err
	}
	speed, rpm := in[0], in[1]
	if rpm == 0 {
		return fmt.Errorf("%w: %s is zero", ErrInvalidInput, RPM)
	}
	v[DistPerRev] = speed / 60 * 100000 / rpm
	return nil
}

// gear picks the table entry nearest to DistPerRev by relative distance.
// RPMUp and RPMDown are the engine speeds one gear up and down and are
// removed when no such gear exists.
func (c Constants) gear(v Values) error {
	in, err := need(v, DistPerRev, RPM)
	if err != nil {
		return err
	}
	d, rpm := in[0], in[1]

	best, bestDiff := 0, c.GearTolerance
	for i := 1; i < len(c.GearTable); i++ {
		ref := c.GearTable[i]
		if ref <= 0 {
			continue
		}
		if diff := math.Abs(ref-d) / ref; diff < bestDiff {
			best, bestDiff = i, diff
		}
	}
	v[Gear] = float64(best)

	if best > 0 && best+1 < len(c.GearTable) {
		v[RPMUp] = math.Round(rpm * c.GearTable[best] / c.GearTable[best+1])
	} else {
		delete(v, RPMUp)
	}
	if best > 1 {
		v[RPMDown] = math.Round(rpm * c.GearTable[best] / c.GearTable[best-1])
	} else {
		delete(v, RPMDown)
	}
	return nil
}

func (c Constants) maf(v Values) error {
	in, err := need(v, IntakePressure, IntakeTemp, RPM)
	if err != nil {
		return err
	}
	p, t, rpm := in[0], in[1], in[2]
	v[MAF] = p * 1000 / (t + 273.15) * (c.MolarMassAir / c.GasConstant) *
		(rpm / 60 / 2) * (c.EngineDisplacement / 1000) * c.VolumetricEfficiency
	return nil
}

func (c Constants) mafLoad(v Values) error {
	in, err := need(v, AbsoluteLoad, RPM)
	if err != nil {
		return err
	}
	v[MAFLoad] = c.AirDensity * c.EngineDisplacement * in[0] * (in[1] / 60 / 2)
	return nil
}

func afr(v Values) error {
	in, err := need(v, CommandedEquivRatio, EthanolPercent)
	if err != nil {
		return err
	}
	v[AFR] = (14.7 + (9.0-14.7)*(in[1]/100.0)) * in[0]
	return nil
}

func (c Constants) fuelFlow(v Values) error {
	in, err := need(v, MAF, AFR)
	if err != nil {
		return err
	}
	if in[1] == 0 {
		return fmt.Errorf("%w: %s is zero", ErrInvalidInput, AFR)
	}
	v[FuelFlow] = in[0] / in[1] / c.FuelDensity
	return nil
}

func fuelEfficiency(v Values) error {
	in, err := need(v, Speed, FuelFlow)
	if err != nil {
		return err
	}
	if in[1] == 0 {
		return fmt.Errorf("%w: %s is zero", ErrInvalidInput, FuelFlow)
	}
	v[FuelEfficiency] = in[0] / in[1] / 3.6
	return nil
}

// totalFuelConsumption turns the wrapping FuelConsumption counter into an
// ever-increasing total. The previous reading and the wrap count live in
// the store.
func (c Constants) totalFuelConsumption(v Values) error {
	cur, err := v.Get(FuelConsumption)
	if err != nil {
		return err
	}
	cycles := v[FuelConsumptionCycles]
	if prev, ok := v[FuelConsumptionPrev]; ok && cur < prev {
		cycles++
	}
	v[FuelConsumptionPrev] = cur
	v[FuelConsumptionCycles] = cycles
	v[TotalFuelConsumption] = cur + cycles*c.FuelConsumptionModulus
	return nil
}
