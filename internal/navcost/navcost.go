// Package navcost computes fuel, travel time and cooldown costs for ship
// movement. All functions are pure.
package navcost

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// FlightMode is a travel profile trading fuel for time.
type FlightMode string

const (
	Drift   FlightMode = "DRIFT"
	Stealth FlightMode = "STEALTH"
	Cruise  FlightMode = "CRUISE"
	Burn    FlightMode = "BURN"
)

// Modes lists every flight mode the API accepts.
var Modes = []FlightMode{Drift, Stealth, Cruise, Burn}

// Action is a ship action that induces a cooldown.
type Action string

const (
	ActionExtract Action = "extract"
	ActionSiphon  Action = "siphon"
	ActionSurvey  Action = "survey"
	ActionScan    Action = "scan"
	ActionJump    Action = "jump"
)

const (
	// FuelWeight is the average fuel purchase price per unit, in credits / 100.
	FuelWeight = 0.65
	// TimeWeight values one second of travel in credits.
	TimeWeight = 1.0

	// DefaultReactor is assumed when a caller has no reactor information.
	DefaultReactor = "REACTOR_FISSION_I"
	// SolarReactor is the reactor prefix that needs no fuel.
	SolarReactor = "REACTOR_SOLAR_I"

	hopOverheadSeconds = 15
	solarTimeFactor    = 25
	jumpBaseCooldown   = 60
)

// ErrInvalidInput is returned for negative distances, unknown modes,
// non-positive speeds and fuel amounts below one.
var ErrInvalidInput = errors.New("navcost: invalid input")

var fuelFactor = map[FlightMode]float64{
	Drift:   0,
	Stealth: 1,
	Cruise:  1,
	Burn:    2,
}

var timeFactor = map[FlightMode]float64{
	Drift:   250,
	Stealth: 50,
	Cruise:  25,
	Burn:    12.5,
}

var actionCooldown = map[Action]int{
	ActionExtract: 70,
	ActionSiphon:  70,
	ActionSurvey:  70,
	ActionScan:    80,
}

// ParseMode validates and normalises a flight mode name.
func ParseMode(s string) (FlightMode, error) {
	m := FlightMode(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := fuelFactor[m]; !ok {
		return "", fmt.Errorf("%w: flight mode %q", ErrInvalidInput, s)
	}
	return m, nil
}

// IsSolar reports whether the reactor runs without fuel.
func IsSolar(reactor string) bool {
	return strings.HasPrefix(reactor, SolarReactor)
}

// round matches the half-to-even rounding the game's own tooling uses.
func round(v float64) float64 {
	return math.RoundToEven(v)
}

// hopUnits is the billable distance of a hop: at least one unit.
func hopUnits(distance float64) float64 {
	return math.Max(1, round(distance))
}

// FuelCost returns the fuel needed to fly distance in mode. Solar reactors
// consume nothing. Every other reactor pays at least one unit, DRIFT included.
func FuelCost(distance float64, mode FlightMode, reactor string) (int, error) {
	factor, ok := fuelFactor[mode]
	if !ok || distance < 0 || math.IsNaN(distance) {
		return 0, fmt.Errorf("%w: fuel cost distance=%v mode=%q", ErrInvalidInput, distance, mode)
	}
	if IsSolar(reactor) {
		return 0, nil
	}
	return int(math.Max(1, factor*hopUnits(distance))), nil
}

// MaxRangeForFuel returns the longest hop that fuel covers in mode. DRIFT
// has unlimited range even though FuelCost charges it one unit.
func MaxRangeForFuel(fuel int, mode FlightMode) (float64, error) {
	factor, ok := fuelFactor[mode]
	if !ok || fuel < 1 {
		return 0, fmt.Errorf("%w: max range fuel=%d mode=%q", ErrInvalidInput, fuel, mode)
	}
	if mode == Drift {
		return math.Inf(1), nil
	}
	return math.Floor(float64(fuel) / factor), nil
}

// TravelTime returns the flight time in seconds, including the fixed
// per-hop overhead.
func TravelTime(distance float64, speed int, mode FlightMode, reactor string) (int, error) {
	factor, ok := timeFactor[mode]
	if !ok || speed < 1 || distance < 0 || math.IsNaN(distance) {
		return 0, fmt.Errorf("%w: travel time distance=%v speed=%d mode=%q", ErrInvalidInput, distance, speed, mode)
	}
	if IsSolar(reactor) {
		factor = solarTimeFactor
	}
	return int(round(factor/float64(speed)*hopUnits(distance) + hopOverheadSeconds)), nil
}

// Score weighs fuel and time into a single comparable cost.
func Score(distance float64, speed int, mode FlightMode, reactor string) (float64, error) {
	fuel, err := FuelCost(distance, mode, reactor)
	if err != nil {
		return 0, err
	}
	secs, err := TravelTime(distance, speed, mode, reactor)
	if err != nil {
		return 0, err
	}
	return WeighCost(fuel, secs), nil
}

// WeighCost combines precomputed fuel and time costs.
func WeighCost(fuel, seconds int) float64 {
	return float64(fuel)*FuelWeight + float64(seconds)*TimeWeight
}

// CooldownAfterJump returns the cooldown in seconds after jumping distance.
func CooldownAfterJump(distance float64) int {
	return int(round(distance + jumpBaseCooldown))
}

// CooldownFor returns the cooldown an action induces. Only ActionJump uses
// distance.
func CooldownFor(action Action, distance float64) (int, error) {
	if action == ActionJump {
		if distance < 0 {
			return 0, fmt.Errorf("%w: jump distance %v", ErrInvalidInput, distance)
		}
		return CooldownAfterJump(distance), nil
	}
	cd, ok := actionCooldown[action]
	if !ok {
		return 0, fmt.Errorf("%w: action %q has no cooldown", ErrInvalidInput, action)
	}
	return cd, nil
}
