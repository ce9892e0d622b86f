package navcost

import (
	"errors"
	"math"
	"testing"
)

func TestFuelCost(t *testing.T) {
	tests := []struct {
		name     string
		distance float64
		mode     FlightMode
		reactor  string
		want     int
	}{
		{"cruise", 3, Cruise, DefaultReactor, 3},
		{"burn doubles", 10, Burn, DefaultReactor, 20},
		{"stealth", 7.2, Stealth, DefaultReactor, 7},
		{"half rounds to even", 2.5, Cruise, DefaultReactor, 2},
		{"zero distance floors to one unit", 0, Burn, DefaultReactor, 2},
		{"drift nominal cost", 100, Drift, DefaultReactor, 1},
		{"solar is free", 50, Burn, "REACTOR_SOLAR_I", 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := FuelCost(tc.distance, tc.mode, tc.reactor)
			if err != nil {
				t.Fatalf("FuelCost: %v", err)
			}
			if got != tc.want {
				t.Fatalf("FuelCost(%v, %s) = %d, want %d", tc.distance, tc.mode, got, tc.want)
			}
		})
	}
}

func TestFuelCostFloor(t *testing.T) {
	for _, mode := range Modes {
		for d := 0.0; d < 40; d += 0.37 {
			got, err := FuelCost(d, mode, DefaultReactor)
			if err != nil {
				t.Fatalf("FuelCost: %v", err)
			}
			if got < 1 {
				t.Fatalf("FuelCost(%v, %s) = %d, want >= 1", d, mode, got)
			}
			solar, _ := FuelCost(d, mode, SolarReactor)
			if solar != 0 {
				t.Fatalf("solar FuelCost(%v, %s) = %d, want 0", d, mode, solar)
			}
		}
	}
}

func TestFuelCostRejectsInvalidInput(t *testing.T) {
	if _, err := FuelCost(-1, Cruise, DefaultReactor); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("negative distance: got %v", err)
	}
	if _, err := FuelCost(1, FlightMode("WARP"), DefaultReactor); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("unknown mode: got %v", err)
	}
}

func TestMaxRangeForFuel(t *testing.T) {
	if got, _ := MaxRangeForFuel(5, Cruise); got != 5 {
		t.Fatalf("cruise range = %v, want 5", got)
	}
	if got, _ := MaxRangeForFuel(5, Burn); got != 2 {
		t.Fatalf("burn range = %v, want 2", got)
	}
	if got, _ := MaxRangeForFuel(1, Drift); !math.IsInf(got, 1) {
		t.Fatalf("drift range = %v, want +Inf", got)
	}
	if _, err := MaxRangeForFuel(0, Cruise); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("zero fuel: got %v", err)
	}
}

func TestTravelTime(t *testing.T) {
	tests := []struct {
		distance float64
		speed    int
		mode     FlightMode
		reactor  string
		want     int
	}{
		{3, 30, Cruise, DefaultReactor, 18},
		{4, 30, Cruise, DefaultReactor, 18},
		{10, 30, Drift, DefaultReactor, 98},
		{10, 30, Burn, DefaultReactor, 19},
		{0, 30, Cruise, DefaultReactor, 16},
		{10, 3, Burn, SolarReactor, 98},
	}
	for _, tc := range tests {
		got, err := TravelTime(tc.distance, tc.speed, tc.mode, tc.reactor)
		if err != nil {
			t.Fatalf("TravelTime: %v", err)
		}
		if got != tc.want {
			t.Errorf("TravelTime(%v, %d, %s, %s) = %d, want %d", tc.distance, tc.speed, tc.mode, tc.reactor, got, tc.want)
		}
	}
	if _, err := TravelTime(1, 0, Cruise, DefaultReactor); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("zero speed: got %v", err)
	}
}

func TestScore(t *testing.T) {
	got, err := Score(3, 30, Cruise, DefaultReactor)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if math.Abs(got-19.95) > 1e-9 {
		t.Fatalf("Score = %v, want 19.95", got)
	}
}

func TestCooldowns(t *testing.T) {
	if got := CooldownAfterJump(0.5); got != 60 {
		t.Fatalf("CooldownAfterJump(0.5) = %d, want 60", got)
	}
	if got := CooldownAfterJump(1.5); got != 62 {
		t.Fatalf("CooldownAfterJump(1.5) = %d, want 62", got)
	}
	for action, want := range map[Action]int{ActionExtract: 70, ActionSiphon: 70, ActionSurvey: 70, ActionScan: 80} {
		got, err := CooldownFor(action, 0)
		if err != nil || got != want {
			t.Errorf("CooldownFor(%s) = %d, %v; want %d", action, got, err, want)
		}
	}
	if got, _ := CooldownFor(ActionJump, 40); got != 100 {
		t.Fatalf("jump cooldown = %d, want 100", got)
	}
	if _, err := CooldownFor(Action("refine"), 0); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("unknown action: got %v", err)
	}
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode(" burn ")
	if err != nil || m != Burn {
		t.Fatalf("ParseMode = %q, %v", m, err)
	}
	if _, err := ParseMode("warp"); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
