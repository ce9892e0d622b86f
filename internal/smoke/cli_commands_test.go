package smoke

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestSmoke_AssignQueueStatus(t *testing.T) {
	bin := buildGofleetBinary(t)
	home := t.TempDir()

	if out, code := gofleet(t, bin, home, nil, "assign", "SHIP-1", "probes", "probe", "market", "X1-A1-B2"); code != 0 {
		t.Fatalf("assign: code=%d\n%s", code, out)
	}
	if out, code := gofleet(t, bin, home, nil, "queue", "SHIP-1", "probe", "shipyard", "X1-A1-C3"); code != 0 {
		t.Fatalf("queue: code=%d\n%s", code, out)
	}

	out, code := gofleet(t, bin, home, nil, "status", "--pool", "probes")
	if code != 0 {
		t.Fatalf("status: code=%d\n%s", code, out)
	}
	for _, want := range []string{"SHIP-1", "probes", "probe market X1-A1-B2", "probe shipyard X1-A1-C3"} {
		if !strings.Contains(out, want) {
			t.Fatalf("status missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "\x1b[") {
		t.Fatalf("piped status output has escape codes:\n%s", out)
	}
}

func TestSmoke_QueueUnknownAgentFails(t *testing.T) {
	bin := buildGofleetBinary(t)
	if out, code := gofleet(t, bin, t.TempDir(), nil, "queue", "GHOST-1", "probe", "market", "X1-A1-B2"); code != 1 {
		t.Fatalf("queue unknown agent: code=%d\n%s", code, out)
	}
	if out, code := gofleet(t, bin, t.TempDir(), nil, "queue", "SHIP-1", "mine", "X1-A1-B2"); code != 2 {
		t.Fatalf("queue bad descriptor: code=%d\n%s", code, out)
	}
}

func TestSmoke_DoctorJSON(t *testing.T) {
	bin := buildGofleetBinary(t)
	out, code := gofleet(t, bin, t.TempDir(), nil, "doctor", "--json")
	if code != 0 {
		t.Fatalf("doctor: code=%d\n%s", code, out)
	}
	var diag struct {
		Results []struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"results"`
	}
	if err := json.Unmarshal([]byte(out), &diag); err != nil {
		t.Fatalf("decode doctor output: %v\n%s", err, out)
	}
	statuses := map[string]string{}
	for _, r := range diag.Results {
		statuses[r.Name] = r.Status
	}
	if statuses["Database"] != "PASS" || statuses["Network"] != "PASS" || statuses["Relay"] != "SKIP" {
		t.Fatalf("doctor results = %+v", statuses)
	}
}
