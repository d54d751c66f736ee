package sandbox

import (
	"testing"
	"time"
)

func TestParseContainerList(t *testing.T) {
	out := "kazi-sbx-aaaa\texited\t2026-08-29 08:00:00 +0000 UTC\n" +
		"kazi-sbx-bbbb\tRunning\t2026-08-29 09:30:00 +0000 UTC\n" +
		"unrelated-container\texited\t2026-08-29 08:00:00 +0000 UTC\n" +
		"kazi-sbx-cccc\tcreated\tnot-a-timestamp\n" +
		"\n"

	infos := parseContainerList(out)
	if len(infos) != 3 {
		t.Fatalf("parsed %d rows, want 3: %+v", len(infos), infos)
	}
	if infos[0].Name != "kazi-sbx-aaaa" || infos[0].State != "exited" {
		t.Errorf("row 0 = %+v", infos[0])
	}
	if infos[0].CreatedAt.IsZero() {
		t.Errorf("row 0 timestamp not parsed")
	}
	if infos[1].State != "running" {
		t.Errorf("state not lowercased: %q", infos[1].State)
	}
	if !infos[2].CreatedAt.IsZero() {
		t.Errorf("unparseable timestamp should stay zero, got %v", infos[2].CreatedAt)
	}
}

func TestShouldReap(t *testing.T) {
	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	maxAge := 2 * time.Hour
	grace := 5 * time.Minute

	tests := []struct {
		name string
		info containerInfo
		want bool
	}{
		{"exited past grace", containerInfo{State: "exited", CreatedAt: now.Add(-30 * time.Minute)}, true},
		{"created never started", containerInfo{State: "created", CreatedAt: now.Add(-30 * time.Minute)}, true},
		{"restarting loop", containerInfo{State: "restarting", CreatedAt: now.Add(-30 * time.Minute)}, true},
		{"dead unknown age", containerInfo{State: "dead"}, true},
		{"running and fresh", containerInfo{State: "running", CreatedAt: now.Add(-10 * time.Minute)}, false},
		{"running past age ceiling", containerInfo{State: "running", CreatedAt: now.Add(-3 * time.Hour)}, true},
		{"running unknown age", containerInfo{State: "running"}, false},
		// A sandbox that exited moments ago may belong to a concurrent
		// run whose executor is still collecting its logs.
		{"just exited within grace", containerInfo{State: "exited", CreatedAt: now.Add(-10 * time.Second)}, false},
		{"just created within grace", containerInfo{State: "created", CreatedAt: now.Add(-time.Minute)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := shouldReap(tt.info, now, maxAge, grace); got != tt.want {
				t.Errorf("shouldReap(%+v) = %v, want %v", tt.info, got, tt.want)
			}
		})
	}
}
