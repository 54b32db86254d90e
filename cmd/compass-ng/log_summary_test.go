package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"compass-ng/internal/fusion"
	"compass-ng/internal/sensorlog"
)

func TestSummarizeSensorLog(t *testing.T) {
	abs := fusion.TierAbsoluteOrientation.String()
	mag := fusion.TierMagnetometerGyroscope.String()

	recs := []sensorlog.Record{
		{At: 0},
		{At: 0, Sample: &fusion.Sample{Tier: abs, Kind: "quaternion"}},
		{At: 200 * time.Millisecond, Sample: &fusion.Sample{Tier: abs, Kind: "quaternion"}},
		{At: 300 * time.Millisecond, Sample: &fusion.Sample{Tier: abs, Kind: "error", Error: fusion.CodeNotReadable}},
		{At: 0},
		{At: 1 * time.Second, Sample: &fusion.Sample{Tier: mag, Kind: "magnetometer"}},
		{At: 1 * time.Second, Sample: &fusion.Sample{Kind: "gyroscope"}},
	}

	s := summarizeSensorLog(recs)
	if s.Segments != 2 {
		t.Fatalf("segments=%d want %d", s.Segments, 2)
	}
	if s.Samples != 5 {
		t.Fatalf("samples=%d want %d", s.Samples, 5)
	}
	if s.Errors != 1 {
		t.Fatalf("errors=%d want %d", s.Errors, 1)
	}
	if s.MaxDuration != 1*time.Second {
		t.Fatalf("maxDuration=%s want %s", s.MaxDuration, 1*time.Second)
	}
	wantTiers := map[string]int{abs: 3, mag: 1, "untagged": 1}
	if diff := cmp.Diff(wantTiers, s.TierCounts); diff != "" {
		t.Fatalf("tier counts mismatch (-want +got):\n%s", diff)
	}
	wantKinds := map[string]int{"quaternion": 2, "error": 1, "magnetometer": 1, "gyroscope": 1}
	if diff := cmp.Diff(wantKinds, s.KindCounts); diff != "" {
		t.Fatalf("kind counts mismatch (-want +got):\n%s", diff)
	}
}

func TestSummarizeSensorLog_NoStartCountsOneSegment(t *testing.T) {
	s := summarizeSensorLog([]sensorlog.Record{{At: time.Second, Sample: &fusion.Sample{Kind: "orientation"}}})
	if s.Segments != 1 || s.Samples != 1 {
		t.Fatalf("summary=%+v", s)
	}
	if empty := summarizeSensorLog(nil); empty.Segments != 0 {
		t.Fatalf("empty segments=%d", empty.Segments)
	}
}

func TestPrintLogSummary_PrintsExpectedFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sensors.log")
	body := "START\n" +
		`0,{"tier":"DeviceOrientation","kind":"orientation","orientation":{"alpha":270}}` + "\n" +
		`50000000,{"tier":"DeviceOrientation","kind":"orientation","orientation":{"alpha":260}}` + "\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	var out bytes.Buffer
	if err := printLogSummary(&out, path); err != nil {
		t.Fatalf("printLogSummary: %v", err)
	}
	want := "path: " + path + "\n" +
		"segments: 1\n" +
		"samples: 2\n" +
		"errors: 0\n" +
		"max_duration: 50ms\n" +
		"tier_counts:\n" +
		"  DeviceOrientation: 2\n" +
		"kind_counts:\n" +
		"  orientation: 2\n"
	if diff := cmp.Diff(want, out.String()); diff != "" {
		t.Fatalf("output mismatch (-want +got):\n%s", diff)
	}
}

func TestPrintLogSummary_EmptyPath(t *testing.T) {
	if err := printLogSummary(&bytes.Buffer{}, "  "); err == nil || err.Error() != "path is empty" {
		t.Fatalf("err=%v", err)
	}
}
