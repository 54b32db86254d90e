package geoloc

import (
	"math"
	"testing"
	"time"
)

func TestGPSDState_TPVUpdatesFix(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	st := newGPSDState("127.0.0.1:2947")

	line := `{"class":"TPV","mode":3,"time":"2026-03-01T11:59:59.500Z","lat":52.52,"lon":13.405,"eph":4.2}`
	updated, err := st.applyLine(now, line)
	if err != nil {
		t.Fatalf("applyLine err: %v", err)
	}
	if !updated {
		t.Fatalf("expected updated")
	}

	fix, ok := st.fix()
	if !ok {
		t.Fatalf("expected valid fix")
	}
	if math.Abs(fix.Point.Lat-52.52) > 1e-9 || math.Abs(fix.Point.Lon-13.405) > 1e-9 {
		t.Fatalf("point=%v", fix.Point)
	}
	if fix.AccuracyM == nil || math.Abs(*fix.AccuracyM-4.2) > 1e-9 {
		t.Fatalf("accuracy=%v", fix.AccuracyM)
	}
	want := time.Date(2026, 3, 1, 11, 59, 59, 500000000, time.UTC)
	if !fix.Time.Equal(want) {
		t.Fatalf("time=%v want %v", fix.Time, want)
	}
}

func TestGPSDState_NoFixMode(t *testing.T) {
	st := newGPSDState("")
	if _, err := st.applyLine(time.Now(), `{"class":"TPV","mode":1}`); err != nil {
		t.Fatalf("applyLine err: %v", err)
	}
	if _, ok := st.fix(); ok {
		t.Fatalf("expected no fix for mode 1")
	}

	if _, err := st.applyLine(time.Now(), `{"class":"TPV","mode":2,"lat":1,"lon":2}`); err != nil {
		t.Fatalf("applyLine err: %v", err)
	}
	if _, ok := st.fix(); !ok {
		t.Fatalf("expected fix for mode 2")
	}
	if _, err := st.applyLine(time.Now(), `{"class":"TPV","mode":1}`); err != nil {
		t.Fatalf("applyLine err: %v", err)
	}
	if _, ok := st.fix(); ok {
		t.Fatalf("expected fix lost after mode 1")
	}
}

func TestGPSDState_SKYCountsUsedSatellites(t *testing.T) {
	st := newGPSDState("")
	line := `{"class":"SKY","hdop":1.2,"satellites":[{"used":true},{"used":false},{"used":true}]}`
	updated, err := st.applyLine(time.Now(), line)
	if err != nil {
		t.Fatalf("applyLine err: %v", err)
	}
	if !updated {
		t.Fatalf("expected updated")
	}
	snap := st.snapshot()
	if snap.Satellites == nil || *snap.Satellites != 2 {
		t.Fatalf("satellites=%v want 2", snap.Satellites)
	}
	if snap.HDOP == nil || *snap.HDOP != 1.2 {
		t.Fatalf("hdop=%v", snap.HDOP)
	}
}

func TestGPSDState_IgnoresOtherClasses(t *testing.T) {
	st := newGPSDState("")
	updated, err := st.applyLine(time.Now(), `{"class":"VERSION","release":"3.25"}`)
	if err != nil || updated {
		t.Fatalf("updated=%v err=%v", updated, err)
	}
	if _, err := st.applyLine(time.Now(), `not json`); err == nil {
		t.Fatalf("expected parse error")
	}
}
