package fusion

import "testing"

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		ua   string
		want DeviceClass
	}{
		{"iPhone", "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 Mobile/15E148", DeviceMobile},
		{"iPad", "Mozilla/5.0 (iPad; CPU OS 16_0 like Mac OS X) AppleWebKit/605.1.15", DeviceTablet},
		{"AndroidPhone", "Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 Chrome/120.0 Mobile Safari/537.36", DeviceMobile},
		{"AndroidTablet", "Mozilla/5.0 (Linux; Android 13; SM-X200) AppleWebKit/537.36 Chrome/120.0 Safari/537.36", DeviceTablet},
		{"Desktop", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 Chrome/120.0 Safari/537.36", DeviceDesktop},
		{"Mac", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) Safari/605.1.15", DeviceDesktop},
		{"OperaMini", "Opera/9.80 (J2ME/MIDP; Opera Mini/9.80)", DeviceMobile},
		{"Empty", "", DeviceMobile},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.ua)
			if got != tc.want {
				t.Fatalf("Classify=%s want %s", got, tc.want)
			}
			if got.HasCompass() != (tc.want != DeviceDesktop) {
				t.Fatalf("HasCompass=%v for %s", got.HasCompass(), got)
			}
		})
	}
}

func TestParseTier(t *testing.T) {
	for _, tier := range Tiers {
		got, ok := ParseTier(tier.String())
		if !ok || got != tier {
			t.Fatalf("ParseTier(%q)=%v,%v want %v", tier.String(), got, ok, tier)
		}
	}
	if _, ok := ParseTier("bogus"); ok {
		t.Fatalf("ParseTier(bogus) should fail")
	}
}

func TestStatusText(t *testing.T) {
	s := StatusActive(TierMagnetometerGyroscope, DeviceTablet)
	if !s.Active || s.Label != "Magnetometer + Gyroscope active" || s.Tier != "Magnetometer+Gyroscope" {
		t.Fatalf("unexpected status: %+v", s)
	}
	if s.Detail != "High precision compass with gyroscope smoothing. Device: tablet" {
		t.Fatalf("detail=%q", s.Detail)
	}
	f := StatusFailed(TierAbsoluteOrientation, ErrPermissionDenied, true)
	if f.Active || f.Detail != "Sensor permission denied. Trying fallback sensors..." {
		t.Fatalf("unexpected failed status: %+v", f)
	}
	if StatusDesktop().Label != "No compass sensors (Desktop/Laptop)" {
		t.Fatalf("desktop label=%q", StatusDesktop().Label)
	}
}
