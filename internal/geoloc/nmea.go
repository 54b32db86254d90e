package geoloc

import (
	"fmt"
	"strings"
	"time"

	"github.com/adrianmo/go-nmea"

	"compass-ng/internal/geodesy"
)

// nmeaState folds RMC, GGA and GLL sentences into a single fix.
type nmeaState struct {
	device string
	baud   int

	latDeg float64
	lonDeg float64
	valid  bool

	quality  string
	satsUsed int
	satsOK   bool
	hdop     float64
	hdopOK   bool

	lastFix time.Time
}

// wanted filters receiver chatter before handing it to the parser, which
// rejects sentence types it does not know.
func wanted(line string) bool {
	if len(line) < 7 || line[0] != '$' {
		return false
	}
	switch line[3:6] {
	case nmea.TypeRMC, nmea.TypeGGA, nmea.TypeGLL:
		return true
	}
	return false
}

func (s *nmeaState) applyLine(nowUTC time.Time, line string) (bool, error) {
	line = strings.TrimSpace(line)
	if !wanted(line) {
		return false, nil
	}
	sent, err := nmea.Parse(line)
	if err != nil {
		return false, fmt.Errorf("nmea parse failed: %w", err)
	}

	switch m := sent.(type) {
	case nmea.RMC:
		if m.Validity != nmea.ValidRMC {
			s.valid = false
			return true, nil
		}
		s.setPosition(nowUTC, m.Latitude, m.Longitude)
	case nmea.GGA:
		s.quality = m.FixQuality
		s.satsUsed = int(m.NumSatellites)
		s.satsOK = true
		if m.HDOP > 0 {
			s.hdop = m.HDOP
			s.hdopOK = true
		}
		if m.FixQuality == nmea.Invalid {
			s.valid = false
			return true, nil
		}
		s.setPosition(nowUTC, m.Latitude, m.Longitude)
	case nmea.GLL:
		if m.Validity != nmea.ValidGLL {
			s.valid = false
			return true, nil
		}
		s.setPosition(nowUTC, m.Latitude, m.Longitude)
	default:
		return false, nil
	}
	return true, nil
}

func (s *nmeaState) setPosition(nowUTC time.Time, lat, lon float64) {
	s.latDeg = lat
	s.lonDeg = lon
	s.valid = true
	s.lastFix = nowUTC
}

func (s *nmeaState) fix() (Fix, bool) {
	if !s.valid {
		return Fix{}, false
	}
	return Fix{
		Point:  geodesy.GeoPoint{Lat: s.latDeg, Lon: s.lonDeg},
		Source: "nmea",
		Time:   s.lastFix,
	}, true
}

func (s *nmeaState) snapshot() Snapshot {
	out := Snapshot{
		Enabled: true,
		Valid:   s.valid,
		Source:  "nmea",
		Device:  s.device,
		Baud:    s.baud,
		LatDeg:  s.latDeg,
		LonDeg:  s.lonDeg,
	}
	if s.satsOK {
		v := s.satsUsed
		out.Satellites = &v
	}
	if s.hdopOK {
		v := s.hdop
		out.HDOP = &v
	}
	if !s.lastFix.IsZero() {
		out.LastFixUTC = s.lastFix.UTC().Format(time.RFC3339Nano)
	}
	return out
}
