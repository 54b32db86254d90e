package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"compass-ng/internal/fusion"
	"compass-ng/internal/sensorlog"
)

type logSummary struct {
	Segments    int
	Samples     int
	Errors      int
	MaxDuration time.Duration
	KindCounts  map[string]int
	TierCounts  map[string]int
}

func summarizeSensorLog(records []sensorlog.Record) logSummary {
	s := logSummary{KindCounts: map[string]int{}, TierCounts: map[string]int{}}
	if len(records) == 0 {
		return s
	}

	hasSamples := false
	segments := 0

	for _, r := range records {
		if r.Sample == nil {
			segments++
			continue
		}
		hasSamples = true

		s.Samples++
		// Record times are already relative to their segment's START.
		at := r.At
		if at < 0 {
			at = 0
		}
		if at > s.MaxDuration {
			s.MaxDuration = at
		}

		s.KindCounts[r.Sample.Kind]++
		if r.Sample.Kind == fusion.KindError.String() {
			s.Errors++
		}
		tier := r.Sample.Tier
		if tier == "" {
			tier = "untagged"
		}
		s.TierCounts[tier]++
	}
	if segments == 0 && hasSamples {
		segments = 1
	}
	s.Segments = segments

	return s
}

func printLogSummary(w io.Writer, path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return fmt.Errorf("path is empty")
	}

	recs, err := sensorlog.ReadFile(path)
	if err != nil {
		return err
	}

	s := summarizeSensorLog(recs)

	fmt.Fprintf(w, "path: %s\n", path)
	fmt.Fprintf(w, "segments: %d\n", s.Segments)
	fmt.Fprintf(w, "samples: %d\n", s.Samples)
	fmt.Fprintf(w, "errors: %d\n", s.Errors)
	fmt.Fprintf(w, "max_duration: %s\n", s.MaxDuration)
	printCounts(w, "tier_counts", s.TierCounts)
	printCounts(w, "kind_counts", s.KindCounts)
	return nil
}

func printCounts(w io.Writer, title string, counts map[string]int) {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintf(w, "%s:\n", title)
	for _, k := range keys {
		fmt.Fprintf(w, "  %s: %d\n", k, counts[k])
	}
}
