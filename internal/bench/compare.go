package bench

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
)

// Comparison ranks the protocols measured under one scenario.
type Comparison struct {
	Scenario     Scenario
	Summaries    map[Protocol]Summary
	LeastLatent  Protocol
	LeastVariant Protocol
}

// Compare picks the protocol with the lowest mean round trip and the one with
// the lowest deviation. Ties go to the protocol listed first in Protocols.
func Compare(sc Scenario, summaries map[Protocol]Summary) Comparison {
	c := Comparison{Scenario: sc, Summaries: summaries}
	var bestMean, bestDev Summary
	for _, p := range Protocols {
		s, ok := summaries[p]
		if !ok {
			continue
		}
		if c.LeastLatent == "" || s.MeanMS < bestMean.MeanMS {
			c.LeastLatent, bestMean = p, s
		}
		if c.LeastVariant == "" || s.DeviationMS < bestDev.DeviationMS {
			c.LeastVariant, bestDev = p, s
		}
	}
	return c
}

// CompareAll runs every scenario against every protocol.
func CompareAll(ctx context.Context, scenarios []Scenario) ([]Comparison, error) {
	out := make([]Comparison, 0, len(scenarios))
	for _, sc := range scenarios {
		summaries := make(map[Protocol]Summary, len(Protocols))
		for _, p := range Protocols {
			s, err := Run(ctx, sc, p)
			if err != nil {
				return out, err
			}
			summaries[p] = s
		}
		out = append(out, Compare(sc, summaries))
	}
	return out, nil
}

func comparisonHeader() []string {
	h := []string{"scenario", "transfers", "returns", "delay_ms", "jitter_ms", "loss", "rate_limit_kbps"}
	for _, p := range Protocols {
		h = append(h, string(p)+"_mean_round_trip_ms", string(p)+"_round_trip_deviation_ms")
	}
	return append(h, "least_latent", "least_variant")
}

// WriteCSV writes one row per comparison under a header row.
func WriteCSV(w io.Writer, comps []Comparison) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(comparisonHeader()); err != nil {
		return err
	}
	for _, c := range comps {
		sc := c.Scenario
		row := []string{
			sc.Name,
			strconv.Itoa(len(sc.Transfers)),
			strconv.Itoa(sc.returns()),
			formatFloat(float64(sc.Delay.Microseconds()) / 1000),
			formatFloat(float64(sc.Jitter.Microseconds()) / 1000),
			formatFloat(sc.Loss),
			strconv.Itoa(sc.RateLimitKbps),
		}
		for _, p := range Protocols {
			s, ok := c.Summaries[p]
			if !ok {
				row = append(row, "", "")
				continue
			}
			row = append(row, formatFloat(s.MeanMS), formatFloat(s.DeviationMS))
		}
		row = append(row, string(c.LeastLatent), string(c.LeastVariant))
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("bench: write csv: %w", err)
	}
	return nil
}

// WriteTrips writes the per-trip report of one summary.
func WriteTrips(w io.Writer, s Summary) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"protocol", "stream", "seq", "round_trip_ms"}); err != nil {
		return err
	}
	for _, t := range s.Trips {
		row := []string{string(s.Protocol), strconv.Itoa(int(t.Stream)), strconv.Itoa(t.Seq), formatFloat(t.RoundTripMS)}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', 3, 64)
}
