package bench

import "strings"

const defaultReturns = 200

// DefaultScenarios is the built-in comparison set: a 200 byte 60Hz measured
// transfer alone, next to 240Hz background load, and on capped links. Half
// bandwidth is half of the measured transfer's 96 kbit/s payload rate.
func DefaultScenarios() []Scenario {
	measured := Transfer{Stream: 0, Size: 200, Hertz: 60, ReturnCount: defaultReturns}
	load := Transfer{Stream: 1, Size: 200, Hertz: 240}
	return []Scenario{
		{
			Name:      "transfer_0_200B_60Hz-full_bandwidth",
			Transfers: []Transfer{measured},
			Seed:      1,
		},
		{
			Name:      "transfer_0_200B_60Hz-transfer_1_200B_240Hz-full_bandwidth",
			Transfers: []Transfer{measured, load},
			Seed:      2,
		},
		{
			Name:          "transfer_0_200B_60Hz-transfer_1_200B_240Hz-1024kbps",
			Transfers:     []Transfer{measured, load},
			RateLimitKbps: 1024,
			Seed:          3,
		},
		{
			Name:          "transfer_0_200B_60Hz-half_bandwidth",
			Transfers:     []Transfer{measured},
			RateLimitKbps: 48,
			Seed:          4,
		},
	}
}

// Filter keeps the scenarios whose name contains pattern. An empty pattern
// keeps all of them.
func Filter(scenarios []Scenario, pattern string) []Scenario {
	if pattern == "" {
		return scenarios
	}
	out := make([]Scenario, 0, len(scenarios))
	for _, sc := range scenarios {
		if strings.Contains(sc.Name, pattern) {
			out = append(out, sc)
		}
	}
	return out
}
