package proxy

import "strings"

// rate is USD per one million tokens.
type rate struct {
	in  float64
	out float64
}

// modelRates holds published list prices for the models the gateway is
// commonly pointed at. Dated snapshots like "gpt-4o-mini-2024-07-18"
// resolve through the longest matching prefix.
var modelRates = map[string]rate{
	"gpt-4o":                  {in: 2.50, out: 10.00},
	"gpt-4o-mini":             {in: 0.15, out: 0.60},
	"gpt-4.1":                 {in: 2.00, out: 8.00},
	"gpt-4.1-mini":            {in: 0.40, out: 1.60},
	"o3-mini":                 {in: 1.10, out: 4.40},
	"llama-3.1-8b-instant":    {in: 0.05, out: 0.08},
	"llama-3.3-70b-versatile": {in: 0.59, out: 0.79},
}

// CostUSD estimates the dollar cost of a completion. Unknown models cost
// zero rather than erroring; billing accuracy is not a gateway concern.
func CostUSD(model string, tokensIn, tokensOut int) float64 {
	best := ""
	for name := range modelRates {
		if strings.HasPrefix(model, name) && len(name) > len(best) {
			best = name
		}
	}
	if best == "" {
		return 0
	}
	r := modelRates[best]
	return float64(tokensIn)*r.in/1e6 + float64(tokensOut)*r.out/1e6
}
