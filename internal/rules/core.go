package rules

import (
	"strconv"
	"strings"

	"github.com/opensource-finance/harrier/internal/domain"
)

// Core rule descriptions, as surfaced in explanations.
const (
	HighRiskMCC       = "High-risk MCC"
	CardNotPresent    = "Card-not-present risk"
	NewGeography      = "New geography"
	highRiskMCCWeight = 0.15
	cnpWeight         = 0.10
	newGeoWeight      = 0.10
)

// CoreRules compiles the fixed rule set, in evaluation order.
// Empty config fields fall back to the defaults.
func (c *Compiler) CoreRules(cfg domain.ScoringConfig) ([]*CompiledRule, error) {
	defaults := domain.DefaultConfig().Scoring
	mccs := cfg.HighRiskMCCs
	if len(mccs) == 0 {
		mccs = defaults.HighRiskMCCs
	}
	prefix := cfg.HomeGeoPrefix
	if prefix == "" {
		prefix = defaults.HomeGeoPrefix
	}

	quoted := make([]string, len(mccs))
	for i, m := range mccs {
		quoted[i] = strconv.Quote(m)
	}

	defs := []struct {
		description string
		weight      float64
		expr        string
	}{
		{HighRiskMCC, highRiskMCCWeight, "mcc in [" + strings.Join(quoted, ", ") + "]"},
		{CardNotPresent, cnpWeight, `channel == "` + string(domain.ChannelEcommerce) + `"`},
		{NewGeography, newGeoWeight, "!geo.upperAscii().startsWith(" + strconv.Quote(strings.ToUpper(prefix)) + ")"},
	}

	out := make([]*CompiledRule, 0, len(defs))
	for _, d := range defs {
		compiled, err := c.compile(d.description, d.weight, d.expr)
		if err != nil {
			return nil, err
		}
		out = append(out, compiled)
	}
	return out, nil
}
