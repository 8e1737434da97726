package cli

import (
	"encoding/json"
	"fmt"

	"github.com/opensource-finance/harrier/internal/config"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/suggest"
	"github.com/opensource-finance/harrier/internal/telemetry"
	"github.com/spf13/cobra"
)

var (
	suggestEvents string
	suggestLimit  int
	suggestTenant string
)

func init() {
	rootCmd.AddCommand(rulesCmd)
	rulesCmd.AddCommand(rulesSuggestCmd)

	rulesSuggestCmd.Flags().StringVarP(&suggestEvents, "events", "e", "-", "Events JSON file, - for stdin")
	rulesSuggestCmd.Flags().IntVarP(&suggestLimit, "limit", "n", 0, "Maximum suggestions (0 uses the configured default)")
	rulesSuggestCmd.Flags().StringVar(&suggestTenant, "tenant", domain.DefaultTenantID, "Tenant the events belong to")
}

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Runtime rule tooling",
}

var rulesSuggestCmd = &cobra.Command{
	Use:   "suggest",
	Short: "Mine rule suggestions from exported events",
	Long:  "Reads events newest first, either a JSON array or the body of\nGET /api/v1/fraud/events, and prints the suggestions the server would make.",
	RunE:  runRulesSuggest,
}

func runRulesSuggest(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	data, err := readInput(cmd, suggestEvents)
	if err != nil {
		return err
	}
	events, err := decodeEvents(data)
	if err != nil {
		return err
	}

	snap := telemetry.FromEvents(suggestTenant, events, cfg.Telemetry.AmountPercentile)
	suggestions := suggest.FromSnapshot(snap, suggestLimit, cfg.Suggestions)

	return printJSON(cmd, map[string]any{
		"suggestions": suggestions,
		"count":       len(suggestions),
		"events":      snap.Total,
	})
}

// decodeEvents drops null entries so the aggregation never sees a nil event.
func decodeEvents(data []byte) ([]*domain.Event, error) {
	var events []*domain.Event
	if err := json.Unmarshal(data, &events); err != nil {
		var body struct {
			Items []*domain.Event `json:"items"`
		}
		if err := json.Unmarshal(data, &body); err != nil {
			return nil, fmt.Errorf("invalid events JSON: %w", err)
		}
		events = body.Items
	}

	out := events[:0]
	for _, ev := range events {
		if ev != nil {
			out = append(out, ev)
		}
	}
	return out, nil
}
