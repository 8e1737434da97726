package cli

import (
	"encoding/json"
	"fmt"

	"github.com/opensource-finance/harrier/internal/config"
	"github.com/opensource-finance/harrier/internal/credit"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/fraud"
	"github.com/opensource-finance/harrier/internal/rules"
	"github.com/spf13/cobra"
)

var (
	scoreInput  string
	scoreRules  string
	scoreTenant string
)

func init() {
	rootCmd.AddCommand(scoreCmd)
	scoreCmd.AddCommand(scoreFraudCmd, scoreCreditCmd)

	scoreCmd.PersistentFlags().StringVarP(&scoreInput, "file", "f", "-", "Request JSON file, - for stdin")
	scoreFraudCmd.Flags().StringVar(&scoreRules, "rules", "", "JSON file with runtime rules to apply")
	scoreFraudCmd.Flags().StringVar(&scoreTenant, "tenant", domain.DefaultTenantID, "Tenant to score as")
}

var scoreCmd = &cobra.Command{
	Use:   "score",
	Short: "Score a single request offline",
	Long:  "Scores one request with the configured core rules without a server.\nNothing is persisted.",
}

var scoreFraudCmd = &cobra.Command{
	Use:   "fraud",
	Short: "Score a transaction for fraud",
	RunE:  runScoreFraud,
}

var scoreCreditCmd = &cobra.Command{
	Use:   "credit",
	Short: "Score a credit application",
	RunE:  runScoreCredit,
}

func runScoreFraud(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	data, err := readInput(cmd, scoreInput)
	if err != nil {
		return err
	}
	var tx domain.TransactionRequest
	if err := json.Unmarshal(data, &tx); err != nil {
		return fmt.Errorf("invalid transaction JSON: %w", err)
	}

	compiler, err := rules.NewCompiler()
	if err != nil {
		return err
	}
	registries := rules.NewRegistries(compiler, nil)

	if scoreRules != "" {
		if err := loadRules(cmd, registries.For(scoreTenant), scoreRules); err != nil {
			return err
		}
	}

	engine, err := fraud.NewEngine(compiler, registries, fraud.Options{Scoring: cfg.Scoring})
	if err != nil {
		return err
	}

	result, err := engine.Score(cmd.Context(), scoreTenant, &tx)
	if err != nil {
		return err
	}
	return printJSON(cmd, result)
}

func runScoreCredit(cmd *cobra.Command, args []string) error {
	data, err := readInput(cmd, scoreInput)
	if err != nil {
		return err
	}
	var app domain.CreditApplication
	if err := json.Unmarshal(data, &app); err != nil {
		return fmt.Errorf("invalid credit application JSON: %w", err)
	}

	result, err := credit.NewEngine(nil).Score(cmd.Context(), &app)
	if err != nil {
		return err
	}
	return printJSON(cmd, result)
}

// loadRules accepts a JSON array of rules, or the body returned by
// GET /api/v1/rules/runtime.
func loadRules(cmd *cobra.Command, registry *rules.Registry, path string) error {
	data, err := readInput(cmd, path)
	if err != nil {
		return err
	}

	var list []domain.ScoringRule
	if err := json.Unmarshal(data, &list); err != nil {
		var body struct {
			Rules []domain.ScoringRule `json:"rules"`
		}
		if err2 := json.Unmarshal(data, &body); err2 != nil {
			return fmt.Errorf("invalid rules JSON: %w", err)
		}
		list = body.Rules
	}

	for i, r := range list {
		if _, err := registry.Accept(r); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
	}
	return nil
}
