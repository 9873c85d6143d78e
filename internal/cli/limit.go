package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dispatchd/dispatchd/internal/config"
	"github.com/dispatchd/dispatchd/internal/store"
)

var limitCmd = &cobra.Command{
	Use:   "limit",
	Short: "Manage token usage limits",
}

var (
	limitTenant    string
	limitAgent     string
	limitType      string
	limitMaxTokens int64
	limitWarnAt    float64
	limitSlack     string
	limitPhone     string
)

var limitSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Create or update a token budget",
	RunE: func(cmd *cobra.Command, args []string) error {
		if limitTenant == "" || limitMaxTokens <= 0 {
			return fmt.Errorf("--tenant and a positive --max-tokens are required")
		}
		if limitType != store.LimitMonthly && limitType != store.LimitDaily {
			return fmt.Errorf("--type must be %q or %q", store.LimitMonthly, store.LimitDaily)
		}
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		l := &store.TokenUsageLimit{
			TenantID:         limitTenant,
			AgentID:          limitAgent,
			LimitType:        limitType,
			MaxTokens:        limitMaxTokens,
			WarningThreshold: limitWarnAt,
			NotifySlack:      limitSlack,
			NotifyPhone:      limitPhone,
			Enabled:          true,
		}
		if err := st.UpsertLimit(l); err != nil {
			return err
		}
		scope := "tenant-wide"
		if limitAgent != "" {
			scope = "agent " + limitAgent
		}
		fmt.Printf("%s %s %s limit set to %d tokens (warn at %.0f%%)\n",
			color.GreenString("✓"), limitTenant, scope, limitMaxTokens, limitWarnAt*100)
		return nil
	},
}

func openStore() (*store.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	path := cfg.Store.Path
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(home, config.ConfigDir, "dispatchd.db")
	}
	return store.New(path)
}

func init() {
	limitSetCmd.Flags().StringVar(&limitTenant, "tenant", "", "Tenant id")
	limitSetCmd.Flags().StringVar(&limitAgent, "agent", "", "Agent id (empty for tenant-wide)")
	limitSetCmd.Flags().StringVar(&limitType, "type", store.LimitMonthly, "Limit type: monthly or daily")
	limitSetCmd.Flags().Int64Var(&limitMaxTokens, "max-tokens", 0, "Token budget")
	limitSetCmd.Flags().Float64Var(&limitWarnAt, "warn-at", 0.8, "Warning threshold as a fraction")
	limitSetCmd.Flags().StringVar(&limitSlack, "notify-slack", "", "Slack channel for alerts")
	limitSetCmd.Flags().StringVar(&limitPhone, "notify-phone", "", "WhatsApp contact for alerts")

	limitCmd.AddCommand(limitSetCmd)
}
