package cli

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dispatchd/dispatchd/internal/store"
)

var webhookCmd = &cobra.Command{
	Use:   "webhook",
	Short: "Manage webhook subscriptions",
}

var (
	webhookTenant  string
	webhookURL     string
	webhookSecret  string
	webhookEvents  []string
	webhookDevices []string
)

var webhookAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a webhook subscription",
	RunE: func(cmd *cobra.Command, args []string) error {
		if webhookTenant == "" || webhookURL == "" {
			return fmt.Errorf("--tenant and --url are required")
		}
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		events := webhookEvents
		if len(events) == 0 {
			events = []string{"*"}
		}
		hook := &store.Webhook{
			ID:         uuid.NewString(),
			TenantID:   webhookTenant,
			URL:        webhookURL,
			Secret:     webhookSecret,
			EventTypes: events,
			DeviceIDs:  webhookDevices,
			Enabled:    true,
		}
		if err := st.CreateWebhook(hook); err != nil {
			return err
		}
		fmt.Printf("%s webhook %s registered for %s\n", color.GreenString("✓"), hook.ID, hook.URL)
		return nil
	},
}

var webhookListCmd = &cobra.Command{
	Use:   "list",
	Short: "List enabled webhooks for a tenant",
	RunE: func(cmd *cobra.Command, args []string) error {
		if webhookTenant == "" {
			return fmt.Errorf("--tenant is required")
		}
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		hooks, err := st.ListWebhooks(webhookTenant)
		if err != nil {
			return err
		}
		if len(hooks) == 0 {
			fmt.Println("no enabled webhooks")
			return nil
		}
		for _, h := range hooks {
			fmt.Printf("%s  %s  events=%s\n", h.ID, h.URL, strings.Join(h.EventTypes, ","))
		}
		return nil
	},
}

var webhookDisableCmd = &cobra.Command{
	Use:   "disable <id>",
	Short: "Disable a webhook subscription",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.SetWebhookEnabled(args[0], false); err != nil {
			return err
		}
		fmt.Printf("%s webhook %s disabled\n", color.YellowString("•"), args[0])
		return nil
	},
}

var webhookEnableCmd = &cobra.Command{
	Use:   "enable <id>",
	Short: "Re-enable a webhook subscription",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.SetWebhookEnabled(args[0], true); err != nil {
			return err
		}
		fmt.Printf("%s webhook %s enabled\n", color.GreenString("✓"), args[0])
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{webhookAddCmd, webhookListCmd} {
		c.Flags().StringVar(&webhookTenant, "tenant", "", "Tenant id")
	}
	webhookAddCmd.Flags().StringVar(&webhookURL, "url", "", "Delivery URL")
	webhookAddCmd.Flags().StringVar(&webhookSecret, "secret", "", "HMAC signing secret")
	webhookAddCmd.Flags().StringSliceVar(&webhookEvents, "events", nil, "Event types to deliver (default all)")
	webhookAddCmd.Flags().StringSliceVar(&webhookDevices, "devices", nil, "Device ids to deliver (default all)")

	webhookCmd.AddCommand(webhookAddCmd, webhookListCmd, webhookEnableCmd, webhookDisableCmd)
}
