package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/zenova/internal/plane"
	"github.com/joescharf/zenova/internal/settings"
	"github.com/joescharf/zenova/internal/webhook"
)

var setupWebhookURL string

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Bootstrap a Plane workspace",
	Long: `Validate the configured Plane credentials, register a webhook with a
fresh signing secret, and persist everything in the settings store.

The webhook URL must be the public address of this server, e.g.
https://zenova.example.com. The /webhooks/plane path is appended.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return setupRun(cmd.Context())
	},
}

func init() {
	setupCmd.Flags().StringVar(&setupWebhookURL, "url", "", "Public base URL of this server (required)")
	_ = setupCmd.MarkFlagRequired("url")
	rootCmd.AddCommand(setupCmd)
}

func setupRun(ctx context.Context) error {
	apiURL := viper.GetString("plane.api_url")
	apiToken := viper.GetString("plane.api_token")
	workspaceSlug := viper.GetString("workspace_slug")
	if apiURL == "" || apiToken == "" || workspaceSlug == "" {
		return fmt.Errorf("plane.api_url, plane.api_token, and workspace_slug must be configured")
	}

	d, err := getDB()
	if err != nil {
		return err
	}
	defer d.Close()
	settingsStore := settings.New(d)

	client := plane.NewClient(apiURL, apiToken)
	members, err := client.GetWorkspaceMembers(ctx, workspaceSlug)
	if err != nil {
		return fmt.Errorf("credential check failed: %w", err)
	}
	ui.Success("Credentials valid (%d workspace members)", len(members))

	secret, err := webhook.NewSecret()
	if err != nil {
		return err
	}
	webhookURL := setupWebhookURL + "/webhooks/plane"
	wh, err := client.RegisterWebhook(ctx, workspaceSlug, webhookURL, secret)
	if err != nil {
		return fmt.Errorf("webhook registration failed: %w", err)
	}
	ui.Success("Webhook registered: %s", wh.ID)

	stored := map[string]string{
		"PLANE_API_URL":   apiURL,
		"PLANE_API_TOKEN": apiToken,
		"WEBHOOK_SECRET":  secret,
		"WEBHOOK_ID":      wh.ID,
	}
	for k, v := range stored {
		if err := settingsStore.Set(ctx, settings.DefaultWorkspace, k, v); err != nil {
			return fmt.Errorf("persisting settings: %w", err)
		}
	}
	ui.Success("Settings saved. Restart the server to pick up the new secret.")
	return nil
}
