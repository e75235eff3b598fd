package cmd

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/astrid-app/astrid-agent/internal/webhook"
)

var webhookCmd = &cobra.Command{
	Use:   "webhook",
	Short: "Manage runtime webhook secrets",
}

var webhookSetSecretCmd = &cobra.Command{
	Use:   "set-secret <user-id> <secret>",
	Short: "Store a user's webhook secret",
	Long: `Store the secret used to verify runtime webhooks for tasks created by
the user. Requests are also accepted with webhook.secret so secrets can be
rotated without downtime.`,
	Args: cobra.ExactArgs(2),
	RunE: runWebhookSetSecret,
}

var webhookSignCmd = &cobra.Command{
	Use:   "sign <file>",
	Short: "Print signature headers for a webhook body",
	Long: `Print the X-Astrid-Signature and X-Astrid-Timestamp headers for the
body read from file ("-" for stdin), signed with --secret or webhook.secret.`,
	Args: cobra.ExactArgs(1),
	RunE: runWebhookSign,
}

var signSecret string

func init() {
	webhookSignCmd.Flags().StringVar(&signSecret, "secret", "", "secret to sign with (default webhook.secret)")
	webhookCmd.AddCommand(webhookSetSecretCmd, webhookSignCmd)
	rootCmd.AddCommand(webhookCmd)
}

func runWebhookSetSecret(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.SetWebhookSecret(cmd.Context(), args[0], args[1]); err != nil {
		return fmt.Errorf("failed to store secret: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Stored webhook secret for %s\n", args[0])
	return nil
}

func runWebhookSign(cmd *cobra.Command, args []string) error {
	secret := signSecret
	if secret == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		secret = cfg.Webhook.Secret
	}
	if secret == "" {
		return fmt.Errorf("no secret: pass --secret or set webhook.secret")
	}

	var body []byte
	var err error
	if args[0] == "-" {
		body, err = io.ReadAll(cmd.InOrStdin())
	} else {
		body, err = os.ReadFile(args[0])
	}
	if err != nil {
		return fmt.Errorf("failed to read body: %w", err)
	}

	h := http.Header{}
	webhook.SetHeaders(h, body, secret, time.Now())
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", webhook.SignatureHeader, h.Get(webhook.SignatureHeader))
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", webhook.TimestampHeader, h.Get(webhook.TimestampHeader))
	return nil
}
