package cli

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/easelworks/gatehouse/internal/service"
	"github.com/easelworks/gatehouse/internal/token"
	"github.com/easelworks/gatehouse/internal/totp"
)

func newTwoFACmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "2fa",
		Short: "Enroll and verify the second factor",
		Long: `Enroll an administrator's authenticator app and verify codes.

Setup prints a temporary token. Pass it to 'gatehouse 2fa verify' together with
an authenticator code or a backup code to receive access and refresh tokens.`,
	}

	cmd.AddCommand(newTwoFASetupCmd())
	cmd.AddCommand(newTwoFAVerifyCmd())
	cmd.AddCommand(newTwoFACodeCmd())

	return cmd
}

// ---------- 2fa setup ----------

func newTwoFASetupCmd() *cobra.Command {
	var (
		email      string
		qrPath     string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Generate a new TOTP secret and backup codes",
		Long: `Generate a new TOTP secret and backup codes for an administrator, replacing
any previous enrollment. The secret and codes are shown once.`,
		Example: `  gatehouse 2fa setup --email curator@example.com --qr enroll.png`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.svc.Setup(cmd.Context(), email)
			if err != nil {
				return describeError(err)
			}

			if qrPath != "" {
				if err := os.WriteFile(qrPath, res.QRCode, 0600); err != nil {
					return fmt.Errorf("write qr code: %w", err)
				}
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, res)
			}

			fmt.Fprintf(out, "Enrolled %s\n\n", res.Email)
			fmt.Fprintf(out, "  Secret:  %s\n", res.DisplaySecret)
			fmt.Fprintf(out, "  URI:     %s\n", res.URI)
			if qrPath != "" {
				fmt.Fprintf(out, "  QR code: %s\n", qrPath)
			}
			fmt.Fprintln(out)
			fmt.Fprintln(out, "Backup codes (shown once):")
			for _, c := range res.BackupCodes {
				fmt.Fprintf(out, "  %s\n", c)
			}
			fmt.Fprintln(out)
			fmt.Fprintf(out, "Temporary token (valid %s):\n  %s\n\n", a.issuer.TTL(token.KindTemporary), res.TemporaryToken)
			fmt.Fprintln(out, "Next: gatehouse 2fa verify --token <temporary token> --code <code>")
			return nil
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "Administrator email (required)")
	cmd.Flags().StringVar(&qrPath, "qr", "", "Write the enrollment QR code as PNG to this file")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.MarkFlagRequired("email")

	return cmd
}

// ---------- 2fa verify ----------

func newTwoFAVerifyCmd() *cobra.Command {
	var (
		tmpToken   string
		code       string
		backupCode string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify a TOTP or backup code and issue session tokens",
		Example: `  gatehouse 2fa verify --token eyJ... --code 123456
  gatehouse 2fa verify --token eyJ... --backup-code 9F3A61C2
  gatehouse 2fa verify --token eyJ...   # prompts for the code`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if code != "" && backupCode != "" {
				return fmt.Errorf("use either --code or --backup-code, not both")
			}

			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if tmpToken == "" {
				if tmpToken, err = promptSecret(cmd, "Temporary token: "); err != nil {
					return err
				}
			}
			principal, err := a.svc.Authenticate(cmd.Context(), tmpToken, token.KindTemporary)
			if err != nil {
				return describeError(err)
			}

			if code == "" && backupCode == "" {
				if code, err = promptSecret(cmd, "Authenticator code: "); err != nil {
					return err
				}
			}

			var result *service.VerifyResult
			if backupCode != "" {
				result, err = a.svc.VerifyByBackupCode(cmd.Context(), principal.Email, backupCode)
			} else {
				result, err = a.svc.VerifyByCode(cmd.Context(), principal.Email, code)
			}
			if err != nil {
				return describeError(err)
			}

			session, err := a.svc.IssueSession(cmd.Context(), result)
			if err != nil {
				return describeError(err)
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, session)
			}
			fmt.Fprintf(out, "Verified %s\n\n", result.Email)
			fmt.Fprintf(out, "Access token (expires %s):\n  %s\n\n", session.AccessExpiresAt.Format(time.RFC3339), session.AccessToken)
			fmt.Fprintf(out, "Refresh token (expires %s):\n  %s\n", session.RefreshExpiresAt.Format(time.RFC3339), session.RefreshToken)
			return nil
		},
	}

	cmd.Flags().StringVar(&tmpToken, "token", "", "Temporary token from 'gatehouse 2fa setup' (prompted if omitted)")
	cmd.Flags().StringVar(&code, "code", "", "Six-digit authenticator code")
	cmd.Flags().StringVar(&backupCode, "backup-code", "", "Backup code instead of an authenticator code")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

// ---------- 2fa code ----------

func newTwoFACodeCmd() *cobra.Command {
	var (
		secret string
		at     string
	)

	cmd := &cobra.Command{
		Use:   "code",
		Short: "Print the current code for a secret",
		Long: `Print the TOTP code for a base32 secret, as an authenticator app would.
Useful for scripted enrollment checks and for operators without a phone at hand.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				var err error
				if secret, err = promptSecret(cmd, "Secret: "); err != nil {
					return err
				}
			}

			when := time.Now()
			if at != "" {
				parsed, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("invalid --at: %w", err)
				}
				when = parsed
			}

			c, err := totp.New().GenerateCode(strings.ReplaceAll(secret, " ", ""), when)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), c)
			return nil
		},
	}

	cmd.Flags().StringVar(&secret, "secret", "", "Base32 TOTP secret, spaces allowed (prompted if omitted)")
	cmd.Flags().StringVar(&at, "at", "", "RFC 3339 instant to compute the code for (default now)")

	return cmd
}
