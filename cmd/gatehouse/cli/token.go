package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/easelworks/gatehouse/internal/token"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Refresh and inspect tokens",
	}

	cmd.AddCommand(newTokenRefreshCmd())
	cmd.AddCommand(newTokenInspectCmd())

	return cmd
}

// ---------- token refresh ----------

func newTokenRefreshCmd() *cobra.Command {
	var refreshToken string

	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Exchange a refresh token for a new access token",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if refreshToken == "" {
				if refreshToken, err = promptSecret(cmd, "Refresh token: "); err != nil {
					return err
				}
			}

			access, err := a.svc.RefreshAccessToken(cmd.Context(), refreshToken)
			if err != nil {
				return describeError(err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), access)
			return nil
		},
	}

	cmd.Flags().StringVar(&refreshToken, "refresh-token", "", "Refresh token (prompted if omitted)")

	return cmd
}

// ---------- token inspect ----------

func newTokenInspectCmd() *cobra.Command {
	var (
		kind       string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "inspect [token]",
		Short: "Verify a token and print its claims",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k := token.Kind(kind)
			if !k.Valid() {
				return fmt.Errorf("unknown token kind %q (want one of %v)", kind, token.Kinds)
			}

			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			var raw string
			if len(args) == 1 {
				raw = args[0]
			} else if raw, err = promptSecret(cmd, "Token: "); err != nil {
				return err
			}

			p, err := a.svc.Authenticate(cmd.Context(), raw, k)
			if err != nil {
				return describeError(err)
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, p)
			}
			fmt.Fprintf(out, "  email:   %s\n", p.Email)
			fmt.Fprintf(out, "  admin:   %t\n", p.IsAdmin)
			fmt.Fprintf(out, "  kind:    %s\n", p.Kind)
			fmt.Fprintf(out, "  expires: %s\n", p.ExpiresAt.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&kind, "kind", string(token.KindAccess), "Expected token kind: temporary, access or refresh")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}
