package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/easelworks/gatehouse/internal/model"
)

func newAdminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Manage administrator records",
		Long: `Create and list administrators. In production the identity provider creates
these records on first login; the commands here seed and inspect them.`,
	}

	cmd.AddCommand(newAdminCreateCmd())
	cmd.AddCommand(newAdminListCmd())

	return cmd
}

// ---------- admin create ----------

func newAdminCreateCmd() *cobra.Command {
	var (
		email    string
		name     string
		notAdmin bool
	)

	cmd := &cobra.Command{
		Use:     "create",
		Short:   "Create an administrator record",
		Example: `  gatehouse admin create --email curator@example.com --name "Head Curator"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			email = model.NormalizeEmail(email)
			if !strings.Contains(email, "@") {
				return fmt.Errorf("invalid email address: %q", email)
			}

			st, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			admin, err := st.EnsureAdmin(cmd.Context(), &model.Admin{Email: email, Name: name, IsAdmin: !notAdmin})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Admin %q ready (2FA enabled: %t)\n", admin.Email, admin.TotpEnabled)
			return nil
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "Admin email address (required)")
	cmd.Flags().StringVar(&name, "name", "", "Admin display name")
	cmd.Flags().BoolVar(&notAdmin, "not-admin", false, "Create the record without administrator rights")
	cmd.MarkFlagRequired("email")

	return cmd
}

// ---------- admin list ----------

func newAdminListCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List all administrators",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			admins, err := st.ListAdmins(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, admins)
			}

			if len(admins) == 0 {
				fmt.Fprintln(out, "No administrators. Use 'gatehouse admin create' to add one.")
				return nil
			}

			fmt.Fprintf(out, "%-32s %-24s %-6s %-6s\n", "EMAIL", "NAME", "ADMIN", "2FA")
			fmt.Fprintf(out, "%-32s %-24s %-6s %-6s\n", "-----", "----", "-----", "---")
			for _, a := range admins {
				fmt.Fprintf(out, "%-32s %-24s %-6s %-6s\n", a.Email, a.Name, yesNo(a.IsAdmin), yesNo(a.TotpEnabled))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
