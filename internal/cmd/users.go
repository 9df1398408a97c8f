package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cwygoda/scout/internal/domain"
)

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Manage users, tiers and usage",
}

var usersAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a user",
	Long: `Register a user. The payment provider is chosen from the country code.

Example:
  scout users add --email ama@example.com --name Ama --country GH`,
	Args: cobra.NoArgs,
	RunE: runUsersAdd,
}

var usersUsageCmd = &cobra.Command{
	Use:   "usage <user-id>",
	Short: "Show a user's monthly allowance and plans",
	Args:  cobra.ExactArgs(1),
	RunE:  runUsersUsage,
}

var usersSetTierCmd = &cobra.Command{
	Use:   "set-tier <user-id> <free|starter|pro>",
	Short: "Change a user's subscription tier",
	Args:  cobra.ExactArgs(2),
	RunE:  runUsersSetTier,
}

var usersResetUsageCmd = &cobra.Command{
	Use:   "reset-usage",
	Short: "Zero usage counters left over from earlier months",
	Args:  cobra.NoArgs,
	RunE:  runUsersResetUsage,
}

var newUser domain.NewUser

func init() {
	rootCmd.AddCommand(usersCmd)
	usersCmd.AddCommand(usersAddCmd, usersUsageCmd, usersSetTierCmd, usersResetUsageCmd)

	f := usersAddCmd.Flags()
	f.StringVar(&newUser.Email, "email", "", "Email address (required)")
	f.StringVar(&newUser.Name, "name", "", "Display name")
	f.StringVar(&newUser.Country, "country", "", "ISO country code")
	f.StringVar((*string)(&newUser.Tier), "tier", string(domain.TierFree), "Tier (free|starter|pro)")
	_ = usersAddCmd.MarkFlagRequired("email")
}

func runUsersAdd(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	u, err := a.svc.RegisterUser(cmd.Context(), newUser)
	if err != nil {
		return domainExit("Failed to add user", err)
	}
	return writeJSON(cmd.OutOrStdout(), viewUser(u))
}

func runUsersUsage(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0], "user")
	if err != nil {
		return err
	}
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	r, err := a.svc.Usage(cmd.Context(), id)
	if err != nil {
		return domainExit("Failed to load usage", err)
	}
	return writeJSON(cmd.OutOrStdout(), usageView{
		User:      viewUser(r.User),
		Used:      r.Used,
		Limit:     r.Limit.String(),
		Remaining: r.Remaining,
		Provider:  string(r.Provider),
		Plans:     r.Plans,
	})
}

func runUsersSetTier(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0], "user")
	if err != nil {
		return err
	}
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	tier, ok := domain.ParseTier(args[1])
	if !ok {
		tier = domain.Tier(args[1])
	}
	if err := a.svc.SetTier(cmd.Context(), id, tier); err != nil {
		return domainExit("Failed to set tier", err)
	}
	a.log.Info("Tier updated", zap.Int64("user_id", id), zap.String("tier", string(tier)))
	return nil
}

func runUsersResetUsage(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.svc.ResetMonthlyUsage(cmd.Context())
	if err != nil {
		return domainExit("Failed to reset usage", err)
	}
	return writeJSON(cmd.OutOrStdout(), map[string]int64{"reset": n})
}
