package cmd

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rustyeddy/lpkeeper/model"
	"github.com/rustyeddy/lpkeeper/pkg/id"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Manage automation policies",
	Long: `Create, inspect and toggle the per-wallet automation policy.

Subcommands:
  import  - Create or update a policy from a YAML file
  show    - Print a wallet's policy as YAML
  list    - List policies
  enable  - Activate a wallet's policy
  disable - Deactivate a wallet's policy

Examples:
  lpkeeper policy import policy.yaml --user alice
  lpkeeper policy show --user alice --wallet 7xKX...
  lpkeeper policy disable --user alice --wallet 7xKX...`,
}

var policyImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Create or update a policy from a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE:  runPolicyImport,
}

var policyShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print a wallet's policy as YAML",
	Args:  cobra.NoArgs,
	RunE:  runPolicyShow,
}

var policyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List policies",
	Args:  cobra.NoArgs,
	RunE:  runPolicyList,
}

var policyEnableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Activate a wallet's policy",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return setActive(cmd, true)
	},
}

var policyDisableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Deactivate a wallet's policy",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return setActive(cmd, false)
	},
}

var policyListAll bool

func init() {
	rootCmd.AddCommand(policyCmd)
	policyCmd.AddCommand(policyImportCmd)
	policyCmd.AddCommand(policyShowCmd)
	policyCmd.AddCommand(policyListCmd)
	policyCmd.AddCommand(policyEnableCmd)
	policyCmd.AddCommand(policyDisableCmd)

	policyListCmd.Flags().BoolVarP(&policyListAll, "all", "a", false, "include inactive policies")
}

func runPolicyImport(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read policy file: %w", err)
	}
	var p model.Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("parse policy: %w", err)
	}
	if p.UserID == "" {
		p.UserID = userID
	}
	if p.WalletAddress == "" {
		p.WalletAddress = wallet
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	now := time.Now().UTC()
	existing, err := a.store.GetPolicyByWallet(ctx, p.UserID, p.WalletAddress)
	switch {
	case err == nil:
		// spend and run history belong to the store, not the file
		p.ID = existing.ID
		p.SpentUSD = existing.SpentUSD
		p.LastRunAt = existing.LastRunAt
		p.CreatedAt = existing.CreatedAt
	case errors.Is(err, model.ErrNotFound):
		if p.ID == "" {
			p.ID = id.New()
		}
		p.CreatedAt = now
	default:
		return err
	}
	p.UpdatedAt = now

	if err := p.Validate(); err != nil {
		return err
	}
	if err := a.store.SavePolicy(ctx, &p); err != nil {
		return fmt.Errorf("save policy: %w", err)
	}
	fmt.Printf("%s policy %s saved for wallet %s\n", okMark, p.ID, p.WalletAddress)
	return nil
}

func runPolicyShow(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	p, err := a.policy(cmd.Context())
	if err != nil {
		return err
	}
	out, err := yaml.Marshal(p)
	if err != nil {
		return err
	}
	fmt.Print(string(out))
	return nil
}

func runPolicyList(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ps, err := a.store.ListPolicies(cmd.Context(), !policyListAll)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tUSER\tWALLET\tACTIVE\tSPENT\tBUDGET")
	for _, p := range ps {
		if userID != "" && p.UserID != userID {
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\t%s\n",
			p.ID, p.UserID, p.WalletAddress, p.IsActive, usd(p.SpentUSD), usd(p.TotalBudgetUSD))
	}
	return tw.Flush()
}

func setActive(cmd *cobra.Command, active bool) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	p, err := a.policy(ctx)
	if err != nil {
		return err
	}
	p.IsActive = active
	p.UpdatedAt = time.Now().UTC()
	if err := a.store.SavePolicy(ctx, p); err != nil {
		return fmt.Errorf("save policy: %w", err)
	}
	state := "disabled"
	if active {
		state = "enabled"
	}
	fmt.Printf("%s policy %s %s\n", okMark, p.ID, state)
	return nil
}
