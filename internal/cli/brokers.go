package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"autotrade-core/internal/balance"
	"autotrade-core/internal/limits"
	"autotrade-core/internal/registry"
)

var brokersCmd = &cobra.Command{
	Use:   "brokers",
	Short: "List registered brokers and their effective trading limits",
	Long: `List every registered broker with its platform maximum, the stored
user-defined limit and the effective limit against the owner's current
account balance.`,
	Args: cobra.NoArgs,
	RunE: runBrokers,
}

func init() {
	rootCmd.AddCommand(brokersCmd)
}

func runBrokers(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	database, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	ctx := cmd.Context()
	q := database.Queries()
	reg, err := registry.FromConfig(cfg.Brokers)
	if err != nil {
		return err
	}
	bal := balance.NewManager(q, cfg.AccountUserID, zerolog.Nop())
	if err := bal.Sync(ctx); err != nil {
		return err
	}
	v := limits.NewValidator(reg, q, zerolog.Nop())
	if err := v.Load(ctx); err != nil {
		return err
	}

	actual := bal.ActualBalance()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Account balance: %s\n\n", actual.StringFixed(2))
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tMODE\tCCY\tMAX\tUSER LIMIT\tEFFECTIVE")
	for _, s := range v.Summaries(actual) {
		user := "-"
		if s.UserDefinedLimit != nil {
			user = s.UserDefinedLimit.StringFixed(2)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			s.BrokerID, s.DisplayName, s.Mode, s.Currency,
			s.MaxPortfolioValue.StringFixed(2), user, s.EffectiveLimit.StringFixed(2))
	}
	return w.Flush()
}
