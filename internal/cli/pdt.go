package cli

import (
	"encoding/json"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"autotrade-core/internal/balance"
	"autotrade-core/internal/pdt"
	"autotrade-core/pkg/calendar"
)

var pdtStatusCmd = &cobra.Command{
	Use:   "pdt-status",
	Short: "Print the pattern day trader status from the database",
	Args:  cobra.NoArgs,
	RunE:  runPDTStatus,
}

func init() {
	rootCmd.AddCommand(pdtStatusCmd)
}

func runPDTStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	database, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	loc, err := cfg.Market.Location()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	q := database.Queries()
	tracker := pdt.NewTracker(pdt.Config{
		Threshold:         cfg.PDT.Threshold,
		DayTradeLimit:     cfg.PDT.DayTradeLimit,
		ProtectionEnabled: cfg.PDT.ProtectionEnabled,
	}, calendar.NewNYSE(loc), zerolog.Nop(), pdt.WithStore(q))
	if err := tracker.Load(ctx); err != nil {
		return err
	}
	bal := balance.NewManager(q, cfg.AccountUserID, zerolog.Nop())
	if err := bal.Sync(ctx); err != nil {
		return err
	}
	equity := bal.Equity()

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(tracker.GetPDTStatus(&equity))
}
