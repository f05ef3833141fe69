package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"tx-lab-tpc-go/internal/app"
	"tx-lab-tpc-go/internal/reserve"
	"tx-lab-tpc-go/pkg/config"
	"tx-lab-tpc-go/pkg/tx/common"
)

func main() {
	ctx := app.WithSignalCancel(context.Background())
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "reserve-service:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:           "reserve-service",
		Short:         "reserve participant: reserves warehouse stock under two-phase commit",
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return config.Bind(v, cmd.Flags())
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadParticipant(v)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true
			return app.RunParticipant(cmd.Context(), common.ParticipantReserve, cfg)
		},
	}
	fs := cmd.PersistentFlags()
	config.AddCommonFlags(fs, "reserve-service", "9092")
	config.AddParticipantFlags(fs)
	cmd.AddCommand(newRestockCommand(v))
	return cmd
}

func newRestockCommand(v *viper.Viper) *cobra.Command {
	var unitCost int64
	cmd := &cobra.Command{
		Use:   "restock ITEM_ID QUANTITY",
		Short: "add stock to a warehouse item, creating it if needed",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			qty, err := strconv.ParseInt(args[1], 10, 32)
			if err != nil || qty <= 0 {
				return fmt.Errorf("quantity must be a positive integer, got %q", args[1])
			}
			cfg, err := config.LoadCommon(v)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true
			b, err := app.Open(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer b.Close()
			amount, err := reserve.Restock(cmd.Context(), b.Pool, args[0], int32(qty), unitCost)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s amount %d\n", args[0], amount)
			return nil
		},
	}
	cmd.Flags().Int64Var(&unitCost, "unit-cost", 0, "unit cost in minor units of a new item")
	return cmd
}
