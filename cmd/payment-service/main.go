package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"tx-lab-tpc-go/internal/app"
	"tx-lab-tpc-go/internal/payment"
	"tx-lab-tpc-go/pkg/config"
	"tx-lab-tpc-go/pkg/tx/common"
)

func main() {
	ctx := app.WithSignalCancel(context.Background())
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "payment-service:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:           "payment-service",
		Short:         "payments participant: holds client funds under two-phase commit",
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
			return app.RunParticipant(cmd.Context(), common.ParticipantPayments, cfg)
		},
	}
	fs := cmd.PersistentFlags()
	config.AddCommonFlags(fs, "payment-service", "9091")
	config.AddParticipantFlags(fs)
	cmd.AddCommand(newTopUpCommand(v))
	return cmd
}

func newTopUpCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "topup CLIENT_ID AMOUNT",
		Short: "credit a client account, creating it if needed",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil || amount <= 0 {
				return fmt.Errorf("amount must be a positive integer, got %q", args[1])
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
			balance, err := payment.TopUp(cmd.Context(), b.Pool, args[0], amount)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s balance %d\n", args[0], balance)
			return nil
		},
	}
}
