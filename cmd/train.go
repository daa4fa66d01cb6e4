package cmd

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/brushbeast/internal/config"
	"github.com/xkilldash9x/brushbeast/internal/observability"
	"github.com/xkilldash9x/brushbeast/internal/trainer"
)

// newTrainCmd creates and configures the `train` command.
func newTrainCmd() *cobra.Command {
	trainCmd := &cobra.Command{
		Use:   "train",
		Short: "Runs the training loop until the step target is reached",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			// Bind flags to their corresponding Viper keys so the command
			// line overrides the config file and environment variables. Only
			// changed flags bind; an unset flag's zero default must not
			// shadow the configured value.
			bindings := map[string]string{
				"xpid":               "training.xpid",
				"savedir":            "training.savedir",
				"total-steps":        "training.total_steps",
				"batch-size":         "training.batch_size",
				"unroll-length":      "training.unroll_length",
				"num-actors":         "training.num_actors",
				"disable-checkpoint": "training.disable_checkpoint",
			}
			for flag, key := range bindings {
				if !cmd.Flags().Changed(flag) {
					continue
				}
				if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
					return err
				}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := observability.GetLogger()

			cfg, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}

			// Stop cleanly on interrupt: the run takes a final checkpoint and
			// drains its workers before exiting.
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			tr, err := trainer.New(cfg, logger)
			if err != nil {
				return err
			}
			logger.Info("Training configured",
				zap.String("savedir", cfg.Training.Savedir),
				zap.Int("total_steps", cfg.Training.TotalSteps),
				zap.Int("num_actors", cfg.Training.NumActors))
			return tr.Run(ctx)
		},
	}

	trainCmd.Flags().String("xpid", "", "experiment id (generated when empty)")
	trainCmd.Flags().String("savedir", "", "root directory for experiment output")
	trainCmd.Flags().Int("total-steps", 0, "environment step budget")
	trainCmd.Flags().Int("batch-size", 0, "learner batch size in unrolls")
	trainCmd.Flags().Int("unroll-length", 0, "environment steps per unroll")
	trainCmd.Flags().Int("num-actors", 0, "number of actor loops")
	trainCmd.Flags().Bool("disable-checkpoint", false, "skip periodic and final checkpoints")

	return trainCmd
}
