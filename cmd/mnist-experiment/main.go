// Command mnist-experiment trains and evaluates the MNIST CNN described by config.yaml.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/tsawler/go-mnist/config"
	"github.com/tsawler/go-mnist/experiment"
)

func newRootCmd() *cobra.Command {
	flags := experiment.DefaultFlags()
	var configPath string

	cmd := &cobra.Command{
		Use:   "mnist-experiment",
		Short: "Train and evaluate a CNN on MNIST",
		Long: `Runs the epoch loop configured in config.yaml: adjust the learning rate, train,
evaluate on the test split and checkpoint, keeping a copy of the best model.
Distributed runs read WORLD_SIZE, RANK, MASTER_ADDR and MASTER_PORT.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return experiment.Run(ctx, cfg, flags, &experiment.DefaultFactory{Progress: os.Stdout})
		},
	}

	cmd.Flags().Var(&flags.Train, "train", "run the training loop (yes/no, true/false, t/f, y/n, 1/0)")
	cmd.Flags().Var(&flags.Test, "test", "evaluate the best checkpoint on the test split afterwards")
	cmd.Flags().StringVar(&configPath, "config", "config.yaml", "experiment configuration file")

	klogFlags := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(klogFlags)
	cmd.PersistentFlags().AddGoFlagSet(klogFlags)
	return cmd
}

func main() {
	err := newRootCmd().ExecuteContext(context.Background())
	if err != nil {
		klog.Errorf("mnist-experiment: %v", err)
		klog.Flush()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	klog.Flush()
}
