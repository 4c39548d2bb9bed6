package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/eniz1806/VaultGallery/internal/server"
)

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func newServeCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gallery API server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			awsCfg, err := server.LoadAWSConfig(ctx, cfg.AWS)
			if err != nil {
				return err
			}
			srv, err := server.New(cfg, awsCfg)
			if err != nil {
				return err
			}
			defer srv.Close()
			return srv.Run(ctx)
		},
	}
}

func newLabelerCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "labeler",
		Short: "Run the image labeler (HTTP events endpoint and optional NATS consumer)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if cfg.AWS.LabelsTable == "" {
				return fmt.Errorf("aws.labels_table is required for the labeler")
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			awsCfg, err := server.LoadAWSConfig(ctx, cfg.AWS)
			if err != nil {
				return err
			}
			return server.NewLabeler(cfg, awsCfg).Run(ctx)
		},
	}
}

func newConfigCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	var identity bool
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Load the config file, apply environment overrides and validate it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if identity {
				if err := cfg.RequireIdentity(); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config ok (backend=%s, region=%s, listen=%s)\n",
				cfg.Storage.Backend, cfg.AWS.Region, cfg.ListenAddr())
			return nil
		},
	}
	validate.Flags().BoolVar(&identity, "identity", true, "also require the identity settings the API server needs")
	cmd.AddCommand(validate)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "vaultgallery %s\n", version)
		},
	}
}
