package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/vmdock/vmdock/internal/config"
	"github.com/vmdock/vmdock/internal/lima"
)

func kubernetesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "kubernetes",
		Aliases: []string{"k8s"},
		Short:   "Manage the kubernetes cluster inside the VM",
	}
	cmd.AddCommand(
		kubernetesStartCmd(),
		kubernetesStopCmd(),
		kubernetesResetCmd(),
		kubernetesDashboardCmd(),
	)
	return cmd
}

func kubernetesStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Install and start kubernetes in the running VM",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, dir, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cfg, dir)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.lifecycle.StartKubernetes(context.Background()); err != nil {
				return err
			}
			if !cfg.Kubernetes {
				cfg.Kubernetes = true
				if err := config.Save(dir, cfg); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func kubernetesStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the cluster, leaving the VM running",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, dir, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cfg, dir)
			if err != nil {
				return err
			}
			defer a.close()
			return a.lifecycle.StopKubernetes(context.Background())
		},
	}
}

func kubernetesResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Delete the cluster and provision a fresh one",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, dir, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.Kubernetes {
				return fmt.Errorf("kubernetes is not enabled; run 'vmdock kubernetes start' first")
			}
			a, err := newApp(cfg, dir)
			if err != nil {
				return err
			}
			defer a.close()
			return a.lifecycle.ResetKubernetes(context.Background())
		},
	}
}

func kubernetesDashboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dashboard",
		Short: "Open the cluster dashboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, dir, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.Kubernetes {
				return fmt.Errorf("kubernetes is not enabled; run 'vmdock kubernetes start' first")
			}
			a, err := newApp(cfg, dir)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.lifecycle.AssertRunning(context.Background()); err != nil {
				return err
			}
			binary, err := lima.FindLimactl()
			if err != nil {
				return err
			}
			return runInteractive(binary, "shell", cfg.Instance, "sudo", "minikube", "dashboard", "--url")
		},
	}
}
