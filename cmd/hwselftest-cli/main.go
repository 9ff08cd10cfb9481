package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"hwselftest/pkg/client"
	"hwselftest/pkg/comm"
	"hwselftest/pkg/rpc"
	"hwselftest/pkg/version"
)

var (
	addr    string
	token   string
	timeout time.Duration
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "hwselftest-cli",
		Short:         "Talk to a running hwselftest agent",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&addr, "addr", "a", fmt.Sprintf("%s:%d", comm.DefaultBind, comm.DefaultPort), "agent address")
	rootCmd.PersistentFlags().StringVarP(&token, "token", "t", os.Getenv("HWST_TOKEN"), "bearer token (env HWST_TOKEN)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Minute, "give up after this long")

	rootCmd.AddCommand(executeCmd())
	rootCmd.AddCommand(simpleCmd("caps", "List the diagnostics the agent can run", rpc.MethodCapabilities, nil))
	rootCmd.AddCommand(simpleCmd("results", "Show the previous results", rpc.MethodPreviousResults, nil))
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String("hwselftest-cli"))
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func connect(cmd *cobra.Command) (*client.Client, context.Context, context.CancelFunc, error) {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	c, err := client.Dial(ctx, addr, token)
	if err != nil {
		cancel()
		stop()
		return nil, nil, nil, err
	}
	return c, ctx, func() {
		_ = c.Close()
		cancel()
		stop()
	}, nil
}

func run(cmd *cobra.Command, method string, params any) error {
	c, ctx, done, err := connect(cmd)
	if err != nil {
		return err
	}
	defer done()
	res, err := c.Execute(ctx, method, params)
	if err != nil {
		return err
	}
	return printCompletion(cmd, res)
}

func printCompletion(cmd *cobra.Command, res client.Completion) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s status=%d at %s\n", res.Diag, res.Status, res.Timestamp)
	if len(res.Data) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, res.Data, "", "  "); err != nil {
		return err
	}
	fmt.Fprintln(out, buf.String())
	return nil
}

func executeCmd() *cobra.Command {
	var runClient string
	cmd := &cobra.Command{
		Use:   "execute [diag...]",
		Short: "Run diagnostics; with no arguments run the full test battery",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return run(cmd, rpc.MethodRunAll, rpc.RunAllParams{Client: runClient})
			}
			// one connection for all of them: the agent may quit on disconnect
			c, ctx, done, err := connect(cmd)
			if err != nil {
				return err
			}
			defer done()
			for _, name := range args {
				res, err := c.Execute(ctx, name, nil)
				if err != nil {
					return fmt.Errorf("%s: %w", name, err)
				}
				if err := printCompletion(cmd, res); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&runClient, "client", "hwselftest-cli", "client name recorded with a full run")
	return cmd
}

func simpleCmd(use, short, method string, params any) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, method, params)
		},
	}
}

func historyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recently journaled runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, rpc.MethodHistory, rpc.HistoryParams{Limit: limit})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of runs")
	return cmd
}
