package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

const defaultConfigPath = "dispatchd.yaml"

// buildRunCmd creates the "run" command: a single dispatch turn over one
// message, printing streamed text to stdout and exiting once the turn
// loop finishes.
func buildRunCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run [message]",
		Short: "Dispatch a single message and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd.Context(), configPath, args[0], cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to configuration file")
	return cmd
}

// buildChatCmd creates the "chat" command: an interactive REPL that keeps
// one conversation alive across turns until the user exits or sends an
// interrupt.
func buildChatCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive dispatch session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), configPath, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to configuration file")
	return cmd
}

// buildStatusCmd creates the "status" command: reports supervisor-tracked
// provider health without dispatching anything.
func buildStatusCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report LM provider and tool provider health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), configPath, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to configuration file")
	return cmd
}

func runOnce(ctx context.Context, configPath, message string, out io.Writer) error {
	c, err := buildCore(ctx, configPath)
	if err != nil {
		return err
	}
	defer c.Close(ctx)

	return dispatchTurn(ctx, c, message, out)
}

func runChat(ctx context.Context, configPath string, in io.Reader, out io.Writer) error {
	c, err := buildCore(ctx, configPath)
	if err != nil {
		return err
	}
	defer c.Close(ctx)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)

	fmt.Fprintln(out, "dispatchd chat — Ctrl-D or \"exit\" to quit")
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := dispatchTurn(ctx, c, line, out); err != nil {
			fmt.Fprintln(out, "error:", err)
		}
	}
}

// dispatchTurn runs one turn of c.loop over c.conv, streaming text chunks
// to out and printing tool results and the terminal error (if any, beyond
// the expected nil once the loop finishes cleanly).
func dispatchTurn(ctx context.Context, c *core, message string, out io.Writer) error {
	var lastErr error
	for chunk := range c.loop.Run(ctx, c.conv, message) {
		switch {
		case chunk.Error != nil:
			lastErr = chunk.Error
		case chunk.ToolResult != nil:
			fmt.Fprintf(out, "\n[tool] %s\n", chunk.ToolResult.Content)
		default:
			fmt.Fprint(out, chunk.Text)
		}
	}
	fmt.Fprintln(out)
	return lastErr
}

func runStatus(ctx context.Context, configPath string, out io.Writer) error {
	c, err := buildCore(ctx, configPath)
	if err != nil {
		return err
	}
	defer c.Close(ctx)

	records := c.sup.Records()
	if len(records) == 0 {
		fmt.Fprintln(out, "no supervised providers registered")
		return nil
	}
	for _, r := range records {
		fmt.Fprintf(out, "%-24s %-8s state=%-10s failures=%d restarts=%d\n",
			r.ID, r.Kind, r.State, r.ConsecutiveFailures, r.RestartAttempts)
	}
	return nil
}
