// Package cli implements the credits-allocator command.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"communityhub/backend/services/credits-service/internal/service"
)

// ErrRunFailed is returned when at least one schedule failed; the process exits with 1.
var ErrRunFailed = errors.New("allocation run had failures")

// Runner executes one allocation batch.
type Runner interface {
	RunDue(ctx context.Context, opts service.RunOptions) (*service.RunReport, error)
}

// Environment is what the command needs from the wired application.
type Environment struct {
	Runner      Runner
	ItemTimeout time.Duration
	BatchLimit  int
	Close       func()
}

// Bootstrap loads configuration from configPath and wires the allocator.
type Bootstrap func(configPath string) (*Environment, error)

// NewAllocatorCommand builds the credits-allocator root command.
func NewAllocatorCommand(boot Bootstrap, out io.Writer) *cobra.Command {
	var (
		configPath  string
		dryRun      bool
		itemTimeout time.Duration
		at          string
	)

	cmd := &cobra.Command{
		Use:   "credits-allocator",
		Short: "Grant scheduled credits that are due",
		Long: `Processes every active allocation schedule whose next allocation is due.
Each schedule is applied in its own transaction; a failed schedule is reported
and the run continues. The exit code is 1 when any schedule failed.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var now time.Time
			if at != "" {
				parsed, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("invalid --at: %w", err)
				}
				now = parsed
			}

			env, err := boot(configPath)
			if err != nil {
				return err
			}
			if env.Close != nil {
				defer env.Close()
			}
			if itemTimeout <= 0 {
				itemTimeout = env.ItemTimeout
			}

			report, err := env.Runner.RunDue(cmd.Context(), service.RunOptions{
				Now:         now,
				DryRun:      dryRun,
				ItemTimeout: itemTimeout,
				Limit:       env.BatchLimit,
			})
			if report != nil {
				PrintReport(out, report)
			}
			if err != nil {
				return err
			}
			if report.Failed > 0 {
				return ErrRunFailed
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to YAML config (defaults to CONFIG_FILE)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report intended allocations without writing")
	cmd.Flags().DurationVar(&itemTimeout, "item-timeout", 0, "Timeout per schedule (defaults to config)")
	cmd.Flags().StringVar(&at, "at", "", "Run as of this RFC3339 time instead of now")
	return cmd
}

// PrintReport writes one line per schedule and a summary line.
func PrintReport(w io.Writer, report *service.RunReport) {
	for _, item := range report.Items {
		switch item.Status {
		case service.ItemFailed:
			fmt.Fprintf(w, "FAIL user=%d type=%s error=%q\n", item.UserID, item.CreditType, item.Err.Error())
		case service.ItemSkipped:
			fmt.Fprintf(w, "SKIP user=%d type=%s\n", item.UserID, item.CreditType)
		case service.ItemDryRun:
			fmt.Fprintf(w, "DRY user=%d type=%s delta=%d balance=%d\n", item.UserID, item.CreditType, item.Delta, item.Balance)
		default:
			fmt.Fprintf(w, "OK user=%d type=%s delta=%d balance=%d\n", item.UserID, item.CreditType, item.Delta, item.Balance)
		}
	}
	fmt.Fprintf(w, "processed=%d succeeded=%d failed=%d skipped=%d\n", report.Processed, report.Succeeded, report.Failed, report.Skipped)
}
