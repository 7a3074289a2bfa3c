package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/coachpo/spotpoller/internal/poller"
)

func newOnceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "once",
		Short: "Run a single reconciliation pass and print its report",
		Args:  cobra.NoArgs,
		RunE:  runOnce,
	}
	addConfigFlag(cmd)
	cmd.Flags().Bool("json", false, "Print the pass report as JSON")
	return cmd
}

func runOnce(cmd *cobra.Command, _ []string) error {
	asJSON, err := cmd.Flags().GetBool("json")
	if err != nil {
		return fmt.Errorf("read json flag: %w", err)
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	c, err := buildComponents(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer func() { _ = c.close() }()

	ctx := cmd.Context()
	if cfg.Poller.MaxIterationTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Poller.MaxIterationTime)
		defer cancel()
	}

	report, passErr := c.poller.Poll(ctx)
	if err := writeReport(cmd.OutOrStdout(), report, asJSON); err != nil {
		return err
	}
	return passErr
}

func writeReport(w io.Writer, report poller.PassReport, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return fmt.Errorf("encode report: %w", err)
		}
		return nil
	}

	if _, err := fmt.Fprintf(w, "pass %s started %s took %s\n",
		report.ID, report.StartedAt.Format(time.RFC3339), report.Duration); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	for _, r := range report.Regions {
		line := fmt.Sprintf("  %-16s pollable=%d batches=%d described=%d updated=%d removed=%d kill=%d cancelled=%d",
			r.Region, r.Pollable, r.Batches, r.Described, r.Updated, r.Removed, r.KillRequested, r.Cancelled)
		if r.Error != "" {
			line += " error=" + r.Error
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return fmt.Errorf("write report: %w", err)
		}
	}
	return nil
}
