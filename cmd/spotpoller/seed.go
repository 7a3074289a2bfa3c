package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/coachpo/spotpoller/internal/domain/schema"
	"github.com/coachpo/spotpoller/internal/domain/spotstore"
	"github.com/coachpo/spotpoller/internal/observability"
)

func newSeedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed id...",
		Short: "Start tracking spot request ids in the configured store",
		Long:  "seed inserts spot request ids as pollable records. It is a development helper; the provisioning side normally owns request creation.",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runSeed,
	}
	addConfigFlag(cmd)
	cmd.Flags().String("region", "", "Region the ids belong to")
	_ = cmd.MarkFlagRequired("region")
	return cmd
}

func runSeed(cmd *cobra.Command, args []string) error {
	region, err := cmd.Flags().GetString("region")
	if err != nil {
		return fmt.Errorf("read region flag: %w", err)
	}
	region = strings.TrimSpace(region)

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	c, err := buildComponents(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer func() { _ = c.close() }()

	tracked, err := seed(cmd.Context(), c.store, region, args)
	c.logger.Info("seeded spot requests",
		observability.F("region", region),
		observability.F("tracked", tracked))
	return err
}

func seed(ctx context.Context, tracker spotstore.Tracker, region string, ids []string) (int, error) {
	tracked := 0
	for _, raw := range ids {
		key := schema.Key{Region: region, ID: strings.TrimSpace(raw)}
		if err := key.Validate(); err != nil {
			return tracked, fmt.Errorf("seed %q: %w", raw, err)
		}
		if err := tracker.Track(ctx, spotstore.Record{Region: key.Region, ID: key.ID}); err != nil {
			return tracked, fmt.Errorf("track %s: %w", key, err)
		}
		tracked++
	}
	return tracked, nil
}
