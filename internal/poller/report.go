package poller

import (
	"fmt"
	"strings"
	"time"
)

// RegionReport summarises one region's part of a pass.
type RegionReport struct {
	Region        string        `json:"region"`
	Pollable      int           `json:"pollable"`
	Batches       int           `json:"batches"`
	Described     int           `json:"described"`
	Updated       int           `json:"updated"`
	Removed       int           `json:"removed"`
	KillRequested int           `json:"killRequested"`
	Cancelled     int           `json:"cancelled"`
	Duration      time.Duration `json:"duration"`
	Error         string        `json:"error,omitempty"`
	Err           error         `json:"-"`
}

// PassReport summarises one reconciliation pass across every region.
type PassReport struct {
	ID        string         `json:"id"`
	StartedAt time.Time      `json:"startedAt"`
	Duration  time.Duration  `json:"duration"`
	Regions   []RegionReport `json:"regions"`
}

// FailedRegions lists the regions whose reconciliation returned an error.
func (r PassReport) FailedRegions() []string {
	var failed []string
	for _, region := range r.Regions {
		if region.Err != nil {
			failed = append(failed, region.Region)
		}
	}
	return failed
}

// RegionError is a failure scoped to one region.
type RegionError struct {
	Region string
	Err    error
}

func (e *RegionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("region %s: %v", e.Region, e.Err)
}

func (e *RegionError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// PassError aggregates every region failure of a pass.
type PassError struct {
	PassID  string
	Regions int
	Errors  []error
}

// Error returns a summary naming each failed region.
func (e *PassError) Error() string {
	if e == nil {
		return "<nil>"
	}
	parts := []string{"reconciliation pass failed"}
	if e.PassID != "" {
		parts = append(parts, "pass_id="+e.PassID)
	}
	parts = append(parts, fmt.Sprintf("failed_regions=%d/%d", len(e.Errors), e.Regions))
	for _, err := range e.Errors {
		if err != nil {
			parts = append(parts, err.Error())
		}
	}
	return strings.Join(parts, ": ")
}

// Unwrap exposes the region errors for errors.Is/As.
func (e *PassError) Unwrap() []error {
	if e == nil {
		return nil
	}
	return append([]error(nil), e.Errors...)
}

// FailedRegions lists the regions carried by the aggregated errors.
func (e *PassError) FailedRegions() []string {
	if e == nil {
		return nil
	}
	regions := make([]string, 0, len(e.Errors))
	for _, err := range e.Errors {
		if re, ok := err.(*RegionError); ok {
			regions = append(regions, re.Region)
		}
	}
	return regions
}
