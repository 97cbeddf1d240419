package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/flagport/flagport/internal/repository"
)

const exposureDayFormat = "2006-01-02"

// ExposureStats aggregates exposure counts over a stats window.
type ExposureStats struct {
	Total     int            `json:"total"`
	Breakdown map[string]int `json:"breakdown"`
}

// FlagStats reports how often a flag was observed by clients in one
// environment over a trailing period.
type FlagStats struct {
	FlagID      string        `json:"flagId"`
	FlagKey     string        `json:"flagKey"`
	Environment string        `json:"environment"`
	Period      string        `json:"period"`
	Exposures   ExposureStats `json:"exposures"`
}

// RecordExposure persists one exposure event. FlagKey, Environment, and
// UserID are required; Timestamp defaults to now and ClientID to "unknown".
func (s *Service) RecordExposure(ctx context.Context, exposure repository.Exposure) error {
	if strings.TrimSpace(exposure.FlagKey) == "" ||
		strings.TrimSpace(exposure.Environment) == "" ||
		strings.TrimSpace(exposure.UserID) == "" {
		return fmt.Errorf("%w: flagKey, environment, and userId are required", ErrInvalidRequest)
	}

	if exposure.Timestamp.IsZero() {
		exposure.Timestamp = time.Now().UTC()
	}
	if strings.TrimSpace(exposure.ClientID) == "" {
		exposure.ClientID = "unknown"
	}

	return s.store.RecordExposure(ctx, exposure)
}

// FlagStats returns exposure totals and a per-day breakdown for one flag in
// one environment. Period is "Nd" for a trailing window of N days; every day
// in the window appears in the breakdown, zero counts included.
func (s *Service) FlagStats(ctx context.Context, flagID, environment, period string) (FlagStats, error) {
	flag, err := s.GetFlag(ctx, flagID)
	if err != nil {
		return FlagStats{}, err
	}

	days, err := s.parsePeriod(period)
	if err != nil {
		return FlagStats{}, err
	}

	start := time.Now().UTC().Truncate(24 * time.Hour).AddDate(0, 0, -days)
	counts, err := s.store.ExposureDailyCounts(ctx, flag.Key, environment, start)
	if err != nil {
		return FlagStats{}, fmt.Errorf("flag stats for %q: %w", flag.Key, err)
	}

	breakdown := make(map[string]int, days+1)
	total := 0
	for i := 0; i <= days; i++ {
		day := start.AddDate(0, 0, i).Format(exposureDayFormat)
		breakdown[day] = counts[day]
		total += counts[day]
	}

	return FlagStats{
		FlagID:      flag.ID,
		FlagKey:     flag.Key,
		Environment: environment,
		Period:      period,
		Exposures: ExposureStats{
			Total:     total,
			Breakdown: breakdown,
		},
	}, nil
}

// parsePeriod parses a trailing window in "Nd" form, e.g. "7d".
func (s *Service) parsePeriod(period string) (int, error) {
	trimmed, ok := strings.CutSuffix(strings.TrimSpace(period), "d")
	if !ok {
		return 0, fmt.Errorf("%w: period must be 'Nd' where N is a number of days", ErrInvalidRequest)
	}

	days, err := strconv.Atoi(trimmed)
	if err != nil || days < 1 {
		return 0, fmt.Errorf("%w: period must be 'Nd' where N is a number of days", ErrInvalidRequest)
	}
	if days > s.maxStatsPeriodDays {
		return 0, fmt.Errorf("%w: period exceeds %d days", ErrInvalidRequest, s.maxStatsPeriodDays)
	}

	return days, nil
}
