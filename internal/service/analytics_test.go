package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/flagport/flagport/internal/repository"
)

func TestRecordExposureValidation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	tests := []struct {
		name     string
		exposure repository.Exposure
	}{
		{name: "missing flag key", exposure: repository.Exposure{Environment: "production", UserID: "u-1"}},
		{name: "missing environment", exposure: repository.Exposure{FlagKey: "f", UserID: "u-1"}},
		{name: "missing user id", exposure: repository.Exposure{FlagKey: "f", Environment: "production"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := svc.RecordExposure(ctx, tt.exposure); !errors.Is(err, ErrInvalidRequest) {
				t.Fatalf("RecordExposure() error = %v, want ErrInvalidRequest", err)
			}
		})
	}
}

func TestRecordExposureDefaults(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	createEnvironment(t, svc, "production")

	err := svc.RecordExposure(ctx, repository.Exposure{
		FlagKey:     "checkout-v2",
		Environment: "production",
		UserID:      "u-1",
	})
	if err != nil {
		t.Fatalf("RecordExposure() error = %v", err)
	}

	counts, err := store.ExposureDailyCounts(ctx, "checkout-v2", "production", time.Now().UTC().AddDate(0, 0, -1))
	if err != nil {
		t.Fatalf("ExposureDailyCounts() error = %v", err)
	}
	if counts[time.Now().UTC().Format("2006-01-02")] != 1 {
		t.Fatalf("exposure not recorded with default timestamp: %v", counts)
	}
}

func TestFlagStats(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	createEnvironment(t, svc, "production")
	flag := createFlag(t, svc, "checkout-v2", map[string]bool{"production": true})

	now := time.Now().UTC()
	for _, exposure := range []repository.Exposure{
		{FlagKey: "checkout-v2", Environment: "production", UserID: "u-1", Timestamp: now},
		{FlagKey: "checkout-v2", Environment: "production", UserID: "u-2", Timestamp: now.AddDate(0, 0, -2)},
		{FlagKey: "checkout-v2", Environment: "staging", UserID: "u-3", Timestamp: now},
	} {
		if err := svc.RecordExposure(ctx, exposure); err != nil {
			t.Fatalf("RecordExposure() error = %v", err)
		}
	}

	stats, err := svc.FlagStats(ctx, flag.ID, "production", "7d")
	if err != nil {
		t.Fatalf("FlagStats() error = %v", err)
	}
	if stats.FlagKey != "checkout-v2" || stats.Period != "7d" {
		t.Fatalf("FlagStats() = %+v", stats)
	}
	if stats.Exposures.Total != 2 {
		t.Fatalf("FlagStats().Exposures.Total = %d, want 2", stats.Exposures.Total)
	}
	if len(stats.Exposures.Breakdown) != 8 {
		t.Fatalf("FlagStats() breakdown has %d days, want 8", len(stats.Exposures.Breakdown))
	}
	if stats.Exposures.Breakdown[now.Format("2006-01-02")] != 1 {
		t.Fatalf("FlagStats() breakdown = %v", stats.Exposures.Breakdown)
	}
}

func TestFlagStatsErrors(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	createEnvironment(t, svc, "production")
	flag := createFlag(t, svc, "checkout-v2", map[string]bool{"production": true})

	if _, err := svc.FlagStats(ctx, "missing", "production", "7d"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("FlagStats() unknown flag error = %v, want ErrNotFound", err)
	}

	for _, period := range []string{"", "7", "d", "0d", "-1d", "week"} {
		if _, err := svc.FlagStats(ctx, flag.ID, "production", period); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("FlagStats(period=%q) error = %v, want ErrInvalidRequest", period, err)
		}
	}

	if _, err := svc.FlagStats(ctx, flag.ID, "production", "365d"); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("FlagStats() over max period error = %v, want ErrInvalidRequest", err)
	}
}
