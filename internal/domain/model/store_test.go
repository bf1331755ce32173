//go:build !integration

package model_test

import (
	"errors"
	"testing"

	"tryon-pipeline/internal/domain"
	"tryon-pipeline/internal/domain/model"
)

func TestNewStore(t *testing.T) {
	s, err := model.NewStore("", "demo", "Demo")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if s.ID == "" {
		t.Error("expected a generated id")
	}
	if s.DailyFreeLimit != model.DefaultDailyFreeLimit {
		t.Errorf("expected default limit %d, got %d", model.DefaultDailyFreeLimit, s.DailyFreeLimit)
	}

	if _, err := model.NewStore("", "", "Demo"); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("blank slug: expected ErrInvalidArgument, got: %v", err)
	}
}

func TestStore_UpdateSettings(t *testing.T) {
	cases := []struct {
		name  string
		limit int
		hour  int
		ok    bool
	}{
		{"minimum limit", model.MinDailyFreeLimit, 0, true},
		{"maximum limit", model.MaxDailyFreeLimit, 23, true},
		{"zero limit", 0, 0, false},
		{"negative limit", -1, 0, false},
		{"limit above maximum", model.MaxDailyFreeLimit + 1, 0, false},
		{"negative hour", 5, -1, false},
		{"hour past midnight", 5, 24, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, err := model.NewStore("", "demo", "Demo")
			if err != nil {
				t.Fatalf("new store: %v", err)
			}
			err = s.UpdateSettings(tc.limit, tc.hour)
			if tc.ok && err != nil {
				t.Fatalf("expected success, got: %v", err)
			}
			if !tc.ok {
				if !errors.Is(err, domain.ErrInvalidArgument) {
					t.Fatalf("expected ErrInvalidArgument, got: %v", err)
				}
				// A rejected update must not clamp.
				if s.DailyFreeLimit != model.DefaultDailyFreeLimit || s.FreeResetHour != 0 {
					t.Error("rejected update modified the store")
				}
			}
		})
	}
}
