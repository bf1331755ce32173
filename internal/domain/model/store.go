package model

import (
	"time"

	"tryon-pipeline/internal/domain"

	"github.com/google/uuid"
)

const (
	// DefaultDailyFreeLimit is applied when a store never configured its own
	// limit. Changing this value changes what new consumer accounts are seeded
	// with, so it is covered by tests explicitly.
	DefaultDailyFreeLimit = 3

	MinDailyFreeLimit = 1
	MaxDailyFreeLimit = 100
)

// Store is a tenant that embeds the try-on widget. Free-ticket policy for its
// consumers lives here; consumer accounts snapshot the limit when they are
// created and re-read it at every daily reset.
type Store struct {
	ID             string
	Slug           string
	Name           string
	DailyFreeLimit int
	FreeResetHour  int // 0..23, in the reference timezone (JST)
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func NewStore(id, slug, name string) (*Store, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if slug == "" || name == "" {
		return nil, domain.ErrInvalidArgument
	}
	now := time.Now()
	return &Store{
		ID:             id,
		Slug:           slug,
		Name:           name,
		DailyFreeLimit: DefaultDailyFreeLimit,
		FreeResetHour:  0,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// UpdateSettings applies owner-supplied limits. Out-of-range values are
// rejected, never clamped, so a typo does not silently change billing policy.
func (s *Store) UpdateSettings(dailyFreeLimit, freeResetHour int) error {
	if dailyFreeLimit < MinDailyFreeLimit || dailyFreeLimit > MaxDailyFreeLimit {
		return domain.ErrInvalidArgument
	}
	if freeResetHour < 0 || freeResetHour > 23 {
		return domain.ErrInvalidArgument
	}
	s.DailyFreeLimit = dailyFreeLimit
	s.FreeResetHour = freeResetHour
	s.UpdatedAt = time.Now()
	return nil
}
