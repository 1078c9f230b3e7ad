package services

import (
	"fmt"
	"time"

	"github.com/Cyvadra/broker-sync/internal/models"
)

var intervalFrequencies = map[models.SyncFrequency]time.Duration{
	models.FrequencyHourly:       time.Hour,
	models.FrequencyEvery4Hours:  4 * time.Hour,
	models.FrequencyEvery6Hours:  6 * time.Hour,
	models.FrequencyEvery12Hours: 12 * time.Hour,
}

// CalculateNextSync returns the next automatic sync time strictly after now.
// Interval frequencies align to boundaries counted from midnight; daily uses the time of day,
// rolling to tomorrow once it has passed. Manual returns nil.
func CalculateNextSync(frequency models.SyncFrequency, timeOfDay string, now time.Time) *time.Time {
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	if interval, ok := intervalFrequencies[frequency]; ok {
		slots := now.Sub(midnight)/interval + 1
		next := midnight.Add(slots * interval)
		return &next
	}

	if frequency != models.FrequencyDaily {
		return nil
	}

	offset, err := parseTimeOfDay(timeOfDay)
	if err != nil {
		offset, _ = parseTimeOfDay(models.DefaultSyncTime)
	}
	next := midnight.Add(offset)
	if !next.After(now) {
		next = midnight.AddDate(0, 0, 1).Add(offset)
	}
	return &next
}

// parseTimeOfDay converts HH:MM:SS (or HH:MM) into an offset from midnight
func parseTimeOfDay(value string) (time.Duration, error) {
	for _, layout := range []string{"15:04:05", "15:04"} {
		if t, err := time.Parse(layout, value); err == nil {
			return time.Duration(t.Hour())*time.Hour +
				time.Duration(t.Minute())*time.Minute +
				time.Duration(t.Second())*time.Second, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidSyncTime, value)
}
