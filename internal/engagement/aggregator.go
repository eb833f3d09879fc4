package engagement

import (
	"sort"
	"time"
)

// DerivePair rebuilds the pair projection from the full ledger history of
// one (provider, requester) pair. It is a pure function: given the same
// records it always produces the same projection, which makes it usable both
// as the repair path when a pair row is missing or stale and as the
// canonical answer when the projection is distrusted.
//
// Status follows the precedence rule: accepted outranks requested, which
// outranks any terminal state; equal ranks are broken by the most recent
// CreatedAt. Topic, location, scheduled time and meeting link each take the
// most recent non-empty value across the ledger.
func DerivePair(records []Record) (Pair, bool) {
	if len(records) == 0 {
		return Pair{}, false
	}

	ordered := make([]Record, len(records))
	copy(ordered, records)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})

	leader := ordered[0]
	for _, record := range ordered[1:] {
		if record.Status.Rank() >= leader.Status.Rank() {
			leader = record
		}
	}

	pair := Pair{
		Key:         leader.PairKey(),
		ProviderID:  leader.ProviderID,
		RequesterID: leader.RequesterID,
		Status:      leader.Status,
		CreatedAt:   ordered[0].CreatedAt,
		UpdatedAt:   latestUpdate(ordered),
	}

	for _, record := range ordered {
		if record.Topic != "" {
			pair.Topic = record.Topic
		}
		if record.Location != "" {
			pair.Location = record.Location
		}
		if record.ScheduledTime != nil {
			scheduled := *record.ScheduledTime
			pair.ScheduledTime = &scheduled
		}
		if record.MeetingLink != "" {
			pair.MeetingLink = record.MeetingLink
		}
	}

	return pair, true
}

func latestUpdate(records []Record) time.Time {
	var latest time.Time
	for _, record := range records {
		if record.UpdatedAt.After(latest) {
			latest = record.UpdatedAt
		}
	}
	return latest
}
