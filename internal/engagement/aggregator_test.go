package engagement

import (
	"testing"
	"time"
)

func ledgerRecord(id string, status Status, createdAt time.Time) Record {
	return Record{
		ID:          id,
		RequesterID: "requester-1",
		ProviderID:  "provider-1",
		Status:      status,
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	}
}

func TestDerivePairEmptyLedger(t *testing.T) {
	if _, ok := DerivePair(nil); ok {
		t.Fatalf("empty ledger must not produce a pair")
	}
}

func TestDerivePairAcceptedOutranksLaterTerminal(t *testing.T) {
	base := time.Date(2026, time.August, 1, 9, 0, 0, 0, time.UTC)
	records := []Record{
		ledgerRecord("e-1", StatusAccepted, base),
		ledgerRecord("e-2", StatusDeclined, base.Add(time.Hour)),
		ledgerRecord("e-3", StatusCanceled, base.Add(2*time.Hour)),
	}

	pair, ok := DerivePair(records)
	if !ok {
		t.Fatalf("expected a derived pair")
	}
	if pair.Status != StatusAccepted {
		t.Fatalf("accepted record must lead, got %s", pair.Status)
	}
	if pair.Key != "provider-1_requester-1" {
		t.Fatalf("unexpected pair key %q", pair.Key)
	}
	if !pair.CreatedAt.Equal(base) {
		t.Fatalf("pair creation should be the earliest ledger entry")
	}
	if !pair.UpdatedAt.Equal(base.Add(2 * time.Hour)) {
		t.Fatalf("pair update should be the latest ledger entry")
	}
}

func TestDerivePairEqualRankBreaksTowardLatest(t *testing.T) {
	base := time.Date(2026, time.August, 1, 9, 0, 0, 0, time.UTC)
	older := ledgerRecord("e-1", StatusRequested, base)
	older.Topic = "back pain"
	newer := ledgerRecord("e-2", StatusRequested, base.Add(time.Hour))

	pair, ok := DerivePair([]Record{newer, older})
	if !ok {
		t.Fatalf("expected a derived pair")
	}
	if pair.Status != StatusRequested {
		t.Fatalf("unexpected status %s", pair.Status)
	}
	if pair.Topic != "back pain" {
		t.Fatalf("topic should persist from the older entry, got %q", pair.Topic)
	}
}

func TestDerivePairFieldsTakeLatestNonEmpty(t *testing.T) {
	base := time.Date(2026, time.August, 1, 9, 0, 0, 0, time.UTC)
	scheduled := base.Add(48 * time.Hour)

	first := ledgerRecord("e-1", StatusDeclined, base)
	first.Topic = "initial topic"
	first.Location = "clinic a"

	second := ledgerRecord("e-2", StatusAccepted, base.Add(time.Hour))
	second.Topic = "updated topic"
	second.ScheduledTime = &scheduled
	second.MeetingLink = "https://meet.google.com/abc-defg-hij"

	pair, ok := DerivePair([]Record{second, first})
	if !ok {
		t.Fatalf("expected a derived pair")
	}
	if pair.Topic != "updated topic" {
		t.Fatalf("latest non-empty topic should win, got %q", pair.Topic)
	}
	if pair.Location != "clinic a" {
		t.Fatalf("empty later location must not erase the earlier one, got %q", pair.Location)
	}
	if pair.ScheduledTime == nil || !pair.ScheduledTime.Equal(scheduled) {
		t.Fatalf("unexpected scheduled time %v", pair.ScheduledTime)
	}
	if pair.MeetingLink != "https://meet.google.com/abc-defg-hij" {
		t.Fatalf("unexpected meeting link %q", pair.MeetingLink)
	}
}

func TestDerivePairIsDeterministic(t *testing.T) {
	base := time.Date(2026, time.August, 1, 9, 0, 0, 0, time.UTC)
	records := []Record{
		ledgerRecord("e-2", StatusRequested, base.Add(time.Hour)),
		ledgerRecord("e-1", StatusAccepted, base),
		ledgerRecord("e-3", StatusDeclined, base.Add(2*time.Hour)),
	}

	first, _ := DerivePair(records)
	second, _ := DerivePair([]Record{records[2], records[0], records[1]})
	if first.Status != second.Status || first.Key != second.Key || !first.UpdatedAt.Equal(second.UpdatedAt) {
		t.Fatalf("derivation must not depend on input order: %+v vs %+v", first, second)
	}
}
