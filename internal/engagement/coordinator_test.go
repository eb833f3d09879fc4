package engagement

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCreateWritesLedgerAndPairTogether(t *testing.T) {
	db := openTestDatabase(t)
	clock := newTestClock()
	coordinator := newTestCoordinator(t, db, clock)

	record, pair := mustCreate(t, coordinator, "requester-1", "provider-1", "knee rehab")

	if record.Status != StatusRequested {
		t.Fatalf("new ledger entry should be requested, got %s", record.Status)
	}
	if pair.Key != PairKey("provider-1", "requester-1") {
		t.Fatalf("unexpected pair key %q", pair.Key)
	}
	if pair.Status != StatusRequested {
		t.Fatalf("fresh pair should be requested, got %s", pair.Status)
	}
	if pair.Topic != "knee rehab" {
		t.Fatalf("topic should land on the pair, got %q", pair.Topic)
	}

	var storedPair Pair
	if err := db.Where("pair_key = ?", pair.Key).Take(&storedPair).Error; err != nil {
		t.Fatalf("pair row missing after create: %v", err)
	}
	var ledgerCount int64
	if err := db.Model(&Record{}).Count(&ledgerCount).Error; err != nil {
		t.Fatalf("ledger count failed: %v", err)
	}
	if ledgerCount != 1 {
		t.Fatalf("expected one ledger entry, got %d", ledgerCount)
	}
}

func TestCreateRejectsUnapprovedProvider(t *testing.T) {
	db := openTestDatabase(t)
	clock := newTestClock()
	coordinator, err := NewCoordinator(CoordinatorConfig{
		Database:   db,
		Clock:      clock.Now,
		IDProvider: &sequenceIDProvider{},
		Providers:  stubDirectory{rejected: map[string]bool{"provider-x": true}},
	})
	if err != nil {
		t.Fatalf("failed to build coordinator: %v", err)
	}

	_, _, err = coordinator.Create(context.Background(), CreateParams{
		RequesterID: "requester-1",
		ProviderID:  "provider-x",
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	var ledgerCount int64
	if err := db.Model(&Record{}).Count(&ledgerCount).Error; err != nil {
		t.Fatalf("ledger count failed: %v", err)
	}
	if ledgerCount != 0 {
		t.Fatalf("rejected create must not write the ledger")
	}
}

func TestAcceptPromotesRecordAndPair(t *testing.T) {
	db := openTestDatabase(t)
	clock := newTestClock()
	coordinator := newTestCoordinator(t, db, clock)

	created, _ := mustCreate(t, coordinator, "requester-1", "provider-1", "")

	if _, _, err := coordinator.Accept(context.Background(), "requester-1", created.ID); !errors.Is(err, ErrNotAllowed) {
		t.Fatalf("only the provider may accept, got %v", err)
	}

	record, pair := mustAccept(t, coordinator, "provider-1", created.ID)
	if record.Status != StatusAccepted {
		t.Fatalf("ledger entry should be accepted, got %s", record.Status)
	}
	if pair.Status != StatusAccepted {
		t.Fatalf("pair should be accepted, got %s", pair.Status)
	}
}

func TestAcceptIsIdempotent(t *testing.T) {
	db := openTestDatabase(t)
	clock := newTestClock()
	coordinator := newTestCoordinator(t, db, clock)

	created, _ := mustCreate(t, coordinator, "requester-1", "provider-1", "")
	first, _ := mustAccept(t, coordinator, "provider-1", created.ID)

	clock.Advance(time.Minute)
	second, pair := mustAccept(t, coordinator, "provider-1", created.ID)

	if second.Status != StatusAccepted {
		t.Fatalf("repeat accept must keep the record accepted, got %s", second.Status)
	}
	if !second.UpdatedAt.After(first.UpdatedAt) {
		t.Fatalf("repeat accept should refresh the timestamp")
	}
	if pair.Status != StatusAccepted {
		t.Fatalf("repeat accept must keep the pair accepted, got %s", pair.Status)
	}

	var ledgerCount int64
	if err := db.Model(&Record{}).Count(&ledgerCount).Error; err != nil {
		t.Fatalf("ledger count failed: %v", err)
	}
	if ledgerCount != 1 {
		t.Fatalf("repeat accept must not append ledger entries, got %d", ledgerCount)
	}
}

func TestAcceptBlockedWhileRequesterEngagedElsewhere(t *testing.T) {
	db := openTestDatabase(t)
	clock := newTestClock()
	coordinator := newTestCoordinator(t, db, clock)

	firstRecord, _ := mustCreate(t, coordinator, "requester-1", "provider-1", "")
	mustAccept(t, coordinator, "provider-1", firstRecord.ID)

	clock.Advance(time.Minute)
	secondRecord, _ := mustCreate(t, coordinator, "requester-1", "provider-2", "")

	_, _, err := coordinator.Accept(context.Background(), "provider-2", secondRecord.ID)
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("accept must fail while the requester is engaged elsewhere, got %v", err)
	}

	clock.Advance(time.Minute)
	if _, err := coordinator.Complete(context.Background(), "provider-1", PairKey("provider-1", "requester-1"), true); err != nil {
		t.Fatalf("unexpected complete error: %v", err)
	}

	clock.Advance(time.Minute)
	if _, _, err := coordinator.Accept(context.Background(), "provider-2", secondRecord.ID); err != nil {
		t.Fatalf("completion should unlock the requester, got %v", err)
	}
}

func TestDeclineKeepsAcceptedSiblingPairIntact(t *testing.T) {
	db := openTestDatabase(t)
	clock := newTestClock()
	coordinator := newTestCoordinator(t, db, clock)

	accepted, _ := mustCreate(t, coordinator, "requester-1", "provider-1", "session one")
	mustAccept(t, coordinator, "provider-1", accepted.ID)

	clock.Advance(time.Minute)
	sibling, _ := mustCreate(t, coordinator, "requester-1", "provider-1", "")

	clock.Advance(time.Minute)
	record, pair, err := coordinator.Decline(context.Background(), "provider-1", sibling.ID)
	if err != nil {
		t.Fatalf("unexpected decline error: %v", err)
	}
	if record.Status != StatusDeclined {
		t.Fatalf("declined entry should be declined, got %s", record.Status)
	}
	if pair.Status != StatusAccepted {
		t.Fatalf("declining a sibling must not downgrade the accepted pair, got %s", pair.Status)
	}
}

func TestRepeatRequestDoesNotDowngradeAcceptedPair(t *testing.T) {
	db := openTestDatabase(t)
	clock := newTestClock()
	coordinator := newTestCoordinator(t, db, clock)

	created, _ := mustCreate(t, coordinator, "requester-1", "provider-1", "")
	mustAccept(t, coordinator, "provider-1", created.ID)

	clock.Advance(time.Minute)
	_, pair := mustCreate(t, coordinator, "requester-1", "provider-1", "follow up")
	if pair.Status != StatusAccepted {
		t.Fatalf("repeat request must not downgrade the pair, got %s", pair.Status)
	}
	if pair.Topic != "follow up" {
		t.Fatalf("repeat request should still merge fields, got %q", pair.Topic)
	}
}

func TestDeclineRejectsIllegalTransition(t *testing.T) {
	db := openTestDatabase(t)
	clock := newTestClock()
	coordinator := newTestCoordinator(t, db, clock)

	created, _ := mustCreate(t, coordinator, "requester-1", "provider-1", "")
	mustAccept(t, coordinator, "provider-1", created.ID)

	if _, _, err := coordinator.Decline(context.Background(), "provider-1", created.ID); !errors.Is(err, ErrValidation) {
		t.Fatalf("accepted records cannot be declined, got %v", err)
	}
}

func TestTransitionMissingEngagement(t *testing.T) {
	db := openTestDatabase(t)
	coordinator := newTestCoordinator(t, db, newTestClock())

	if _, _, err := coordinator.Accept(context.Background(), "provider-1", "no-such-id"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCompleteRequiresConfirmationAndProvider(t *testing.T) {
	db := openTestDatabase(t)
	clock := newTestClock()
	coordinator := newTestCoordinator(t, db, clock)

	created, _ := mustCreate(t, coordinator, "requester-1", "provider-1", "")
	mustAccept(t, coordinator, "provider-1", created.ID)
	pairKey := PairKey("provider-1", "requester-1")

	if _, err := coordinator.Complete(context.Background(), "provider-1", pairKey, false); !errors.Is(err, ErrValidation) {
		t.Fatalf("completion without confirmation must fail, got %v", err)
	}
	if _, err := coordinator.Complete(context.Background(), "requester-1", pairKey, true); !errors.Is(err, ErrNotAllowed) {
		t.Fatalf("only the provider may complete, got %v", err)
	}

	clock.Advance(time.Minute)
	pair, err := coordinator.Complete(context.Background(), "provider-1", pairKey, true)
	if err != nil {
		t.Fatalf("unexpected complete error: %v", err)
	}
	if pair.Status != StatusCompleted {
		t.Fatalf("pair should be completed, got %s", pair.Status)
	}

	var record Record
	if err := db.Where("id = ?", created.ID).Take(&record).Error; err != nil {
		t.Fatalf("ledger lookup failed: %v", err)
	}
	if record.Status != StatusCompleted {
		t.Fatalf("ledger entry should be completed, got %s", record.Status)
	}
	if record.CompletedAt == nil {
		t.Fatalf("completion must stamp completed_at")
	}
}

func TestCancelAllowedForEitherParty(t *testing.T) {
	db := openTestDatabase(t)
	clock := newTestClock()
	coordinator := newTestCoordinator(t, db, clock)

	created, _ := mustCreate(t, coordinator, "requester-1", "provider-1", "")
	mustAccept(t, coordinator, "provider-1", created.ID)
	pairKey := PairKey("provider-1", "requester-1")

	if _, err := coordinator.Cancel(context.Background(), "outsider", pairKey); !errors.Is(err, ErrNotAllowed) {
		t.Fatalf("outsiders cannot cancel, got %v", err)
	}

	pair, err := coordinator.Cancel(context.Background(), "requester-1", pairKey)
	if err != nil {
		t.Fatalf("unexpected cancel error: %v", err)
	}
	if pair.Status != StatusCanceled {
		t.Fatalf("pair should be canceled, got %s", pair.Status)
	}
}

func TestRescheduleUpdatesPairAndAcceptedLedger(t *testing.T) {
	db := openTestDatabase(t)
	clock := newTestClock()
	coordinator := newTestCoordinator(t, db, clock)

	created, _ := mustCreate(t, coordinator, "requester-1", "provider-1", "")
	mustAccept(t, coordinator, "provider-1", created.ID)
	pairKey := PairKey("provider-1", "requester-1")

	newTime := clock.Now().Add(72 * time.Hour)
	pair, err := coordinator.Reschedule(context.Background(), "requester-1", pairKey, newTime)
	if err != nil {
		t.Fatalf("unexpected reschedule error: %v", err)
	}
	if pair.ScheduledTime == nil || !pair.ScheduledTime.Equal(newTime) {
		t.Fatalf("pair should carry the new time, got %v", pair.ScheduledTime)
	}

	var record Record
	if err := db.Where("id = ?", created.ID).Take(&record).Error; err != nil {
		t.Fatalf("ledger lookup failed: %v", err)
	}
	if record.ScheduledTime == nil || !record.ScheduledTime.Equal(newTime) {
		t.Fatalf("accepted ledger entry should follow the reschedule, got %v", record.ScheduledTime)
	}
}

func TestSetMeetingLinkValidatesBeforeWriting(t *testing.T) {
	db := openTestDatabase(t)
	clock := newTestClock()
	coordinator := newTestCoordinator(t, db, clock)

	created, _ := mustCreate(t, coordinator, "requester-1", "provider-1", "")
	mustAccept(t, coordinator, "provider-1", created.ID)

	if _, _, err := coordinator.SetMeetingLink(context.Background(), "provider-1", created.ID, "https://zoom.us/j/123"); !errors.Is(err, ErrValidation) {
		t.Fatalf("links outside the accepted scheme must fail, got %v", err)
	}
	if _, _, err := coordinator.SetMeetingLink(context.Background(), "requester-1", created.ID, "https://meet.google.com/abc-defg-hij"); !errors.Is(err, ErrNotAllowed) {
		t.Fatalf("only the provider may set the link, got %v", err)
	}

	record, pair, err := coordinator.SetMeetingLink(context.Background(), "provider-1", created.ID, "  https://meet.google.com/abc-defg-hij  ")
	if err != nil {
		t.Fatalf("unexpected meeting link error: %v", err)
	}
	if record.MeetingLink != "https://meet.google.com/abc-defg-hij" {
		t.Fatalf("link should be trimmed onto the record, got %q", record.MeetingLink)
	}
	if pair.MeetingLink != "https://meet.google.com/abc-defg-hij" {
		t.Fatalf("link should propagate to the pair, got %q", pair.MeetingLink)
	}
}

func TestRebuildRestoresMissingPair(t *testing.T) {
	db := openTestDatabase(t)
	clock := newTestClock()
	coordinator := newTestCoordinator(t, db, clock)

	created, pair := mustCreate(t, coordinator, "requester-1", "provider-1", "topic")
	mustAccept(t, coordinator, "provider-1", created.ID)

	if err := db.Delete(&Pair{}, "pair_key = ?", pair.Key).Error; err != nil {
		t.Fatalf("failed to drop pair row: %v", err)
	}

	rebuilt, err := coordinator.Rebuild(context.Background(), pair.Key)
	if err != nil {
		t.Fatalf("unexpected rebuild error: %v", err)
	}
	if rebuilt.Status != StatusAccepted {
		t.Fatalf("rebuild should restore the accepted status, got %s", rebuilt.Status)
	}
	if rebuilt.Topic != "topic" {
		t.Fatalf("rebuild should restore merged fields, got %q", rebuilt.Topic)
	}
}

func TestPairsForListsBothSides(t *testing.T) {
	db := openTestDatabase(t)
	clock := newTestClock()
	coordinator := newTestCoordinator(t, db, clock)

	mustCreate(t, coordinator, "requester-1", "provider-1", "")
	clock.Advance(time.Minute)
	mustCreate(t, coordinator, "requester-1", "provider-2", "")

	requesterPairs, err := coordinator.PairsFor(context.Background(), "requester-1")
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(requesterPairs) != 2 {
		t.Fatalf("expected two pairs for the requester, got %d", len(requesterPairs))
	}

	providerPairs, err := coordinator.PairsFor(context.Background(), "provider-2")
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(providerPairs) != 1 {
		t.Fatalf("expected one pair for the provider, got %d", len(providerPairs))
	}
}

func TestEngagementsForPairRejectsMalformedKey(t *testing.T) {
	db := openTestDatabase(t)
	coordinator := newTestCoordinator(t, db, newTestClock())

	if _, err := coordinator.EngagementsForPair(context.Background(), "not-a-pair-key"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
