package engagement

import (
	"context"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:engagement_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Record{}, &Pair{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	return db
}

type testClock struct {
	current time.Time
}

func newTestClock() *testClock {
	return &testClock{current: time.Date(2026, time.August, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	return c.current
}

func (c *testClock) Advance(d time.Duration) {
	c.current = c.current.Add(d)
}

type stubDirectory struct {
	rejected map[string]bool
}

func (d stubDirectory) ApprovedProvider(_ context.Context, providerID string) (bool, error) {
	return !d.rejected[providerID], nil
}

type sequenceIDProvider struct {
	next int
}

func (p *sequenceIDProvider) NewID() (string, error) {
	p.next++
	return fmt.Sprintf("engagement-%d", p.next), nil
}

func newTestCoordinator(t *testing.T, db *gorm.DB, clock *testClock) *Coordinator {
	t.Helper()
	coordinator, err := NewCoordinator(CoordinatorConfig{
		Database:   db,
		Clock:      clock.Now,
		IDProvider: &sequenceIDProvider{},
		Providers:  stubDirectory{},
	})
	if err != nil {
		t.Fatalf("failed to build coordinator: %v", err)
	}
	return coordinator
}

func mustCreate(t *testing.T, coordinator *Coordinator, requesterID, providerID, topic string) (Record, Pair) {
	t.Helper()
	record, pair, err := coordinator.Create(context.Background(), CreateParams{
		RequesterID: requesterID,
		ProviderID:  providerID,
		Topic:       topic,
	})
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	return record, pair
}

func mustAccept(t *testing.T, coordinator *Coordinator, providerID, engagementID string) (Record, Pair) {
	t.Helper()
	record, pair, err := coordinator.Accept(context.Background(), providerID, engagementID)
	if err != nil {
		t.Fatalf("unexpected accept error: %v", err)
	}
	return record, pair
}
