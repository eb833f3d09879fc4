package engagement

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// MeetingLinkPrefix is the only scheme accepted for session links.
const MeetingLinkPrefix = "https://meet.google.com/"

var (
	// ErrInvalidPairKey indicates a pair key that does not split into two ids.
	ErrInvalidPairKey = errors.New("engagement: invalid pair key")
	// ErrInvalidMeetingLink indicates a link outside the accepted scheme.
	ErrInvalidMeetingLink = errors.New("engagement: invalid meeting link")
)

// PairKey derives the deterministic key both parties can compute locally.
// User ids must not contain the separator; registration enforces that.
func PairKey(providerID, requesterID string) string {
	return providerID + "_" + requesterID
}

// ParsePairKey splits a pair key back into its provider and requester ids.
func ParsePairKey(key string) (providerID, requesterID string, err error) {
	providerID, requesterID, ok := strings.Cut(key, "_")
	if !ok || providerID == "" || requesterID == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidPairKey, key)
	}
	return providerID, requesterID, nil
}

// ValidateMeetingLink rejects links outside the fixed external-meeting scheme.
func ValidateMeetingLink(url string) error {
	if !strings.HasPrefix(strings.TrimSpace(url), MeetingLinkPrefix) {
		return fmt.Errorf("%w: %q", ErrInvalidMeetingLink, url)
	}
	return nil
}

// Record is one ledger entry: a single historical booking attempt between a
// requester and a provider. Entries are never deleted; only status,
// scheduled time and meeting link mutate after creation.
type Record struct {
	ID            string     `gorm:"column:id;primaryKey;size:190;not null"`
	RequesterID   string     `gorm:"column:requester_id;size:190;not null;index:idx_engagements_pair,priority:2"`
	ProviderID    string     `gorm:"column:provider_id;size:190;not null;index:idx_engagements_pair,priority:1"`
	Status        Status     `gorm:"column:status;size:32;not null"`
	Topic         string     `gorm:"column:topic;size:320"`
	Location      string     `gorm:"column:location;size:320"`
	ScheduledTime *time.Time `gorm:"column:scheduled_time"`
	MeetingLink   string     `gorm:"column:meeting_link;size:512"`
	CompletedAt   *time.Time `gorm:"column:completed_at"`
	CreatedAt     time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing the engagement ledger.
func (Record) TableName() string {
	return "engagement_records"
}

// PairKey computes the deterministic key of the record's pair.
func (r Record) PairKey() string {
	return PairKey(r.ProviderID, r.RequesterID)
}

// Pair is the derived, overwritable projection holding the current state of
// one (provider, requester) relationship. Writes merge individual fields so
// the creation and acceptance paths never erase each other.
type Pair struct {
	Key           string     `gorm:"column:pair_key;primaryKey;size:384;not null"`
	ProviderID    string     `gorm:"column:provider_id;size:190;not null;index"`
	RequesterID   string     `gorm:"column:requester_id;size:190;not null;index"`
	Status        Status     `gorm:"column:status;size:32;not null"`
	Topic         string     `gorm:"column:topic;size:320"`
	Location      string     `gorm:"column:location;size:320"`
	ScheduledTime *time.Time `gorm:"column:scheduled_time"`
	MeetingLink   string     `gorm:"column:meeting_link;size:512"`
	CreatedAt     time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing pair projections.
func (Pair) TableName() string {
	return "engagement_pairs"
}

// HasParty reports whether the user id is one of the pair's two parties.
func (p Pair) HasParty(userID string) bool {
	return userID != "" && (userID == p.ProviderID || userID == p.RequesterID)
}
