package presence

import "time"

// Record is the self-reported liveness signal for one provider. The stored
// flag alone is not authoritative: readers must combine it with the
// last-activity window because teardown on disconnect is best effort.
type Record struct {
	ProviderID   string    `gorm:"column:provider_id;primaryKey;size:190;not null"`
	IsOnline     bool      `gorm:"column:is_online;not null;default:false"`
	LastActiveAt time.Time `gorm:"column:last_active_at;not null"`
}

// TableName exposes the table backing presence records.
func (Record) TableName() string {
	return "presence_records"
}
