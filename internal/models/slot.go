package models

import "time"

/*
Durable copy of the shared slot for the Postgres medium.

One row per key. Origin names the handle that wrote the current value, so a
listener re-reading the row after a notification can tell its own writes
apart from everyone else's.
*/

// SlotRecord is the stored value of one slot key
type SlotRecord struct {
	Key       string    `gorm:"type:varchar(255);primaryKey" json:"key"`
	Value     string    `gorm:"type:text;not null" json:"value"`
	Origin    string    `gorm:"type:varchar(36);not null" json:"origin"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName override
func (SlotRecord) TableName() string {
	return "storage_slots"
}
