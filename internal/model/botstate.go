package model

import "time"

// Bot run states. The value is persisted so every service observes halts
// consistently instead of relying on in-process flags.
const (
	BotStateRunning = "RUNNING"
	BotStatePaused  = "PAUSED"
	BotStateHalted  = "HALTED"
)

// BotState is a single persisted row carrying the global run state.
type BotState struct {
	ID        uint      `gorm:"primary_key" json:"id"`
	State     string    `gorm:"type:varchar(16);not null" json:"state"`
	Reason    string    `gorm:"type:varchar(255)" json:"reason"`
	ChangedBy string    `gorm:"type:varchar(64)" json:"changed_by"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName overrides the gorm table name.
func (BotState) TableName() string { return "bot_states" }
