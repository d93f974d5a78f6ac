package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ToolUsage is one recorded invocation outcome, mined later for keyword and
// parameter learning.
type ToolUsage struct {
	ID              uuid.UUID      `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	ToolName        string         `gorm:"size:255;not null;index" json:"toolName"`
	ServerName      string         `gorm:"size:255;not null" json:"serverName"`
	UserInput       string         `gorm:"type:text" json:"userInput,omitempty"`
	Parameters      datatypes.JSON `gorm:"type:jsonb" json:"parameters,omitempty"`
	Success         bool           `gorm:"not null" json:"success"`
	ExecutionTimeMs int64          `gorm:"not null" json:"executionTimeMs"`
	Error           string         `gorm:"type:text" json:"error,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
}

// TableName specifies the table name for ToolUsage model
func (ToolUsage) TableName() string {
	return "tool_usages"
}

// BeforeCreate hook to ensure ID is set
func (u *ToolUsage) BeforeCreate(tx *gorm.DB) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	return nil
}

// MigrationFunc migrates all routing persistence tables
func MigrationFunc(conn *gorm.DB) error {
	return conn.AutoMigrate(&KeywordMapping{}, &ParameterMapping{}, &ToolUsage{})
}
