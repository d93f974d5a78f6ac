package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// KeywordMapping is one persisted (tool, keyword) row of the routing index
type KeywordMapping struct {
	ID         uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	ToolName   string    `gorm:"size:255;not null;index;uniqueIndex:idx_tool_keyword" json:"toolName"`
	Keyword    string    `gorm:"size:255;not null;uniqueIndex:idx_tool_keyword" json:"keyword"`
	Confidence float64   `gorm:"not null" json:"confidence"`
	Source     string    `gorm:"size:32;not null" json:"source"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// TableName specifies the table name for KeywordMapping model
func (KeywordMapping) TableName() string {
	return "keyword_mappings"
}

// BeforeCreate hook to ensure ID is set
func (m *KeywordMapping) BeforeCreate(tx *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}
