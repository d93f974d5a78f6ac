package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ParameterMapping is a learned association from a user token to a concrete
// tool argument, reinforced by usage and never deleted automatically.
type ParameterMapping struct {
	ID         uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	ToolName   string    `gorm:"size:255;not null;index;uniqueIndex:idx_tool_input" json:"toolName"`
	UserInput  string    `gorm:"size:255;not null;uniqueIndex:idx_tool_input" json:"userInput"`
	Parameter  string    `gorm:"size:255;not null" json:"parameter"`
	Value      string    `gorm:"size:255;not null" json:"value"`
	Confidence float64   `gorm:"not null" json:"confidence"`
	UsageCount int       `gorm:"not null;default:0" json:"usageCount"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// TableName specifies the table name for ParameterMapping model
func (ParameterMapping) TableName() string {
	return "parameter_mappings"
}

// BeforeCreate hook to ensure ID is set
func (m *ParameterMapping) BeforeCreate(tx *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}
