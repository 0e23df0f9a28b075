package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Feature is a catalog entry. Code is the key entitlements grant against;
// ValueType is the default value type for grants on this feature.
type Feature struct {
	ID    snowflake.ID `gorm:"primaryKey"`
	OrgID snowflake.ID `gorm:"column:org_id;not null;index:ux_features_org_code,priority:1"`
	Code  string       `gorm:"type:text;not null;index:ux_features_org_code,priority:2"`

	Name        string            `gorm:"type:text;not null"`
	Description *string           `gorm:"type:text"`
	ValueType   string            `gorm:"column:value_type;type:text;not null"`
	Active      bool              `gorm:"not null;default:true"`
	Metadata    datatypes.JSONMap `gorm:"type:jsonb"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Feature) TableName() string { return "features" }
