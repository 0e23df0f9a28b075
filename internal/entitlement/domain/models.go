// Package domain contains the entitlement model and its parsed value union.
package domain

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

// ValueType declares how an entitlement value is interpreted.
type ValueType string

const (
	ValueTypeBoolean   ValueType = "boolean"
	ValueTypeNumber    ValueType = "number"
	ValueTypeString    ValueType = "string"
	ValueTypeUnlimited ValueType = "unlimited"
)

// Entitlement grants a customer access to a feature through a subscription.
// One row per (subscription_id, feature_key); the row is active while the
// owning subscription is active/trialing and expires_at has not passed.
type Entitlement struct {
	ID             snowflake.ID `gorm:"primaryKey" json:"id"`
	OrgID          snowflake.ID `gorm:"not null;index" json:"organization_id"`
	CustomerID     snowflake.ID `gorm:"not null;index" json:"customer_id"`
	SubscriptionID snowflake.ID `gorm:"not null;uniqueIndex:ux_entitlements_subscription_feature" json:"subscription_id"`
	FeatureKey     string       `gorm:"type:text;not null;uniqueIndex:ux_entitlements_subscription_feature" json:"feature_key"`
	Value          string       `gorm:"type:text;not null" json:"value"`
	ValueType      ValueType    `gorm:"type:text;not null" json:"value_type"`
	ExpiresAt      *time.Time   `gorm:"" json:"expires_at,omitempty"`
	CreatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Entitlement) TableName() string { return "entitlements" }

// Value is the tagged union parsed once from the stored text. Downstream
// code switches on Kind and never re-parses. Unlimited carries +Inf in
// Number so numeric comparisons fall out naturally.
type Value struct {
	Kind   ValueType
	Bool   bool
	Number float64
	Text   string
}

// Unlimited reports whether the value means no cap.
func (v Value) Unlimited() bool {
	return v.Kind == ValueTypeUnlimited
}

// +Inf is not representable in JSON, so the cached form carries the number
// only for the number kind and restores it from Kind on decode.
type valueJSON struct {
	Kind   ValueType `json:"kind"`
	Bool   bool      `json:"bool,omitempty"`
	Number *float64  `json:"number,omitempty"`
	Text   string    `json:"text,omitempty"`
}

func (v Value) MarshalJSON() ([]byte, error) {
	payload := valueJSON{Kind: v.Kind, Bool: v.Bool, Text: v.Text}
	if v.Kind == ValueTypeNumber {
		number := v.Number
		payload.Number = &number
	}
	return json.Marshal(payload)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var payload valueJSON
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}
	v.Kind = payload.Kind
	v.Bool = payload.Bool
	v.Text = payload.Text
	v.Number = 0
	if payload.Number != nil {
		v.Number = *payload.Number
	}
	if payload.Kind == ValueTypeUnlimited {
		v.Number = math.Inf(1)
	}
	return nil
}

// ParseValue validates raw against valueType and returns the parsed union.
func ParseValue(valueType ValueType, raw string) (Value, error) {
	switch valueType {
	case ValueTypeBoolean:
		trimmed := strings.ToLower(strings.TrimSpace(raw))
		if trimmed != "true" && trimmed != "false" {
			return Value{}, ErrInvalidValue
		}
		return Value{Kind: ValueTypeBoolean, Bool: trimmed == "true"}, nil
	case ValueTypeNumber:
		number, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil || math.IsNaN(number) || math.IsInf(number, 0) {
			return Value{}, ErrInvalidValue
		}
		return Value{Kind: ValueTypeNumber, Number: number}, nil
	case ValueTypeUnlimited:
		return Value{Kind: ValueTypeUnlimited, Number: math.Inf(1)}, nil
	case ValueTypeString:
		return Value{Kind: ValueTypeString, Text: raw}, nil
	default:
		return Value{}, ErrInvalidValueType
	}
}

// NormalizeValueType lowercases and validates the declared type.
func NormalizeValueType(raw string) (ValueType, error) {
	switch ValueType(strings.ToLower(strings.TrimSpace(raw))) {
	case ValueTypeBoolean:
		return ValueTypeBoolean, nil
	case ValueTypeNumber:
		return ValueTypeNumber, nil
	case ValueTypeString:
		return ValueTypeString, nil
	case ValueTypeUnlimited:
		return ValueTypeUnlimited, nil
	default:
		return "", ErrInvalidValueType
	}
}
