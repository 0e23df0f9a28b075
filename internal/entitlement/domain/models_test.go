package domain

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseValue(t *testing.T) {
	value, err := ParseValue(ValueTypeBoolean, " TRUE ")
	require.NoError(t, err)
	assert.True(t, value.Bool)

	_, err = ParseValue(ValueTypeBoolean, "yes")
	assert.ErrorIs(t, err, ErrInvalidValue)

	value, err = ParseValue(ValueTypeNumber, " 10.5 ")
	require.NoError(t, err)
	assert.Equal(t, 10.5, value.Number)

	_, err = ParseValue(ValueTypeNumber, "ten")
	assert.ErrorIs(t, err, ErrInvalidValue)
	_, err = ParseValue(ValueTypeNumber, "NaN")
	assert.ErrorIs(t, err, ErrInvalidValue)
	_, err = ParseValue(ValueTypeNumber, "Inf")
	assert.ErrorIs(t, err, ErrInvalidValue)

	value, err = ParseValue(ValueTypeUnlimited, "anything")
	require.NoError(t, err)
	assert.True(t, value.Unlimited())
	assert.True(t, math.IsInf(value.Number, 1))

	value, err = ParseValue(ValueTypeString, "gold")
	require.NoError(t, err)
	assert.Equal(t, "gold", value.Text)

	_, err = ParseValue("gauge", "1")
	assert.ErrorIs(t, err, ErrInvalidValueType)
}

func TestNormalizeValueType(t *testing.T) {
	valueType, err := NormalizeValueType("  Number ")
	require.NoError(t, err)
	assert.Equal(t, ValueTypeNumber, valueType)

	_, err = NormalizeValueType("gauge")
	assert.ErrorIs(t, err, ErrInvalidValueType)
}

func TestValueJSON_UnlimitedSurvivesRoundTrip(t *testing.T) {
	// +Inf is not representable in JSON; the codec rebuilds it from Kind.
	original := Value{Kind: ValueTypeUnlimited, Number: math.Inf(1)}

	data, err := json.Marshal(original)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "Inf")

	var decoded Value
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.True(t, math.IsInf(decoded.Number, 1))
	assert.Equal(t, ValueTypeUnlimited, decoded.Kind)
}

func TestValueJSON_Number(t *testing.T) {
	data, err := json.Marshal(Value{Kind: ValueTypeNumber, Number: 42})
	require.NoError(t, err)

	var decoded Value
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, float64(42), decoded.Number)
}
