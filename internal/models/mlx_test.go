package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeFirmwareValue(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"False(0)", "0"},
		{"True(1)", "1"},
		{"ETH(2)", "2"},
		{"16", "16"},
		{"Unknown()", "Unknown()"},
		{"Mode(abc)", "Mode(abc)"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeFirmwareValue(tt.raw))
		})
	}
}

func TestSettingState_Matches(t *testing.T) {
	assert.True(t, SettingState{Current: "True(1)", Expected: "1", Found: true}.Matches())
	assert.False(t, SettingState{Current: "False(0)", Expected: "1", Found: true}.Matches())
	assert.False(t, SettingState{Current: "1", Expected: "1"}.Matches())
}
