package models

import "regexp"

// MLXConfig holds Mellanox firmware configuration settings.
type MLXConfig struct {
	TrueNAS    bool
	BinaryPath string
	Required   []FirmwareSetting
}

// FirmwareSetting is a required firmware key and value.
type FirmwareSetting struct {
	Key   string
	Value string
}

// SettingState is the comparison of one firmware setting.
type SettingState struct {
	Key      string
	Current  string // raw value, e.g. "False(0)"
	Expected string
	Found    bool
}

// Matches reports whether the numeric part of Current equals Expected.
func (s SettingState) Matches() bool {
	return s.Found && NormalizeFirmwareValue(s.Current) == s.Expected
}

// DeviceReport is the outcome for one device.
type DeviceReport struct {
	Device   string
	Settings []SettingState
	Updated  []string
	Error    error
}

// MLXResult summarizes a firmware configuration pass.
type MLXResult struct {
	Devices        []DeviceReport
	RequiresReboot bool
}

var firmwareNumeric = regexp.MustCompile(`\((\d+)\)`)

// NormalizeFirmwareValue extracts "0" from "False(0)"; other values are returned unchanged.
func NormalizeFirmwareValue(raw string) string {
	if m := firmwareNumeric.FindStringSubmatch(raw); m != nil {
		return m[1]
	}
	return raw
}
