package models

// ESXiConfig holds host tuning parameters for an ESXi iSER initiator.
type ESXiConfig struct {
	Modules             []string
	NMLX5               NMLX5Params
	ISERLunQueueDepth   int
	AdvancedSettings    []AdvancedSetting
	ModuleParameters    []ModuleParameters
	DiscoveryAddresses  []string
	ISCSIMaxRecv        int
	ISCSIMaxBurst       int
	CreateISERAfterBoot bool
}

// NMLX5Params are the nmlx5_core driver parameters.
type NMLX5Params struct {
	MaxVFs    int
	MaxQueues int
	RSS       int
	DynRSS    int
	DRSS      int
}

// ParamLimit bounds an operator-tunable integer.
type ParamLimit struct {
	Name string
	Min  int
	Max  int
}

// NMLX5Limits are the accepted ranges for NMLX5Params, in prompt order.
var NMLX5Limits = []ParamLimit{
	{Name: "max_vfs", Min: 1, Max: 16},
	{Name: "max_queues", Min: 1, Max: 32},
	{Name: "RSS", Min: 1, Max: 32},
	{Name: "DYN_RSS", Min: 0, Max: 1},
	{Name: "DRSS", Min: 1, Max: 32},
}

// AdvancedSetting is an `esxcli system settings advanced` option.
type AdvancedSetting struct {
	Option string
	Value  int
}

// ModuleParameters is a parameter string applied to a kernel module.
type ModuleParameters struct {
	Module     string
	Parameters string
}

// KernelModule is a row of `esxcli system module list`.
type KernelModule struct {
	Name    string
	Loaded  bool
	Enabled bool
}

// ISCSIAdapter is a row of `esxcli iscsi adapter list`.
type ISCSIAdapter struct {
	Name   string
	Driver string
}

// OptimizeResult summarizes an optimization pass.
type OptimizeResult struct {
	ModulesLoaded   []string
	SettingsApplied int
	Failures        []string
}
