package models

// ISERConfig holds TrueNAS iSER enablement settings.
type ISERConfig struct {
	Packages    []string
	Modules     []string
	Service     string
	ScopedPath  string
	Executables []string // made executable before package installation
}

// ISERResult summarizes an enablement run.
type ISERResult struct {
	BootPoolDataset string
	Installed       []string
	AlreadyPresent  []string
	PackageFailures []string
	ModulesReloaded []string
	ServiceRestart  bool
}
