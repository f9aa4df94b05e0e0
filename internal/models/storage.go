package models

// ZFSConfig holds zvol provisioning configuration.
type ZFSConfig struct {
	Pool           string
	PoolProperties map[string]string
	Volumes        []ZvolSpec
}

// ZvolSpec describes a ZFS volume to create.
type ZvolSpec struct {
	Name      string
	Size      string // e.g. "1G"; prompted when empty
	BlockSize string // e.g. "16k"
}

// ZvolResult holds the result of a zvol creation.
type ZvolResult struct {
	Dataset    string
	Created    bool
	Properties string
	Error      error
}

// TrueNASConfig holds TrueNAS REST API settings.
type TrueNASConfig struct {
	URL        string
	APIKey     string
	Insecure   bool
	TargetName string
	Extents    []ExtentSpec
}

// ExtentSpec describes an iSCSI extent backed by a zvol.
type ExtentSpec struct {
	Name              string
	Disk              string // e.g. "zvol/dpool/lun16k"
	RPM               string // SSD, 5400, 7200, 10000, 15000; prompted when empty
	DisablePBlockSize bool
	LunID             int
}

// ValidRPMs are accepted extent RPM values.
var ValidRPMs = []string{"SSD", "5400", "7200", "10000", "15000"}

// Extent is a created iSCSI extent.
type Extent struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// ISCSITarget is a created iSCSI target.
type ISCSITarget struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// ISCSIProvisionResult summarizes API provisioning.
type ISCSIProvisionResult struct {
	Target       *ISCSITarget
	Extents      []Extent
	Associations int
	Error        error
}
