package models

// ScanMethod names the discovery channel reporting progress.
type ScanMethod string

const (
	ScanMethodNetwork   ScanMethod = "network"
	ScanMethodBluetooth ScanMethod = "bluetooth"
	ScanMethodMDNS      ScanMethod = "mdns"
)

// ScanProgress is reported after each probe of a discovery scan.
type ScanProgress struct {
	Method  ScanMethod `json:"method"`
	Current int        `json:"current"`
	Total   int        `json:"total"`
	Details string     `json:"details,omitempty"`
}

// ScanResult summarizes a finished discovery scan.
type ScanResult struct {
	Method    ScanMethod `json:"method"`
	StartedAt string     `json:"started_at"`
	EndedAt   string     `json:"ended_at,omitempty"`
	Cancelled bool       `json:"cancelled"`
	Probed    int        `json:"probed"`
	Total     int        `json:"total"`
	Devices   []Device   `json:"devices"`
}
