package model

import (
	"fmt"
	"strings"
	"time"
)

type ScanType string

const (
	ScanLight  ScanType = "light"
	ScanMedium ScanType = "medium"
	ScanDeep   ScanType = "deep"
)

var ScanTypes = []ScanType{ScanLight, ScanMedium, ScanDeep}

func ParseScanType(s string) (ScanType, error) {
	t := ScanType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown scan type %q (expected light, medium or deep)", s)
	}
	return t, nil
}

func (t ScanType) Valid() bool {
	switch t {
	case ScanLight, ScanMedium, ScanDeep:
		return true
	}
	return false
}

// PortCeiling is the number of ports per host the backend probes for this type.
func (t ScanType) PortCeiling() int {
	switch t {
	case ScanLight:
		return 100
	case ScanMedium:
		return 1000
	case ScanDeep:
		return 65535
	}
	return 0
}

type Status string

const (
	StatusIdle                 Status = "idle"
	StatusScanning             Status = "scanning"
	StatusCompleted            Status = "completed"
	StatusCompletedFileMissing Status = "completed_file_missing"
	StatusFailed               Status = "failed"
	StatusCancelled            Status = "cancelled"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCompletedFileMissing, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

type VulnerabilityCounts struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
}

func (c VulnerabilityCounts) Total() int {
	return c.Critical + c.High + c.Medium + c.Low
}

// Statistics are derived from backend result payloads only.
type Statistics struct {
	PortsScanned         int                 `json:"ports_scanned"`
	ServicesFound        int                 `json:"services_found"`
	OpenPortsFound       int                 `json:"open_ports_found"`
	VulnerabilitiesFound VulnerabilityCounts `json:"vulnerabilities_found"`
}

type Service struct {
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port"`
	Protocol string `json:"protocol,omitempty"`
	Name     string `json:"service,omitempty"`
	Product  string `json:"product,omitempty"`
	Version  string `json:"version,omitempty"`
	State    string `json:"state,omitempty"`
}

type Vulnerability struct {
	CVEID       string  `json:"cve_id"`
	Title       string  `json:"title,omitempty"`
	Severity    string  `json:"severity"`
	CVSSScore   float64 `json:"cvss_score,omitempty"`
	Host        string  `json:"host,omitempty"`
	Port        int     `json:"port,omitempty"`
	Service     string  `json:"service,omitempty"`
	Description string  `json:"description,omitempty"`
}

type Summary struct {
	TotalHosts           int `json:"total_hosts"`
	HostsUp              int `json:"hosts_up"`
	PortsScanned         int `json:"ports_scanned"`
	OpenPorts            int `json:"open_ports"`
	TotalVulnerabilities int `json:"total_vulnerabilities"`
}

// Results is the raw payload the backend attaches to a status response.
type Results struct {
	Services        []Service       `json:"services"`
	Vulnerabilities []Vulnerability `json:"vulnerabilities"`
	Summary         *Summary        `json:"summary,omitempty"`
}

// Available reports whether the payload carries anything at all.
func (r *Results) Available() bool {
	if r == nil {
		return false
	}
	return len(r.Services) > 0 || len(r.Vulnerabilities) > 0 || r.Summary != nil
}

type ScanSession struct {
	ID       string   `json:"id"`
	Target   string   `json:"target"`
	ScanType ScanType `json:"scan_type"`
	Status   Status   `json:"status"`
	Progress float64  `json:"progress"`
	// Authoritative is set once a result payload or terminal status forced
	// progress to 100; synthetic updates are ignored afterwards.
	Authoritative bool       `json:"authoritative"`
	Message       string     `json:"message,omitempty"`
	Statistics    Statistics `json:"statistics"`
	Results       *Results   `json:"results,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	FinishedAt    time.Time  `json:"finished_at,omitempty"`
}

// IdleSession is the snapshot published when no scan is tracked.
func IdleSession() ScanSession {
	return ScanSession{Status: StatusIdle}
}

// Finished reports whether a persisted session must not be resumed.
func (s *ScanSession) Finished() bool {
	return s.Status.Terminal() || s.Progress >= 100
}

// GlobalProgress is the synthetic progress record shared across views.
type GlobalProgress struct {
	SessionID       string    `json:"session_id"`
	ScanType        ScanType  `json:"scan_type"`
	StartTime       time.Time `json:"start_time"`
	CurrentProgress float64   `json:"current_progress"`
	IsActive        bool      `json:"is_active"`
}

// ScanRun is the archived summary of a finished session.
type ScanRun struct {
	ID         string    `json:"id"`
	Target     string    `json:"target"`
	ScanType   ScanType  `json:"scan_type"`
	Status     Status    `json:"status"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Statistics Statistics `json:"statistics"`
	Notes      string     `json:"notes,omitempty"`
}

func RunFromSession(s ScanSession) *ScanRun {
	finished := s.FinishedAt
	if finished.IsZero() {
		finished = s.UpdatedAt
	}
	return &ScanRun{
		ID:         s.ID,
		Target:     s.Target,
		ScanType:   s.ScanType,
		Status:     s.Status,
		StartedAt:  s.StartedAt,
		FinishedAt: finished,
		Statistics: s.Statistics,
		Notes:      s.Message,
	}
}
