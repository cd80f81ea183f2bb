package scan

import (
	"fmt"
	"strings"

	"github.com/L1nMay/scanconsole/internal/model"
)

// Aggregate computes session statistics from a (possibly partial) backend
// result payload. Nothing is synthesized: absent fields count as zero.
func Aggregate(r *model.Results) model.Statistics {
	var st model.Statistics
	if r == nil {
		return st
	}

	open := map[string]struct{}{}
	for _, svc := range r.Services {
		state := strings.ToLower(svc.State)
		if state != "" && state != "open" {
			continue
		}
		open[fmt.Sprintf("%s:%d/%s", svc.Host, svc.Port, strings.ToLower(svc.Protocol))] = struct{}{}
		st.ServicesFound++
	}
	st.OpenPortsFound = len(open)

	for _, v := range r.Vulnerabilities {
		switch SeverityBucket(v) {
		case "critical":
			st.VulnerabilitiesFound.Critical++
		case "high":
			st.VulnerabilitiesFound.High++
		case "medium":
			st.VulnerabilitiesFound.Medium++
		case "low":
			st.VulnerabilitiesFound.Low++
		}
	}

	if s := r.Summary; s != nil {
		st.PortsScanned = s.PortsScanned
		if s.OpenPorts > st.OpenPortsFound {
			st.OpenPortsFound = s.OpenPorts
		}
	}
	return st
}

// SeverityBucket normalizes a vulnerability into critical/high/medium/low.
// Unlabelled findings fall back to their CVSS score; "" means unclassified.
func SeverityBucket(v model.Vulnerability) string {
	switch strings.ToLower(strings.TrimSpace(v.Severity)) {
	case "critical":
		return "critical"
	case "high", "important":
		return "high"
	case "medium", "moderate":
		return "medium"
	case "low":
		return "low"
	}

	switch {
	case v.CVSSScore >= 9.0:
		return "critical"
	case v.CVSSScore >= 7.0:
		return "high"
	case v.CVSSScore >= 4.0:
		return "medium"
	case v.CVSSScore > 0:
		return "low"
	}
	return ""
}
