package storage

import "github.com/L1nMay/scanconsole/internal/model"

type Stats struct {
	TotalScans      int `json:"total_scans"`
	Completed       int `json:"completed"`
	Failed          int `json:"failed"`
	Cancelled       int `json:"cancelled"`
	Vulnerabilities int `json:"vulnerabilities"`
	OpenPorts       int `json:"open_ports"`
}

func (s *Stats) add(r model.ScanRun) {
	s.TotalScans++
	switch r.Status {
	case model.StatusCompleted, model.StatusCompletedFileMissing:
		s.Completed++
	case model.StatusFailed:
		s.Failed++
	case model.StatusCancelled:
		s.Cancelled++
	}
	s.Vulnerabilities += r.Statistics.VulnerabilitiesFound.Total()
	s.OpenPorts += r.Statistics.OpenPortsFound
}

func (p *Postgres) GetStats() (Stats, error) {
	runs, err := p.ListScanRuns(0)
	if err != nil {
		return Stats{}, err
	}
	var st Stats
	for _, r := range runs {
		st.add(r)
	}
	return st, nil
}
