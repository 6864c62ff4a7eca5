package provisioner

import (
	"github.com/openfroyo/lampbox/pkg/actions"
	"github.com/openfroyo/lampbox/pkg/sites"
	"github.com/openfroyo/lampbox/pkg/telemetry"
)

// SiteReport summarizes one site pipeline.
type SiteReport struct {
	ID        string           `json:"id"`
	Host      string           `json:"host"`
	DocRoot   string           `json:"docroot"`
	Framework sites.Framework  `json:"framework,omitempty"`
	Created   []string         `json:"created_databases,omitempty"`
	Actions   []actions.Result `json:"actions"`
	Error     string           `json:"error,omitempty"`
}

// Status returns the metrics label of the site.
func (s SiteReport) Status() string {
	if s.Error != "" {
		return telemetry.StatusFailed
	}
	for _, a := range s.Actions {
		if a.Changed {
			return telemetry.StatusChanged
		}
	}
	return telemetry.StatusUnchanged
}

// Report is the outcome of provisioning a list of sites.
type Report struct {
	Sites   []SiteReport `json:"sites"`
	Skipped []sites.Skip `json:"skipped,omitempty"`
}

// Counts tallies action outcomes across all sites.
func (r *Report) Counts() map[string]int {
	counts := make(map[string]int)
	for _, s := range r.Sites {
		for _, a := range s.Actions {
			counts[a.Status()]++
		}
	}
	return counts
}

// Site returns the report of the site with the given id.
func (r *Report) Site(id string) (SiteReport, bool) {
	for _, s := range r.Sites {
		if s.ID == id {
			return s, true
		}
	}
	return SiteReport{}, false
}
