// Package dispatch decides, per prepared job, which supplier family is
// invoked, or whether the job is left for the fallback queue sweep.
package dispatch

import (
	"transcription-service/internal/models"
	"transcription-service/internal/supplier"
)

// Router selects at most one primary supplier per job.
type Router struct {
	clients         []supplier.Client
	fallbackEnabled bool
}

// NewRouter keeps only the families the operator enabled and that carry
// credentials; everything else is invisible to routing.
func NewRouter(enabledFamilies []string, fallbackEnabled bool, clients ...*supplier.HTTPClient) *Router {
	enabled := make(map[string]bool, len(enabledFamilies))
	for _, f := range enabledFamilies {
		enabled[f] = true
	}
	r := &Router{fallbackEnabled: fallbackEnabled}
	for _, c := range clients {
		if c != nil && c.Configured() && enabled[c.Name()] {
			r.clients = append(r.clients, c)
		}
	}
	return r
}

// Route picks the supplier for a job. High-accuracy requests go to the
// family offering that capability; everything else to the cheapest family
// that does not burn high-accuracy capacity. A (nil, true, nil) return
// means the job stays queued for the fallback sweep.
func (r *Router) Route(highAccuracy bool) (supplier.Client, bool, error) {
	if highAccuracy {
		for _, c := range r.clients {
			if c.HighAccuracy() {
				return c, false, nil
			}
		}
	} else {
		for _, c := range r.clients {
			if !c.HighAccuracy() {
				return c, false, nil
			}
		}
		// A precision-only deployment still serves standard jobs.
		if len(r.clients) > 0 {
			return r.clients[0], false, nil
		}
	}

	if r.fallbackEnabled {
		return nil, true, nil
	}
	return nil, false, models.ErrNoRoute
}

// FallbackEnabled reports whether unrouteable jobs may wait on the queue.
func (r *Router) FallbackEnabled() bool { return r.fallbackEnabled }
