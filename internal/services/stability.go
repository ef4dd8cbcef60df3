package services

import "github.com/ipmon/ipmon/internal/models"

// Stability is the verdict on whether a host has settled on a status.
type Stability struct {
	Window   int  `json:"window"`   // records examined
	Required int  `json:"required"` // records needed
	Matching int  `json:"matching"` // records in the window equal to the candidate status
	Stable   bool `json:"stable"`   // the last Required records all equal the candidate status
}

// Evaluate decides stability from the newest-first window of poll records. A host with
// fewer than required records is never stable.
func Evaluate(window []models.PollRecord, status models.HostStatus, required int) Stability {
	if required < 1 {
		required = 1
	}
	st := Stability{Window: len(window), Required: required}
	if len(window) < required {
		return st
	}
	for _, r := range window[:required] {
		if r.Status == status {
			st.Matching++
		}
	}
	st.Stable = st.Matching == required
	return st
}
