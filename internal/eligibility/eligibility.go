// Package eligibility decides which operators may be offered a request.
//
// The scheduler and the read-only "nearby help" path both go through
// Eligible and Rank so the availability/distance/equipment rule lives in
// one place.
package eligibility

import (
	"sort"

	"github.com/example/roadside-dispatch/internal/geo"
	"github.com/example/roadside-dispatch/internal/models"
)

// DefaultServiceRadiusKm applies to operators with no explicit radius.
const DefaultServiceRadiusKm = 20.0

type Candidate struct {
	Operator   models.Operator
	DistanceKm float64
}

// Eligible reports whether op may receive req.
func Eligible(req models.Request, op models.Operator) bool {
	_, ok := distanceIfEligible(req, op)
	return ok
}

func distanceIfEligible(req models.Request, op models.Operator) (float64, bool) {
	if !op.Available || op.Location == nil {
		return 0, false
	}
	if req.RequiredEquipment != "" && !op.HasEquipment(req.RequiredEquipment) {
		return 0, false
	}
	radius := op.ServiceRadiusKm
	if radius <= 0 {
		radius = DefaultServiceRadiusKm
	}
	d := geo.DistanceKm(*op.Location, req.Origin)
	// written so a NaN distance is rejected
	if !(d <= radius) {
		return 0, false
	}
	return d, true
}

// Rank returns the eligible operators ordered by ascending distance.
// Ties are broken by operator id so the ordering is stable across ticks.
func Rank(req models.Request, ops []models.Operator) []Candidate {
	out := make([]Candidate, 0, len(ops))
	for _, op := range ops {
		if d, ok := distanceIfEligible(req, op); ok {
			out = append(out, Candidate{Operator: op, DistanceKm: d})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DistanceKm == out[j].DistanceKm {
			return out[i].Operator.ID < out[j].Operator.ID
		}
		return out[i].DistanceKm < out[j].DistanceKm
	})
	return out
}

// Pool returns at most n of the nearest eligible operators.
func Pool(req models.Request, ops []models.Operator, n int) []Candidate {
	ranked := Rank(req, ops)
	if n < 0 {
		n = 0
	}
	if n < len(ranked) {
		ranked = ranked[:n]
	}
	return ranked
}
