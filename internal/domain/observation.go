package domain

import (
	"slices"
	"time"
)

// MergeTolerance is the distance in EPSG:4326 degrees under which two
// location points are considered the same place (roughly one meter).
const MergeTolerance = 8.181818181818181e-06

// LocationPoint is a measured coordinate in its source reference system.
type LocationPoint struct {
	ID   int64
	X    float64
	Y    float64
	SRID int
}

// Reference tables an observation row is resolved against.
const (
	RefCompartment       = "compartment"
	RefMeasurementMethod = "measurementmethod"
	RefParameter         = "parameter"
	RefProperty          = "property"
	RefQuality           = "quality"
	RefSampleDevice      = "sampledevice"
	RefSampleMethod      = "samplemethod"
	RefUnit              = "unit"
)

// ReferenceKinds lists the categorical columns in resolution order.
var ReferenceKinds = []string{
	RefCompartment,
	RefMeasurementMethod,
	RefParameter,
	RefProperty,
	RefQuality,
	RefSampleDevice,
	RefSampleMethod,
	RefUnit,
}

// Observation is a single measured value, unique by Fingerprint. Jobs and
// Environments record which jobs and which environment+script combinations
// produced it.
type Observation struct {
	ID           int64
	Fingerprint  string
	Date         time.Time
	Value        float64
	LocationID   int64
	References   map[string]int64
	Published    bool
	Jobs         []string
	Environments []string
}

// AddJob appends jobID unless already present. Reports whether it changed.
func (o *Observation) AddJob(jobID string) bool {
	if slices.Contains(o.Jobs, jobID) {
		return false
	}
	o.Jobs = append(o.Jobs, jobID)
	return true
}

// AddEnvironment appends envHash unless already present. Reports whether it changed.
func (o *Observation) AddEnvironment(envHash string) bool {
	if slices.Contains(o.Environments, envHash) {
		return false
	}
	o.Environments = append(o.Environments, envHash)
	return true
}
