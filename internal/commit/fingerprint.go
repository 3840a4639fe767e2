package commit

import (
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/openearth-labs/openearth-go/internal/domain"
)

// Record is one parsed row of a tabular result file.
type Record struct {
	Line              int
	Compartment       string
	Date              time.Time
	MeasurementMethod string
	SRID              int
	X                 float64
	Y                 float64
	Parameter         string
	Property          string
	Quality           string
	SampleDevice      string
	SampleMethod      string
	Unit              string
	Value             float64
}

// Category returns the raw categorical value for a reference kind.
func (r Record) Category(kind string) string {
	switch kind {
	case domain.RefCompartment:
		return r.Compartment
	case domain.RefMeasurementMethod:
		return r.MeasurementMethod
	case domain.RefParameter:
		return r.Parameter
	case domain.RefProperty:
		return r.Property
	case domain.RefQuality:
		return r.Quality
	case domain.RefSampleDevice:
		return r.SampleDevice
	case domain.RefSampleMethod:
		return r.SampleMethod
	case domain.RefUnit:
		return r.Unit
	default:
		return ""
	}
}

// Fingerprint is the natural key of the observation a record describes:
// compartment, date, measurementmethod, orig_srid, origx, origy, parameter,
// property, quality, sampledevice, samplemethod, unit and value joined by
// "|". Categoricals are compared lower-cased and dates in UTC.
func Fingerprint(r Record) string {
	parts := []string{
		category(r.Compartment),
		r.Date.UTC().Format(time.RFC3339),
		category(r.MeasurementMethod),
		strconv.Itoa(r.SRID),
		formatFloat(r.X),
		formatFloat(r.Y),
		category(r.Parameter),
		category(r.Property),
		category(r.Quality),
		category(r.SampleDevice),
		category(r.SampleMethod),
		category(r.Unit),
		formatFloat(r.Value),
	}
	return strings.Join(parts, "|")
}

func category(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// EnvironmentHash identifies an environment and script combination.
func EnvironmentHash(environmentID int64, script string) string {
	sum := blake3.Sum256([]byte(strconv.FormatInt(environmentID, 10) + ":" + script))
	return hex.EncodeToString(sum[:16])
}
