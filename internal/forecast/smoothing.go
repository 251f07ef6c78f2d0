// Package forecast computes short-horizon trend forecasts over the structured
// series using exponential smoothing: simple (level), double (level+trend,
// Holt), or triple (level+trend+seasonal, Holt-Winters). Model state is
// persisted per (device, metric, model) and folded strictly in event-time
// order; see Engine.
package forecast

import (
	"fmt"
	"time"

	"github.com/couchcryptid/climate-control-etl/internal/domain"
)

// Model names. Selected per deployment by configuration, not per reading.
const (
	ModelSES = "ses"
	ModelDES = "des"
	ModelTES = "tes"
)

// Params holds the smoothing constants and seasonal configuration.
// Alpha, beta, and gamma are configuration, never derived from data.
type Params struct {
	Alpha          float64 // level
	Beta           float64 // trend
	Gamma          float64 // seasonal
	SeasonLength   int     // observations per seasonal cycle (tes only)
	Multiplicative bool    // seasonal mode: multiplicative instead of additive
	Step           time.Duration
}

// Validate checks the parameters against the chosen model.
func (p Params) Validate(model string) error {
	switch model {
	case ModelSES, ModelDES, ModelTES:
	default:
		return fmt.Errorf("unknown forecast model %q", model)
	}
	if p.Alpha <= 0 || p.Alpha >= 1 {
		return fmt.Errorf("alpha must be in (0,1), got %g", p.Alpha)
	}
	if model != ModelSES && (p.Beta <= 0 || p.Beta >= 1) {
		return fmt.Errorf("beta must be in (0,1), got %g", p.Beta)
	}
	if model == ModelTES {
		if p.Gamma <= 0 || p.Gamma >= 1 {
			return fmt.Errorf("gamma must be in (0,1), got %g", p.Gamma)
		}
		if p.SeasonLength < 2 {
			return fmt.Errorf("season length must be at least 2, got %d", p.SeasonLength)
		}
	}
	return nil
}

// Fold incorporates one observation into the smoothing state and returns the
// new state. Pure: the caller owns ordering and persistence.
//
// Seeding follows the standard rules: the level starts at the first
// observation (for tes, the mean of the first full season), the trend at the
// first difference, and seasonal components at the first season's
// decomposition around its mean. Until a tes state has seen a full season it
// behaves like des with neutral seasonal components, accumulating the season
// buffer in the Seasonal field.
func Fold(st domain.ForecastState, p Params, x float64) domain.ForecastState {
	switch st.Model {
	case ModelSES:
		if st.Observations == 0 {
			st.Level = x
		} else {
			st.Level = p.Alpha*x + (1-p.Alpha)*st.Level
		}

	case ModelDES:
		foldTrended(&st, p, x)

	case ModelTES:
		if st.Observations < int64(p.SeasonLength) {
			// Warming up: run the trended update and buffer the season.
			buffer := append(append([]float64(nil), st.Seasonal...), x)
			foldTrended(&st, p, x)
			st.Seasonal = buffer
			if len(buffer) == p.SeasonLength {
				seedSeason(&st, p, buffer)
			}
		} else {
			foldSeasonal(&st, p, x)
		}
	}

	st.Observations++
	return st
}

// foldTrended applies the Holt level+trend recurrences, seeding the trend
// from the first difference at the second observation.
func foldTrended(st *domain.ForecastState, p Params, x float64) {
	switch st.Observations {
	case 0:
		st.Level = x
		st.Trend = 0
	case 1:
		st.Trend = x - st.Level
		st.Level = x
	default:
		prevLevel := st.Level
		st.Level = p.Alpha*x + (1-p.Alpha)*(prevLevel+st.Trend)
		st.Trend = p.Beta*(st.Level-prevLevel) + (1-p.Beta)*st.Trend
	}
}

// seedSeason replaces the warmup state with the seasonal seed: level is the
// season mean, trend the first difference, and each component the season's
// deviation from (additive) or ratio to (multiplicative) the mean.
func seedSeason(st *domain.ForecastState, p Params, season []float64) {
	mean := 0.0
	for _, v := range season {
		mean += v
	}
	mean /= float64(len(season))

	st.Level = mean
	st.Trend = season[1] - season[0]

	components := make([]float64, len(season))
	for i, v := range season {
		if p.Multiplicative {
			if mean == 0 {
				components[i] = 1
			} else {
				components[i] = v / mean
			}
		} else {
			components[i] = v - mean
		}
	}
	st.Seasonal = components
}

// foldSeasonal applies the Holt-Winters recurrences. The observation's phase
// within the season is its ordinal position modulo the season length, which
// lines up with the seed because the seed consumed exactly one full season.
func foldSeasonal(st *domain.ForecastState, p Params, x float64) {
	idx := int(st.Observations % int64(p.SeasonLength))
	prevLevel := st.Level

	// Copy before writing so the caller's state stays untouched.
	st.Seasonal = append([]float64(nil), st.Seasonal...)
	seasonal := st.Seasonal[idx]

	if p.Multiplicative {
		deseasoned := x
		if seasonal != 0 {
			deseasoned = x / seasonal
		}
		st.Level = p.Alpha*deseasoned + (1-p.Alpha)*(prevLevel+st.Trend)
		st.Trend = p.Beta*(st.Level-prevLevel) + (1-p.Beta)*st.Trend
		if st.Level != 0 {
			st.Seasonal[idx] = p.Gamma*(x/st.Level) + (1-p.Gamma)*seasonal
		}
	} else {
		st.Level = p.Alpha*(x-seasonal) + (1-p.Alpha)*(prevLevel+st.Trend)
		st.Trend = p.Beta*(st.Level-prevLevel) + (1-p.Beta)*st.Trend
		st.Seasonal[idx] = p.Gamma*(x-st.Level) + (1-p.Gamma)*seasonal
	}
}

// PointValue returns the h-step-ahead point forecast for h >= 1.
func PointValue(st domain.ForecastState, p Params, h int) float64 {
	switch st.Model {
	case ModelSES:
		return st.Level

	case ModelDES:
		return st.Level + float64(h)*st.Trend

	case ModelTES:
		base := st.Level + float64(h)*st.Trend
		if st.Observations < int64(p.SeasonLength) {
			// Insufficient history: neutral seasonal component.
			return base
		}
		idx := int((st.Observations + int64(h) - 1) % int64(p.SeasonLength))
		if p.Multiplicative {
			return base * st.Seasonal[idx]
		}
		return base + st.Seasonal[idx]

	default:
		return st.Level
	}
}
