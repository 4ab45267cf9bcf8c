// Package loop runs one closed-loop decision: validate history, forecast glucose,
// classify the correction and translate it into a dose recommendation.
package loop

import (
	"time"

	"github.com/mrcode/nightscout-loop/internal/dosing"
	"github.com/mrcode/nightscout-loop/internal/prediction"
)

// InputDataRecencyInterval is how old the latest glucose reading may be at the decision time.
const InputDataRecencyInterval = 15 * time.Minute

// Config contains the algorithm constants. The zero value is not usable; start from DefaultConfig.
type Config struct {
	Prediction      prediction.Config
	Policy          dosing.Policy
	RecencyInterval time.Duration
	// RateIncrement and VolumeIncrement are the pump resolutions in U/hr and U.
	RateIncrement   float64
	VolumeIncrement float64
}

// DefaultConfig returns the standard algorithm constants
func DefaultConfig() Config {
	return Config{
		Prediction:      prediction.DefaultConfig(),
		Policy:          dosing.DefaultPolicy(),
		RecencyInterval: InputDataRecencyInterval,
		RateIncrement:   0.05,
		VolumeIncrement: 0.05,
	}
}
