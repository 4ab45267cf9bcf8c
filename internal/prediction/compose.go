package prediction

import (
	"math"
	"sort"
	"time"

	"github.com/mrcode/nightscout-loop/internal/models"
)

// PredictGlucose adds the per-step changes of every effect to the starting reading.
// Momentum, when it has at least two points, is blended in: it dominates the first steps
// after the reading and fades out by its last point.
func PredictGlucose(start models.GlucoseSample, momentum []models.GlucoseEffect, effects ...[]models.GlucoseEffect) []models.PredictedGlucoseValue {
	changes := make(map[int64]float64)
	dates := make(map[int64]time.Time)

	for _, timeline := range effects {
		if len(timeline) == 0 {
			continue
		}
		previous := timeline[0].Quantity
		for _, e := range timeline {
			key := e.Date.UnixNano()
			changes[key] += e.Quantity - previous
			dates[key] = e.Date
			previous = e.Quantity
		}
	}

	if len(momentum) > 1 {
		blendCount := len(momentum) - 2
		step := momentum[1].Date.Sub(momentum[0].Date)
		offset := start.Date.Sub(momentum[0].Date)

		previous := momentum[0].Quantity
		for i, e := range momentum {
			split := 1.0
			if blendCount > 0 && step > 0 {
				blendSlope := 1 / float64(blendCount)
				blendOffset := float64(offset) / float64(step) * blendSlope
				split = float64(len(momentum)-i)/float64(blendCount) - blendSlope + blendOffset
				split = math.Min(1, math.Max(0, split))
			}
			key := e.Date.UnixNano()
			changes[key] = (1-split)*changes[key] + split*(e.Quantity-previous)
			dates[key] = e.Date
			previous = e.Quantity
		}
	}

	keys := make([]int64, 0, len(changes))
	for k := range changes {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	prediction := []models.PredictedGlucoseValue{{Date: start.Date, Quantity: start.Quantity}}
	for _, k := range keys {
		date := dates[k]
		if !date.After(start.Date) {
			continue
		}
		last := prediction[len(prediction)-1].Quantity
		prediction = append(prediction, models.PredictedGlucoseValue{Date: date, Quantity: last + changes[k]})
	}
	return prediction
}

// ExtendFlat holds the last predicted value every delta until end.
func ExtendFlat(prediction []models.PredictedGlucoseValue, end time.Time, delta time.Duration) []models.PredictedGlucoseValue {
	if len(prediction) == 0 || delta <= 0 {
		return prediction
	}
	last := prediction[len(prediction)-1]
	for date := last.Date.Add(delta); last.Date.Before(end); date = date.Add(delta) {
		if date.After(end) {
			date = end
		}
		last = models.PredictedGlucoseValue{Date: date, Quantity: last.Quantity}
		prediction = append(prediction, last)
	}
	return prediction
}
