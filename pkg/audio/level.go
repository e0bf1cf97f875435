package audio

import "math"

// RMSEnergy computes the root-mean-square energy of 16-bit samples.
// Returns a value between 0.0 and 1.0.
func RMSEnergy(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}

	var sum float64
	for _, s := range samples {
		normalized := float64(s) / 32768.0
		sum += normalized * normalized
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// PeakAmplitude returns the maximum absolute amplitude in the samples.
// Returns a value between 0.0 and 1.0.
func PeakAmplitude(samples []int16) float64 {
	var maxAbs float64
	for _, s := range samples {
		// float64 avoids overflow when negating -32768
		abs := math.Abs(float64(s))
		if abs > maxAbs {
			maxAbs = abs
		}
	}
	return maxAbs / 32768.0
}
