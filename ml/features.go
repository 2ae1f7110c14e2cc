package ml

// Category thresholds shared verbatim between training and serving. A model
// trained against different thresholds is incompatible with this code.
const (
	RainfallLowMax    = 50.0
	RainfallMediumMax = 100.0
	RainfallHighMax   = 200.0

	PHAcidicMax  = 5.5
	PHNeutralMax = 7.5
)

// RainfallLevel buckets rainfall into Low/Medium/High/VeryHigh encoded 0..3.
func RainfallLevel(rainfall float64) float64 {
	switch {
	case rainfall <= RainfallLowMax:
		return 0
	case rainfall <= RainfallMediumMax:
		return 1
	case rainfall <= RainfallHighMax:
		return 2
	default:
		return 3
	}
}

// PHCategory buckets pH into Acidic/Neutral/Alkaline encoded 0..2.
func PHCategory(ph float64) float64 {
	switch {
	case ph < PHAcidicMax:
		return 0
	case ph <= PHNeutralMax:
		return 1
	default:
		return 2
	}
}

// Engineer derives the 13-value feature vector from a raw sample: the seven
// raw fields followed by NPK mean, temperature-humidity index, rainfall
// level, pH category and the two interaction terms.
func Engineer(s RawSample) []float64 {
	npk := (s.N + s.P + s.K) / 3
	thi := s.Temperature * s.Humidity / 100

	return []float64{
		s.N,
		s.P,
		s.K,
		s.Temperature,
		s.Humidity,
		s.PH,
		s.Rainfall,
		npk,
		thi,
		RainfallLevel(s.Rainfall),
		PHCategory(s.PH),
		s.Temperature * s.Rainfall,
		s.PH * s.Rainfall,
	}
}

// FeatureNames returns the engineered feature names in vector order.
func FeatureNames() []string {
	return []string{
		"N",
		"P",
		"K",
		"temperature",
		"humidity",
		"ph",
		"rainfall",
		"NPK",
		"THI",
		"rainfall_level",
		"ph_category",
		"temp_rain_interaction",
		"ph_rain_interaction",
	}
}

// FeatureCount is the width of the engineered vector.
func FeatureCount() int {
	return len(FeatureNames())
}
