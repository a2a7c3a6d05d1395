package classification

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Prediction is the probability assigned to one class.
type Prediction struct {
	Label       string  `json:"label"`
	Probability float64 `json:"probability"`
}

// Distribution is a probability per class in class-list order.
type Distribution []Prediction

// NewDistribution maps scores positionally onto classes. A single score with
// two classes is read as a sigmoid output p and expanded to [1-p, p].
func NewDistribution(classes []string, scores []float32) (Distribution, error) {
	if len(scores) == 1 && len(classes) == 2 {
		scores = Binary(scores[0])
	}
	if len(scores) < len(classes) {
		return nil, fmt.Errorf("model produced %d scores for %d classes", len(scores), len(classes))
	}
	d := make(Distribution, len(classes))
	for i, c := range classes {
		d[i] = Prediction{Label: c, Probability: float64(scores[i])}
	}
	return d, nil
}

// Binary expands a sigmoid output into a two-class distribution.
func Binary(p float32) []float32 {
	return []float32{1 - p, p}
}

// Top returns the most probable class. Ties go to the earlier class.
func (d Distribution) Top() (Prediction, bool) {
	if len(d) == 0 {
		return Prediction{}, false
	}
	best := d[0]
	for _, p := range d[1:] {
		if p.Probability > best.Probability {
			best = p
		}
	}
	return best, true
}

// Probability returns the probability of label.
func (d Distribution) Probability(label string) (float64, bool) {
	for _, p := range d {
		if p.Label == label {
			return p.Probability, true
		}
	}
	return 0, false
}

// MarshalJSON encodes d as a JSON object whose keys keep class-list order.
func (d Distribution) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, p := range d {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(p.Label)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(p.Probability)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
