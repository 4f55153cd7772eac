package model

import (
	"binance-ladder-bot-go/internal/models"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
)

// Scorer turns a feature vector into a trading signal. Implementations are pure.
type Scorer interface {
	Predict(fv models.FeatureVector) (models.Signal, error)
}

// ErrInvalidFeatures is returned when a feature the model needs is missing or not finite.
var ErrInvalidFeatures = errors.New("invalid features")

// Platt 是概率校准参数 p = sigmoid(A*margin + B)
type Platt struct {
	A float64 `json:"a"`
	B float64 `json:"b"`
}

// Weights 是模型文件的内容
type Weights struct {
	Version string             `json:"version"`
	Bias    float64            `json:"bias"`
	Weights map[string]float64 `json:"weights"`
	Platt   *Platt             `json:"platt,omitempty"`
}

// LogisticScorer is a linear model over named features with optional Platt calibration.
type LogisticScorer struct {
	w          Weights
	names      []string
	tau        float64
	allowShort bool
}

// NewLogisticScorer validates the weights and fixes the decision threshold.
func NewLogisticScorer(w Weights, tau float64, allowShort bool) (*LogisticScorer, error) {
	if len(w.Weights) == 0 {
		return nil, errors.New("model has no weights")
	}
	if tau <= 0.5 || tau >= 1 {
		return nil, fmt.Errorf("tau must be in (0.5, 1), got %v", tau)
	}
	if w.Version == "" {
		w.Version = "unversioned"
	}
	known := models.FeatureVector{}.Values()
	names := make([]string, 0, len(w.Weights))
	for name := range w.Weights {
		if _, ok := known[name]; !ok {
			return nil, fmt.Errorf("model uses unknown feature %q", name)
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return &LogisticScorer{w: w, names: names, tau: tau, allowShort: allowShort}, nil
}

// LoadLogisticScorer reads a JSON weights file.
func LoadLogisticScorer(path string, tau float64, allowShort bool) (*LogisticScorer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取模型文件失败: %w", err)
	}
	var w Weights
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("解析模型文件失败: %w", err)
	}
	return NewLogisticScorer(w, tau, allowShort)
}

// Version returns the model version carried on every signal.
func (s *LogisticScorer) Version() string {
	return s.w.Version
}

// Probability returns the calibrated probability of an up move.
func (s *LogisticScorer) Probability(fv models.FeatureVector) (float64, error) {
	values := fv.Values()
	margin := s.w.Bias
	for _, name := range s.names {
		v, ok := values[name]
		if !ok {
			return 0, fmt.Errorf("%w: missing %s", ErrInvalidFeatures, name)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, fmt.Errorf("%w: %s is not finite", ErrInvalidFeatures, name)
		}
		margin += s.w.Weights[name] * v
	}
	if s.w.Platt != nil {
		return sigmoid(s.w.Platt.A*margin + s.w.Platt.B), nil
	}
	return sigmoid(margin), nil
}

// Predict maps the probability to a side. Invalid input is an error, never a
// NONE signal.
func (s *LogisticScorer) Predict(fv models.FeatureVector) (models.Signal, error) {
	sig := models.Signal{Side: models.SignalNone, Score: 0.5, ModelVersion: s.w.Version, CandleTime: fv.CandleTime}
	p, err := s.Probability(fv)
	if err != nil {
		return sig, err
	}
	sig.Score = p
	sig.Confidence = math.Abs(p-0.5) * 2
	switch {
	case p >= s.tau:
		sig.Side = models.SignalLong
	case s.allowShort && p <= 1-s.tau:
		sig.Side = models.SignalShort
	}
	return sig, nil
}

func sigmoid(x float64) float64 {
	if x > 50 {
		return 1
	}
	if x < -50 {
		return 0
	}
	return 1 / (1 + math.Exp(-x))
}
