package train

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
)

// EpochMetrics records one epoch of training.
type EpochMetrics struct {
	Epoch      int
	TrainLoss  float64
	ValidLoss  float64
	Perplexity float64
	Skipped    int
	Clamped    int
	Best       bool
}

// Metrics is the content of metrics.json.
type Metrics struct {
	Epochs    []EpochMetrics
	BestEpoch int
	BestLoss  float64
}

func newEpochMetrics(epoch int, trainLoss, validLoss float64) EpochMetrics {
	return EpochMetrics{
		Epoch:      epoch,
		TrainLoss:  trainLoss,
		ValidLoss:  validLoss,
		Perplexity: math.Exp(validLoss),
	}
}

// SaveMetrics writes m as indented JSON. Non-finite losses are written as
// null since JSON has no representation for them.
func SaveMetrics(path string, m Metrics) error {
	out := struct {
		Epochs    []jsonEpoch `json:"epochs"`
		BestEpoch int         `json:"best_epoch"`
		BestLoss  *float64    `json:"best_valid_loss"`
	}{BestEpoch: m.BestEpoch, BestLoss: finite(m.BestLoss)}
	for _, e := range m.Epochs {
		out.Epochs = append(out.Epochs, jsonEpoch{
			Epoch:      e.Epoch,
			TrainLoss:  finite(e.TrainLoss),
			ValidLoss:  finite(e.ValidLoss),
			Perplexity: finite(e.Perplexity),
			Skipped:    e.Skipped,
			Clamped:    e.Clamped,
			Best:       e.Best,
		})
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("train: create %s: %w", path, err)
	}
	defer f.Close()

	encoder := json.NewEncoder(f)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(out); err != nil {
		return fmt.Errorf("train: encode %s: %w", path, err)
	}
	return nil
}

type jsonEpoch struct {
	Epoch      int      `json:"epoch"`
	TrainLoss  *float64 `json:"train_loss"`
	ValidLoss  *float64 `json:"valid_loss"`
	Perplexity *float64 `json:"perplexity"`
	Skipped    int      `json:"skipped_batches"`
	Clamped    int      `json:"clamped_ids"`
	Best       bool     `json:"best"`
}

func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
