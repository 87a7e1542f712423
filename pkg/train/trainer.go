package train

import (
	"errors"
	"fmt"
	"log"
	"math"
	"path/filepath"

	"gonum.org/v1/gonum/stat"

	"qgnet/pkg/model"
)

// Config controls the training loop.
type Config struct {
	Epochs          int        `json:"epochs"`
	Adam            AdamConfig `json:"adam"`
	Clip            float64    `json:"clip"`
	CheckpointEvery int        `json:"checkpoint_every"`
	LogEvery        int        `json:"log_every"`
	OutDir          string     `json:"out_dir"`

	Logf func(format string, args ...any) `json:"-"`
}

func DefaultConfig() Config {
	return Config{
		Epochs:          10,
		Adam:            DefaultAdamConfig(),
		Clip:            5,
		CheckpointEvery: 3,
		LogEvery:        100,
		OutDir:          ".",
	}
}

// Source yields the batches of one pass over a split. Training sources are
// expected to reshuffle on every call.
type Source interface {
	Batches() []*model.Batch
}

// StepResult is the outcome of one batch.
type StepResult struct {
	Loss     float64
	GradNorm float64
	Tokens   int
	Clamped  int
	Skipped  bool
}

// Result is what Run hands back once every epoch has finished.
type Result struct {
	Best      model.Snapshot
	BestEpoch int
	BestLoss  float64
	Metrics   Metrics
}

// Trainer owns the optimizer state for one model.
type Trainer struct {
	cfg   Config
	model *model.QGNet
	adam  *Adam
	epoch int // last completed epoch
}

func NewTrainer(m *model.QGNet, cfg Config) *Trainer {
	if cfg.Logf == nil {
		cfg.Logf = log.Printf
	}
	return &Trainer{cfg: cfg, model: m, adam: NewAdam(cfg.Adam)}
}

// Epoch is the last completed epoch, 0 before training.
func (t *Trainer) Epoch() int { return t.epoch }

// TrainStep runs one optimization step. A batch whose feature streams do not
// line up with the source is skipped with zero loss.
func (t *Trainer) TrainStep(b *model.Batch) (StepResult, error) {
	params := t.model.Params()
	params.ZeroGrad()
	pass, err := t.model.TrainForward(b)
	if errors.Is(err, model.ErrShapeMismatch) {
		return StepResult{Skipped: true}, nil
	}
	if err != nil {
		return StepResult{}, err
	}
	norm := ClipGradNorm(params.All(), t.cfg.Clip)
	t.adam.Step(params.All())
	return StepResult{Loss: pass.Loss, GradNorm: norm, Tokens: pass.Tokens, Clamped: pass.Clamped}, nil
}

// EvalStep decodes greedily for as many steps as the longest target and
// scores the result. Parameters are not touched.
func (t *Trainer) EvalStep(b *model.Batch) (StepResult, error) {
	if b.Trg == nil {
		return StepResult{}, errors.New("train: validation batch has no target")
	}
	pass, err := t.model.Forward(b, model.Greedy{MaxLen: b.MaxTrgLen()})
	if errors.Is(err, model.ErrShapeMismatch) {
		return StepResult{Skipped: true}, nil
	}
	if err != nil {
		return StepResult{}, err
	}
	return StepResult{Loss: pass.Loss, Tokens: pass.Tokens, Clamped: pass.Clamped}, nil
}

// Checkpoint captures the current params and optimizer state.
func (t *Trainer) Checkpoint() *Checkpoint {
	return &Checkpoint{
		Epoch:     t.epoch,
		Params:    t.model.Params().Snapshot(),
		Optimizer: t.adam.State(),
	}
}

// Resume restores a checkpoint; Run continues with the following epoch.
func (t *Trainer) Resume(ck *Checkpoint) error {
	params := t.model.Params()
	if err := params.Restore(ck.Params); err != nil {
		return fmt.Errorf("train: resume epoch %d: %w", ck.Epoch, err)
	}
	if err := t.adam.Restore(ck.Optimizer, params.All()); err != nil {
		return fmt.Errorf("train: resume epoch %d: %w", ck.Epoch, err)
	}
	t.epoch = ck.Epoch
	return nil
}

// Run trains until cfg.Epochs, validating after every epoch. Checkpoints go
// to OutDir/checkpoints; best_model.gob and metrics.json are written to
// OutDir when the loop ends.
func (t *Trainer) Run(trainSrc, validSrc Source) (*Result, error) {
	cfg := t.cfg
	best := newBestTracker()
	var metrics Metrics

	for epoch := t.epoch + 1; epoch <= cfg.Epochs; epoch++ {
		em, err := t.runEpoch(epoch, trainSrc, validSrc)
		if err != nil {
			return nil, err
		}
		em.Best = best.observe(epoch, em.ValidLoss, t.model.Params())
		metrics.Epochs = append(metrics.Epochs, em)
		t.epoch = epoch

		marker := ""
		if em.Best {
			marker = " [best]"
		}
		cfg.Logf("Epoch %d ; Train loss: %.4f; Valid. loss: %.4f; ppl=%.2f; skipped=%d%s",
			epoch, em.TrainLoss, em.ValidLoss, em.Perplexity, em.Skipped, marker)

		if cfg.CheckpointEvery > 0 && epoch%cfg.CheckpointEvery == 0 {
			path := CheckpointPath(filepath.Join(cfg.OutDir, "checkpoints"), epoch)
			if err := SaveCheckpoint(path, t.Checkpoint()); err != nil {
				return nil, err
			}
			cfg.Logf("Saved checkpoint %s", path)
		}
	}

	res := &Result{Best: best.snap, BestEpoch: best.epoch, BestLoss: best.loss}
	if res.Best == nil {
		cfg.Logf("No epoch improved the validation loss, keeping the final params")
		res.Best = t.model.Params().Snapshot()
		res.BestEpoch = t.epoch
	}
	metrics.BestEpoch, metrics.BestLoss = res.BestEpoch, res.BestLoss
	res.Metrics = metrics

	if err := SaveSnapshot(filepath.Join(cfg.OutDir, "best_model.gob"), res.Best); err != nil {
		return nil, err
	}
	if err := SaveMetrics(filepath.Join(cfg.OutDir, "metrics.json"), metrics); err != nil {
		return nil, err
	}
	return res, nil
}

func (t *Trainer) runEpoch(epoch int, trainSrc, validSrc Source) (EpochMetrics, error) {
	batches := trainSrc.Batches()
	trainLosses := make([]float64, 0, len(batches))
	var skipped, clamped int
	for i, b := range batches {
		r, err := t.TrainStep(b)
		if err != nil {
			return EpochMetrics{}, fmt.Errorf("train: epoch %d batch %d: %w", epoch, i, err)
		}
		if r.Skipped {
			skipped++
		}
		clamped += r.Clamped
		trainLosses = append(trainLosses, r.Loss)
		if t.cfg.LogEvery > 0 && (i+1)%t.cfg.LogEvery == 0 {
			t.cfg.Logf("   Epoch %d batch %d/%d: loss=%.4f grad_norm=%.3f", epoch, i+1, len(batches), r.Loss, r.GradNorm)
		}
	}

	var validLosses []float64
	for i, b := range validSrc.Batches() {
		r, err := t.EvalStep(b)
		if err != nil {
			return EpochMetrics{}, fmt.Errorf("train: epoch %d validation batch %d: %w", epoch, i, err)
		}
		if r.Skipped {
			skipped++
		}
		clamped += r.Clamped
		validLosses = append(validLosses, r.Loss)
	}

	em := newEpochMetrics(epoch, mean(trainLosses), mean(validLosses))
	em.Skipped, em.Clamped = skipped, clamped
	return em, nil
}

// mean includes skipped batches as zeros; an empty split has loss 0.
func mean(losses []float64) float64 {
	if len(losses) == 0 {
		return 0
	}
	return stat.Mean(losses, nil)
}

// bestTracker keeps the params of the epoch with the lowest validation loss.
type bestTracker struct {
	loss  float64
	epoch int
	snap  model.Snapshot
}

func newBestTracker() *bestTracker {
	return &bestTracker{loss: math.Inf(1)}
}

func (bt *bestTracker) observe(epoch int, loss float64, params *model.Params) bool {
	if !(loss < bt.loss) {
		return false
	}
	bt.loss, bt.epoch = loss, epoch
	bt.snap = params.Snapshot()
	return true
}
