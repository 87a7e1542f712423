package model

import (
	"fmt"
	"math"
)

// NumFeatures is the number of auxiliary per-token feature channels.
// Channel k is column feat_k of the staged corpus.
const NumFeatures = 4

// Config holds the architecture hyperparameters and the reserved ids of the
// shared vocabulary.
type Config struct {
	VocabSize         int              `json:"vocab_size"`
	EmbedDim          int              `json:"embed_dim"`
	FeatureVocabSizes [NumFeatures]int `json:"feature_vocab_sizes"`
	FeaturePadIDs     [NumFeatures]int `json:"feature_pad_ids"`

	PadID int `json:"pad_id"`
	UnkID int `json:"unk_id"`
	SOSID int `json:"sos_id"`
	EOSID int `json:"eos_id"`

	Hidden int `json:"hidden"`
	Layers int `json:"layers"`

	EncoderDropout float64 `json:"encoder_dropout"`
	DecoderDropout float64 `json:"decoder_dropout"`

	// Seed drives the initial parameter values.
	Seed int64 `json:"seed"`
}

// DefaultConfig returns the reference architecture: 300-d embeddings, a
// 2-layer 600-unit encoder/decoder, dropout 0.3 between encoder layers and
// 0.5 on the decoder output. Vocabulary sizes must still be filled in.
func DefaultConfig() Config {
	return Config{
		EmbedDim:       300,
		UnkID:          0,
		PadID:          1,
		SOSID:          2,
		EOSID:          3,
		FeaturePadIDs:  [NumFeatures]int{1, 1, 1, 1},
		Hidden:         600,
		Layers:         2,
		EncoderDropout: 0.3,
		DecoderDropout: 0.5,
	}
}

// FeatureDim is the embedding width used for a feature vocabulary of the
// given size: floor(size^0.7), at least 1.
func FeatureDim(size int) int {
	d := int(math.Pow(float64(size), 0.7))
	if d < 1 {
		return 1
	}
	return d
}

func (c Config) validate() error {
	if c.VocabSize <= 0 || c.EmbedDim <= 0 || c.Hidden <= 0 || c.Layers <= 0 {
		return fmt.Errorf("model: vocab size, embed dim, hidden and layers must be positive (got %d, %d, %d, %d)",
			c.VocabSize, c.EmbedDim, c.Hidden, c.Layers)
	}
	for k, size := range c.FeatureVocabSizes {
		if size <= 0 {
			return fmt.Errorf("model: feature %d vocabulary is empty", k)
		}
		if pad := c.FeaturePadIDs[k]; pad < 0 || pad >= size {
			return fmt.Errorf("model: feature %d pad id %d outside vocabulary of %d", k, pad, size)
		}
	}
	for name, id := range map[string]int{"pad": c.PadID, "unk": c.UnkID, "sos": c.SOSID, "eos": c.EOSID} {
		if id < 0 || id >= c.VocabSize {
			return fmt.Errorf("model: %s id %d outside vocabulary of %d", name, id, c.VocabSize)
		}
	}
	if c.EncoderDropout < 0 || c.EncoderDropout >= 1 || c.DecoderDropout < 0 || c.DecoderDropout >= 1 {
		return fmt.Errorf("model: dropout must be in [0, 1)")
	}
	return nil
}
