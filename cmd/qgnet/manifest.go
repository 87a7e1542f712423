package main

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"qgnet/pkg/model"
	"qgnet/pkg/train"
)

// Manifest records how a model directory was produced. generate rebuilds the
// model from Model.
type Manifest struct {
	TrainPath    string       `json:"train_path"`
	TrainHash    string       `json:"train_hash"`
	ValidPath    string       `json:"valid_path"`
	VectorsPath  string       `json:"vectors_path,omitempty"`
	VectorsFound int          `json:"vectors_found"`
	BatchSize    int          `json:"batch_size"`
	Seed         int64        `json:"seed"`
	Model        model.Config `json:"model"`
	Train        train.Config `json:"train"`
	Parameters   int          `json:"parameters"`
	TrainedAt    time.Time    `json:"trained_at"`
	BuildVersion string       `json:"build_version"`
}

func fileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil))[:16], nil
}

func saveJSON(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	encoder := json.NewEncoder(f)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func loadJSON(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewDecoder(f).Decode(v)
}
