package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"qgnet/pkg/corpus"
	"qgnet/pkg/model"
	"qgnet/pkg/train"
)

type GenerateConfig struct {
	Model   string
	Weights string
	Input   string
	MaxLen  int
}

func runGenerate(args []string) {
	fs := flag.NewFlagSet("generate", flag.ExitOnError)

	config := GenerateConfig{}
	fs.StringVar(&config.Model, "model", "", "Model directory written by train (required)")
	fs.StringVar(&config.Weights, "weights", "", "Params or checkpoint file (default <model>/best_model.gob)")
	fs.StringVar(&config.Input, "input", "", "Staged TSV to evaluate instead of reading raw lines from stdin")
	fs.IntVar(&config.MaxLen, "max", 30, "Maximum question length including <sos>")

	fs.Parse(args)

	if config.Model == "" {
		fmt.Println("Error: --model is required")
		fs.PrintDefaults()
		os.Exit(1)
	}
	if config.Weights == "" {
		config.Weights = filepath.Join(config.Model, "best_model.gob")
	}

	qg, vocabs, err := loadModel(config)
	if err != nil {
		log.Fatalf("Error loading model: %v", err)
	}

	if config.Input != "" {
		if err := evaluateFile(qg, vocabs, config); err != nil {
			log.Fatalf("Error evaluating %s: %v", config.Input, err)
		}
		return
	}
	if err := generateStream(os.Stdin, os.Stdout, qg, vocabs, config.MaxLen); err != nil {
		log.Fatalf("Error generating: %v", err)
	}
}

// loadModel rebuilds the model from the manifest and loads either a params
// snapshot or a training checkpoint.
func loadModel(config GenerateConfig) (*model.QGNet, *corpus.Vocabs, error) {
	var manifest Manifest
	if err := loadJSON(filepath.Join(config.Model, "manifest.json"), &manifest); err != nil {
		return nil, nil, err
	}
	vocabs, err := corpus.LoadVocabs(filepath.Join(config.Model, "vocab.json"))
	if err != nil {
		return nil, nil, err
	}
	qg, err := model.New(manifest.Model)
	if err != nil {
		return nil, nil, err
	}

	snap, err := train.LoadSnapshot(config.Weights)
	if err != nil {
		ck, ckErr := train.LoadCheckpoint(config.Weights)
		if ckErr != nil {
			return nil, nil, err
		}
		snap = ck.Params
	}
	if err := qg.Params().Restore(snap); err != nil {
		return nil, nil, err
	}
	return qg, vocabs, nil
}

// generateStream reads one raw feature-annotated sentence per line and writes
// one generated question per line. Lines whose tokens do not all carry
// features produce an empty line.
func generateStream(r io.Reader, w io.Writer, qg *model.QGNet, vocabs *corpus.Vocabs, maxLen int) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if len(line) == 0 {
			fmt.Fprintln(w)
			continue
		}
		ex := corpus.ParseRaw(line)
		b := corpus.NewIterator([]corpus.Example{ex}, vocabs, corpus.IteratorConfig{BatchSize: 1}).Batches()[0]
		b.Trg, b.TrgLen = nil, nil

		pass, err := qg.Forward(b, model.Greedy{MaxLen: maxLen})
		if errors.Is(err, model.ErrShapeMismatch) {
			// tokens without a full set of features
			fmt.Fprintln(w)
			continue
		}
		if err != nil {
			return err
		}
		fmt.Fprintln(w, strings.Join(vocabs.Words.Decode(column(pass.Argmax(), 0)), " "))
	}
	return scanner.Err()
}

// evaluateFile decodes every example of a staged file one at a time, prints
// reference and prediction, and reports the mean greedy loss.
func evaluateFile(qg *model.QGNet, vocabs *corpus.Vocabs, config GenerateConfig) error {
	examples, err := corpus.ReadTSVFile(config.Input)
	if err != nil {
		return err
	}
	it := corpus.NewIterator(examples, vocabs, corpus.IteratorConfig{BatchSize: 1})

	var total float64
	scored, skipped := 0, 0
	for _, b := range it.Batches() {
		pass, err := qg.Forward(b, model.Greedy{MaxLen: b.MaxTrgLen()})
		if errors.Is(err, model.ErrShapeMismatch) {
			skipped++
			continue
		}
		if err != nil {
			return err
		}
		src := vocabs.Words.Decode(column(b.Src, 0))
		ref := vocabs.Words.Decode(column(b.Trg, 0))
		hyp := vocabs.Words.Decode(column(pass.Argmax(), 0))
		fmt.Printf("SRC: %s\nREF: %s\nOUT: %s\n\n", strings.Join(src, " "), strings.Join(ref, " "), strings.Join(hyp, " "))
		if pass.HasLoss {
			total += pass.Loss
			scored++
		}
	}
	if scored > 0 {
		fmt.Printf("📊 Mean greedy loss over %d examples: %.4f (%d skipped)\n", scored, total/float64(scored), skipped)
	}
	return nil
}

// column extracts example i from time-major rows.
func column(rows [][]int, i int) []int {
	out := make([]int, len(rows))
	for t, r := range rows {
		out[t] = r[i]
	}
	return out
}
