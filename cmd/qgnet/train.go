package main

import (
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"time"

	"qgnet/pkg/corpus"
	"qgnet/pkg/model"
	"qgnet/pkg/train"
)

type TrainConfig struct {
	Train      string
	Valid      string
	Out        string
	Vectors    string
	Embed      int
	Hidden     int
	Layers     int
	EncDropout float64
	DecDropout float64
	Batch      int
	Epochs     int
	LR         float64
	Clip       float64
	Every      int
	LogEvery   int
	Seed       int64
	Resume     string
}

func runTrain(args []string) {
	fs := flag.NewFlagSet("train", flag.ExitOnError)

	defaults := model.DefaultConfig()
	trainDefaults := train.DefaultConfig()
	config := TrainConfig{}
	fs.StringVar(&config.Train, "train", "", "Staged training TSV (required)")
	fs.StringVar(&config.Valid, "valid", "", "Staged validation TSV (required)")
	fs.StringVar(&config.Out, "out", "", "Output directory for model (required)")
	fs.StringVar(&config.Vectors, "vectors", "", "Pretrained vectors in GloVe text format")
	fs.IntVar(&config.Embed, "embed", defaults.EmbedDim, "Word embedding dimension (taken from --vectors when given)")
	fs.IntVar(&config.Hidden, "hidden", defaults.Hidden, "LSTM hidden size")
	fs.IntVar(&config.Layers, "layers", defaults.Layers, "LSTM layers in encoder and decoder")
	fs.Float64Var(&config.EncDropout, "enc-dropout", defaults.EncoderDropout, "Dropout between encoder layers")
	fs.Float64Var(&config.DecDropout, "dec-dropout", defaults.DecoderDropout, "Dropout on the decoder output")
	fs.IntVar(&config.Batch, "batch", 16, "Batch size")
	fs.IntVar(&config.Epochs, "epochs", trainDefaults.Epochs, "Number of epochs")
	fs.Float64Var(&config.LR, "lr", trainDefaults.Adam.LR, "Learning rate")
	fs.Float64Var(&config.Clip, "clip", trainDefaults.Clip, "Global gradient norm ceiling")
	fs.IntVar(&config.Every, "checkpoint-every", trainDefaults.CheckpointEvery, "Checkpoint interval in epochs")
	fs.IntVar(&config.LogEvery, "log-every", trainDefaults.LogEvery, "Batch progress interval (0 disables)")
	fs.Int64Var(&config.Seed, "seed", 1337, "Seed for initial weights and batch order (dropout masks are not seeded)")
	fs.StringVar(&config.Resume, "resume", "", "Checkpoint to resume from")

	fs.Parse(args)

	if config.Train == "" || config.Valid == "" || config.Out == "" {
		fmt.Println("Error: --train, --valid and --out are required")
		fs.PrintDefaults()
		os.Exit(1)
	}

	trainModel(config)
}

func trainModel(config TrainConfig) {
	fmt.Printf("🤖 QGNet Training\n")
	fmt.Printf("=================\n\n")

	if err := os.MkdirAll(config.Out, 0755); err != nil {
		log.Fatalf("Error creating output directory: %v", err)
	}

	fmt.Printf("📚 Loading data...\n")
	trainSet, err := corpus.ReadTSVFile(config.Train)
	if err != nil {
		log.Fatalf("Error loading training data: %v", err)
	}
	validSet, err := corpus.ReadTSVFile(config.Valid)
	if err != nil {
		log.Fatalf("Error loading validation data: %v", err)
	}
	trainHash, err := fileHash(config.Train)
	if err != nil {
		log.Fatalf("Error hashing training data: %v", err)
	}
	fmt.Printf("   Training examples: %d, Validation examples: %d\n", len(trainSet), len(validSet))
	fmt.Printf("   Training file hash: %s\n", trainHash)

	fmt.Printf("\n📝 Building vocabularies...\n")
	vocabs := corpus.BuildVocabs(trainSet)
	fmt.Printf("   Words: %d\n", vocabs.Words.Len())
	for k, f := range vocabs.Feats {
		fmt.Printf("   feat_%d: %d\n", k, f.Len())
	}

	modelCfg := model.DefaultConfig()
	vocabs.Apply(&modelCfg)
	modelCfg.EmbedDim = config.Embed
	modelCfg.Hidden = config.Hidden
	modelCfg.Layers = config.Layers
	modelCfg.EncoderDropout = config.EncDropout
	modelCfg.DecoderDropout = config.DecDropout
	modelCfg.Seed = config.Seed

	var (
		vectors [][]float64
		found   int
	)
	if config.Vectors != "" {
		fmt.Printf("\n📐 Loading vectors from %s...\n", config.Vectors)
		var dim int
		vectors, dim, found, err = corpus.LoadVectorsFile(config.Vectors, vocabs.Words)
		if err != nil {
			log.Fatalf("Error loading vectors: %v", err)
		}
		if dim > 0 {
			modelCfg.EmbedDim = dim
		}
		fmt.Printf("   Found %d of %d tokens (dim %d)\n", found, vocabs.Words.Len(), dim)
	}

	qg, err := model.New(modelCfg)
	if err != nil {
		log.Fatalf("Error building model: %v", err)
	}
	if vectors != nil {
		if _, err := qg.Words().Load(vectors); err != nil {
			log.Fatalf("Error loading vectors into embedding: %v", err)
		}
	}

	trainCfg := train.DefaultConfig()
	trainCfg.Epochs = config.Epochs
	trainCfg.Adam.LR = config.LR
	trainCfg.Clip = config.Clip
	trainCfg.CheckpointEvery = config.Every
	trainCfg.LogEvery = config.LogEvery
	trainCfg.OutDir = config.Out
	trainCfg.Logf = func(format string, args ...any) {
		fmt.Printf("   "+format+"\n", args...)
	}

	fmt.Printf("\n🧠 Model configuration:\n")
	fmt.Printf("   Architecture: BiLSTM encoder, attention pointer-generator decoder\n")
	fmt.Printf("   Parameters: %d\n", qg.Params().Count())
	fmt.Printf("   Embedding dim: %d, feature dims: %v\n", modelCfg.EmbedDim, qg.Features().Dims())
	fmt.Printf("   Hidden: %d x %d layers\n", modelCfg.Hidden, modelCfg.Layers)

	vocabPath := filepath.Join(config.Out, "vocab.json")
	if err := corpus.SaveVocabs(vocabPath, vocabs); err != nil {
		log.Fatalf("Error saving vocabulary: %v", err)
	}
	fmt.Printf("📝 Vocabulary saved to: %s\n", vocabPath)

	manifestPath := filepath.Join(config.Out, "manifest.json")
	manifest := Manifest{
		TrainPath:    config.Train,
		TrainHash:    trainHash,
		ValidPath:    config.Valid,
		VectorsPath:  config.Vectors,
		VectorsFound: found,
		BatchSize:    config.Batch,
		Seed:         config.Seed,
		Model:        modelCfg,
		Train:        trainCfg,
		Parameters:   qg.Params().Count(),
		TrainedAt:    time.Now(),
		BuildVersion: "dev",
	}
	if err := saveJSON(manifestPath, manifest); err != nil {
		log.Fatalf("Error saving manifest: %v", err)
	}
	fmt.Printf("📋 Manifest saved to: %s\n", manifestPath)

	trainer := train.NewTrainer(qg, trainCfg)
	if config.Resume != "" {
		ck, err := train.LoadCheckpoint(config.Resume)
		if err != nil {
			log.Fatalf("Error loading checkpoint: %v", err)
		}
		if err := trainer.Resume(ck); err != nil {
			log.Fatalf("Error resuming: %v", err)
		}
		fmt.Printf("⏩ Resumed from epoch %d\n", ck.Epoch)
	}

	trainIter := corpus.NewIterator(trainSet, vocabs, corpus.IteratorConfig{
		BatchSize: config.Batch,
		Train:     true,
		Seed:      config.Seed,
	})
	validIter := corpus.NewIterator(validSet, vocabs, corpus.IteratorConfig{BatchSize: config.Batch})

	fmt.Printf("\n🏋️  Training for %d epochs (%d batches each)...\n", config.Epochs, trainIter.Len())
	res, err := trainer.Run(trainIter, validIter)
	if err != nil {
		log.Fatalf("Error training: %v", err)
	}

	fmt.Printf("\n✅ Training complete!\n")
	fmt.Printf("   Best epoch: %d\n", res.BestEpoch)
	fmt.Printf("   Best validation loss: %.4f\n", res.BestLoss)
	fmt.Printf("   Best perplexity: %.2f\n", math.Exp(res.BestLoss))
	fmt.Printf("💾 Best model saved to: %s\n", filepath.Join(config.Out, "best_model.gob"))
	fmt.Printf("📊 Metrics saved to: %s\n", filepath.Join(config.Out, "metrics.json"))

	fmt.Printf("\n🚀 Generate questions with:\n")
	fmt.Printf("   ./qgnet generate --model %s < sentences.txt\n", config.Out)
}
