package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"qgnet/pkg/corpus"
)

type StageConfig struct {
	Root   string
	Splits string
	Out    string
}

func runStage(args []string) {
	fs := flag.NewFlagSet("stage", flag.ExitOnError)

	config := StageConfig{}
	fs.StringVar(&config.Root, "root", ".", "Directory containing data/<split>/")
	fs.StringVar(&config.Splits, "splits", "train,dev,test", "Comma-separated splits to stage")
	fs.StringVar(&config.Out, "out", ".", "Output directory for <split>.tsv")

	fs.Parse(args)

	if err := os.MkdirAll(config.Out, 0755); err != nil {
		log.Fatalf("Error creating output directory: %v", err)
	}

	fmt.Printf("📂 Staging corpus from %s\n", config.Root)
	for _, split := range strings.Split(config.Splits, ",") {
		split = strings.TrimSpace(split)
		if split == "" {
			continue
		}
		outPath := filepath.Join(config.Out, split+".tsv")
		rows, err := corpus.StageFiles(config.Root, split, outPath)
		if err != nil {
			log.Fatalf("Error staging %s: %v", split, err)
		}
		fmt.Printf("   %s: %d rows -> %s\n", split, rows, outPath)
	}
}
