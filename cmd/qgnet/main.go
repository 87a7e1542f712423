package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	switch command {
	case "stage":
		runStage(os.Args[2:])
	case "train":
		runTrain(os.Args[2:])
	case "generate":
		runGenerate(os.Args[2:])
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("QGNet - Feature-Rich Pointer-Generator Question Generation")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  qgnet stage --root DIR [options]")
	fmt.Println("  qgnet train --train FILE --valid FILE --out DIR [options]")
	fmt.Println("  qgnet generate --model DIR [options] < sentences")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  stage     Convert the raw feature-annotated corpus to TSV")
	fmt.Println("  train     Train a model on staged TSV files")
	fmt.Println("  generate  Generate questions for feature-annotated sentences")
}
