package corpus

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"qgnet/pkg/model"
)

// FeatureSep separates a token from its features in the raw corpus, e.g.
// "paris￨NNP￨LOCATION￨O￨B".
const FeatureSep = "￨"

// Header is the first row of a staged TSV file.
var Header = []string{"src", "feat_0", "feat_1", "feat_2", "feat_3", "trg"}

// RawPaths returns the raw source and question files of a split under root.
func RawPaths(root, split string) (src, trg string) {
	dir := filepath.Join(root, "data", split)
	return filepath.Join(dir, "squad.corenlp.filtered.contents.features.1sent.txt"),
		filepath.Join(dir, "squad.corenlp.filtered.questions.txt")
}

// SplitFeatures separates a raw source line into the sentence and one
// space-joined string per feature channel. Tokens carrying fewer features
// leave the missing channels short; extra features are dropped.
func SplitFeatures(line string) (string, [model.NumFeatures]string) {
	var (
		words []string
		feats [model.NumFeatures][]string
	)
	for _, tok := range strings.Fields(line) {
		parts := strings.Split(tok, FeatureSep)
		words = append(words, parts[0])
		for i, f := range parts[1:] {
			if i >= model.NumFeatures {
				break
			}
			feats[i] = append(feats[i], f)
		}
	}
	var out [model.NumFeatures]string
	for i, f := range feats {
		out[i] = strings.Join(f, " ")
	}
	return strings.Join(words, " "), out
}

// Stage pairs source and question lines and writes them as TSV with Header.
// Pairing stops at the shorter input. It returns the number of rows written.
func Stage(src, trg io.Reader, out io.Writer) (int, error) {
	srcLines := newLineScanner(src)
	trgLines := newLineScanner(trg)
	w := csv.NewWriter(out)
	w.Comma = '\t'
	if err := w.Write(Header); err != nil {
		return 0, err
	}

	rows := 0
	for srcLines.Scan() && trgLines.Scan() {
		sent, feats := SplitFeatures(srcLines.Text())
		record := append([]string{sent}, feats[:]...)
		record = append(record, strings.TrimRight(trgLines.Text(), "\r"))
		if err := w.Write(record); err != nil {
			return rows, err
		}
		rows++
	}
	if err := srcLines.Err(); err != nil {
		return rows, fmt.Errorf("corpus: read source: %w", err)
	}
	if err := trgLines.Err(); err != nil {
		return rows, fmt.Errorf("corpus: read questions: %w", err)
	}
	w.Flush()
	return rows, w.Error()
}

// StageFiles stages one split from its raw files into outPath.
func StageFiles(root, split, outPath string) (rows int, err error) {
	srcPath, trgPath := RawPaths(root, split)
	src, err := os.Open(srcPath)
	if err != nil {
		return 0, fmt.Errorf("corpus: %w", err)
	}
	defer src.Close()
	trg, err := os.Open(trgPath)
	if err != nil {
		return 0, fmt.Errorf("corpus: %w", err)
	}
	defer trg.Close()

	out, err := os.Create(outPath)
	if err != nil {
		return 0, fmt.Errorf("corpus: %w", err)
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("corpus: close %s: %w", outPath, cerr)
		}
	}()
	return Stage(src, trg, out)
}

func newLineScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 1<<24)
	return s
}
