package corpus

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	"qgnet/pkg/model"
)

// Example is one tokenized row of a staged file.
type Example struct {
	Src   []string
	Feats [model.NumFeatures][]string
	Trg   []string
}

// Tokenize splits on single spaces. Consecutive spaces yield empty tokens
// and an empty string yields one empty token.
func Tokenize(text string) []string {
	return strings.Split(text, " ")
}

// ReadTSV parses a staged file. Source and question are lowercased,
// features are kept as written.
func ReadTSV(r io.Reader) ([]Example, error) {
	cr := csv.NewReader(r)
	cr.Comma = '\t'
	cr.FieldsPerRecord = len(Header)
	cr.LazyQuotes = true

	if _, err := cr.Read(); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("corpus: read header: %w", err)
	}
	var out []Example
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("corpus: row %d: %w", len(out)+1, err)
		}
		ex := Example{
			Src: Tokenize(strings.ToLower(rec[0])),
			Trg: Tokenize(strings.ToLower(rec[len(rec)-1])),
		}
		for k := range ex.Feats {
			ex.Feats[k] = Tokenize(rec[1+k])
		}
		out = append(out, ex)
	}
	return out, nil
}

// ParseRaw turns one raw corpus line (tokens carrying FeatureSep-joined
// features) into an Example without a question, tokenized like ReadTSV.
func ParseRaw(line string) Example {
	sent, feats := SplitFeatures(line)
	ex := Example{Src: Tokenize(strings.ToLower(sent))}
	for k, f := range feats {
		ex.Feats[k] = Tokenize(f)
	}
	return ex
}

func ReadTSVFile(path string) ([]Example, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("corpus: %w", err)
	}
	defer f.Close()
	return ReadTSV(f)
}
