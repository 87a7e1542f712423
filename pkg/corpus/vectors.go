package corpus

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// LoadVectors reads pretrained vectors in GloVe text format ("token v1 ...
// vD" per line) and keeps those of tokens in v. The result is indexed by
// vocabulary id, with nil rows for tokens that have no vector. It also
// returns the vector width and the number of tokens found.
func LoadVectors(r io.Reader, v *Vocab) (vectors [][]float64, dim, found int, err error) {
	vectors = make([][]float64, v.Len())
	s := newLineScanner(r)
	line := 0
	for s.Scan() {
		line++
		fields := strings.Split(strings.TrimRight(s.Text(), " \r"), " ")
		if len(fields) < 2 {
			continue
		}
		id, ok := v.ids[fields[0]]
		if !ok {
			continue
		}
		if dim == 0 {
			dim = len(fields) - 1
		}
		if len(fields)-1 != dim {
			return nil, 0, 0, fmt.Errorf("corpus: vectors line %d: expected %d values, got %d", line, dim, len(fields)-1)
		}
		if vectors[id] != nil {
			continue
		}
		vec := make([]float64, dim)
		for i, f := range fields[1:] {
			if vec[i], err = strconv.ParseFloat(f, 64); err != nil {
				return nil, 0, 0, fmt.Errorf("corpus: vectors line %d: %w", line, err)
			}
		}
		vectors[id] = vec
		found++
	}
	if err := s.Err(); err != nil {
		return nil, 0, 0, fmt.Errorf("corpus: read vectors: %w", err)
	}
	return vectors, dim, found, nil
}

func LoadVectorsFile(path string, v *Vocab) ([][]float64, int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("corpus: %w", err)
	}
	defer f.Close()
	return LoadVectors(f, v)
}
