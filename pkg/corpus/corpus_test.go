package corpus

import (
	"bytes"
	"errors"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"qgnet/pkg/model"
)

const rawSource = "Paris￨NNP￨LOCATION￨O￨B is￨VBZ￨O￨O￨O big￨JJ￨O￨O￨O\n" +
	"It￨PRP￨O￨O￨O rains￨VBZ￨O￨O￨O\n"

const rawQuestions = "What is big ?\nDoes it rain ?\n"

func stagedExamples(t *testing.T) []Example {
	t.Helper()
	var buf bytes.Buffer
	if _, err := Stage(strings.NewReader(rawSource), strings.NewReader(rawQuestions), &buf); err != nil {
		t.Fatalf("Stage: %v", err)
	}
	examples, err := ReadTSV(&buf)
	if err != nil {
		t.Fatalf("ReadTSV: %v", err)
	}
	return examples
}

func TestSplitFeatures(t *testing.T) {
	sent, feats := SplitFeatures("Paris￨NNP￨LOCATION￨O￨B is￨VBZ￨O￨O￨O")
	if sent != "Paris is" {
		t.Errorf("expected sentence %q, got %q", "Paris is", sent)
	}
	want := [model.NumFeatures]string{"NNP VBZ", "LOCATION O", "O O", "B O"}
	if feats != want {
		t.Errorf("expected features %q, got %q", want, feats)
	}

	_, feats = SplitFeatures("a￨X b")
	if feats[0] != "X" || feats[1] != "" {
		t.Errorf("expected missing features to stay short, got %q", feats)
	}
}

func TestStageAndReadTSV(t *testing.T) {
	var buf bytes.Buffer
	rows, err := Stage(strings.NewReader(rawSource), strings.NewReader(rawQuestions), &buf)
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if rows != 2 {
		t.Errorf("expected 2 rows, got %d", rows)
	}
	if !strings.HasPrefix(buf.String(), "src\tfeat_0\tfeat_1\tfeat_2\tfeat_3\ttrg\n") {
		t.Errorf("unexpected header in %q", buf.String())
	}

	examples, err := ReadTSV(&buf)
	if err != nil {
		t.Fatalf("ReadTSV: %v", err)
	}
	if len(examples) != 2 {
		t.Fatalf("expected 2 examples, got %d", len(examples))
	}
	ex := examples[0]
	if !reflect.DeepEqual(ex.Src, []string{"paris", "is", "big"}) {
		t.Errorf("expected lowercased source, got %q", ex.Src)
	}
	if !reflect.DeepEqual(ex.Trg, []string{"what", "is", "big", "?"}) {
		t.Errorf("expected question without trailing newline, got %q", ex.Trg)
	}
	if !reflect.DeepEqual(ex.Feats[1], []string{"LOCATION", "O", "O"}) {
		t.Errorf("expected features kept as written, got %q", ex.Feats[1])
	}
}

func TestStageStopsAtShorterInput(t *testing.T) {
	var buf bytes.Buffer
	rows, err := Stage(strings.NewReader(rawSource), strings.NewReader("Only one ?\n"), &buf)
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if rows != 1 {
		t.Errorf("expected 1 row, got %d", rows)
	}
}

func TestVocabOrdering(t *testing.T) {
	v := BuildVocab([][]string{{"b", "a", "c"}, {"a", "c"}}, [][]string{{"a", "<pad>"}})
	want := []string{UNK, PAD, SOS, EOS, "a", "c", "b"}
	if v.Len() != len(want) {
		t.Fatalf("expected %d tokens, got %d", len(want), v.Len())
	}
	for id, tok := range want {
		if got := v.Token(id); got != tok {
			t.Errorf("id %d: expected %q, got %q", id, tok, got)
		}
	}
	if v.ID("zebra") != 0 {
		t.Errorf("expected unknown token to map to <unk>, got %d", v.ID("zebra"))
	}
	if got := v.Decode([]int{2, 4, 6, 1, 3, 5}); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("expected decode to stop at <eos>, got %q", got)
	}
}

func TestFeatureVocabSpecials(t *testing.T) {
	v := BuildFeatureVocab([][]string{{"O", "NNP", "O"}})
	for id, tok := range []string{UNK, PAD, FeatureMarker, "O", "NNP"} {
		if v.ID(tok) != id {
			t.Errorf("expected %q at %d, got %d", tok, id, v.ID(tok))
		}
	}
}

func TestVocabsRoundTripAndApply(t *testing.T) {
	vs := BuildVocabs(stagedExamples(t))
	path := filepath.Join(t.TempDir(), "vocab.json")
	if err := SaveVocabs(path, vs); err != nil {
		t.Fatalf("SaveVocabs: %v", err)
	}
	loaded, err := LoadVocabs(path)
	if err != nil {
		t.Fatalf("LoadVocabs: %v", err)
	}
	if !reflect.DeepEqual(loaded.Words.tokens, vs.Words.tokens) {
		t.Errorf("expected word vocabulary to survive, got %q", loaded.Words.tokens)
	}

	cfg := model.DefaultConfig()
	loaded.Apply(&cfg)
	if cfg.VocabSize != vs.Words.Len() || cfg.PadID != 1 || cfg.SOSID != 2 || cfg.EOSID != 3 {
		t.Errorf("unexpected config after Apply: %+v", cfg)
	}
	if cfg.FeatureVocabSizes[0] != vs.Feats[0].Len() {
		t.Errorf("expected feature vocab size %d, got %d", vs.Feats[0].Len(), cfg.FeatureVocabSizes[0])
	}
}

func TestLoadVectors(t *testing.T) {
	v := BuildVocab([][]string{{"paris", "is"}})
	glove := "the 0.1 0.2\nparis 1 2\nis -0.5 0.25\n"
	vectors, dim, found, err := LoadVectors(strings.NewReader(glove), v)
	if err != nil {
		t.Fatalf("LoadVectors: %v", err)
	}
	if dim != 2 || found != 2 {
		t.Errorf("expected dim 2 and 2 found, got %d and %d", dim, found)
	}
	if !reflect.DeepEqual(vectors[v.ID("paris")], []float64{1, 2}) {
		t.Errorf("unexpected vector for paris: %v", vectors[v.ID("paris")])
	}
	if vectors[v.ID(PAD)] != nil {
		t.Error("expected no vector for <pad>")
	}

	_, _, _, err = LoadVectors(strings.NewReader("paris 1 2\nis 1\n"), v)
	if err == nil {
		t.Error("expected error for ragged vectors")
	}
}

func TestIteratorBatches(t *testing.T) {
	examples := []Example{
		{Src: []string{"a"}, Trg: []string{"q"}},
		{Src: []string{"a", "b", "c"}, Trg: []string{"q", "r"}},
		{Src: []string{"a", "b"}, Trg: []string{"q", "r", "s"}},
	}
	for i := range examples {
		for k := range examples[i].Feats {
			examples[i].Feats[k] = make([]string, len(examples[i].Src))
			for j := range examples[i].Feats[k] {
				examples[i].Feats[k][j] = "O"
			}
		}
	}
	vs := BuildVocabs(examples)
	it := NewIterator(examples, vs, IteratorConfig{BatchSize: 2})
	if it.Len() != 2 {
		t.Errorf("expected 2 batches, got %d", it.Len())
	}
	batches := it.Batches()
	if len(batches) != 2 {
		t.Fatalf("expected 2 batches, got %d", len(batches))
	}

	// evaluation order is by source length: first batch holds lengths 1 and 2
	b := batches[0]
	if !reflect.DeepEqual(b.SrcLen, []int{4, 3}) {
		t.Errorf("expected descending source lengths [4 3], got %v", b.SrcLen)
	}
	if err := b.Check(); err != nil {
		t.Errorf("expected a well-formed batch, got %v", err)
	}
	if len(b.Src) != 4 || len(b.Trg) != 5 {
		t.Errorf("expected src/trg steps 4 and 5, got %d and %d", len(b.Src), len(b.Trg))
	}
	sos, eos, pad := vs.Words.ID(SOS), vs.Words.ID(EOS), vs.Words.ID(PAD)
	if b.Src[0][0] != sos || b.Src[0][1] != sos || b.Src[3][0] != eos || b.Src[3][1] != pad {
		t.Errorf("unexpected source layout %v", b.Src)
	}
	if b.Feats[2][0][0] != vs.Feats[2].ID(FeatureMarker) {
		t.Errorf("expected feature streams to start with %q", FeatureMarker)
	}
}

func TestIteratorSurfacesShapeMismatch(t *testing.T) {
	ex := Example{
		Src: []string{"a", "b"},
		Trg: []string{"q"},
	}
	ex.Feats = [model.NumFeatures][]string{{"O", "O"}, {"O", "O"}, {"O", "O"}, {""}}
	ex.Feats[0] = nil
	vs := BuildVocabs([]Example{ex})
	b := NewIterator([]Example{ex}, vs, IteratorConfig{BatchSize: 1}).Batches()[0]
	if err := b.Check(); !errors.Is(err, model.ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch, got %v", err)
	}
}

func TestIteratorTrainShufflesDeterministically(t *testing.T) {
	var examples []Example
	for i := 0; i < 40; i++ {
		toks := strings.Fields(strings.Repeat("w ", i%7+1))
		ex := Example{Src: toks, Trg: []string{"q"}}
		for k := range ex.Feats {
			ex.Feats[k] = toks
		}
		examples = append(examples, ex)
	}
	vs := BuildVocabs(examples)
	a := NewIterator(examples, vs, IteratorConfig{BatchSize: 4, Train: true, Seed: 7})
	b := NewIterator(examples, vs, IteratorConfig{BatchSize: 4, Train: true, Seed: 7})
	first, second := a.Batches(), b.Batches()
	if len(first) != 10 {
		t.Fatalf("expected 10 batches, got %d", len(first))
	}
	total := 0
	for i := range first {
		if !reflect.DeepEqual(first[i].SrcLen, second[i].SrcLen) {
			t.Fatalf("batch %d: expected the same seed to give the same order", i)
		}
		for j := 1; j < len(first[i].SrcLen); j++ {
			if first[i].SrcLen[j] > first[i].SrcLen[j-1] {
				t.Errorf("batch %d: expected descending lengths, got %v", i, first[i].SrcLen)
			}
		}
		total += first[i].Size()
	}
	if total != len(examples) {
		t.Errorf("expected every example once, got %d", total)
	}
}

func TestParseRaw(t *testing.T) {
	ex := ParseRaw("Paris￨NNP￨LOCATION￨O￨B is￨VBZ￨O￨O￨O")
	if !reflect.DeepEqual(ex.Src, []string{"paris", "is"}) {
		t.Errorf("unexpected source %q", ex.Src)
	}
	if !reflect.DeepEqual(ex.Feats[3], []string{"B", "O"}) {
		t.Errorf("unexpected features %q", ex.Feats[3])
	}
	if ex.Trg != nil {
		t.Errorf("expected no question, got %q", ex.Trg)
	}
}
