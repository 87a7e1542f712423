package corpus

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"qgnet/pkg/model"
)

// Reserved tokens. Word vocabularies start with UNK, PAD, SOS, EOS; feature
// vocabularies with UNK, PAD, FeatureMarker.
const (
	UNK           = "<unk>"
	PAD           = "<pad>"
	SOS           = "<sos>"
	EOS           = "<eos>"
	FeatureMarker = "-"
)

var (
	wordSpecials    = []string{UNK, PAD, SOS, EOS}
	featureSpecials = []string{UNK, PAD, FeatureMarker}
)

// Vocab maps tokens to ids and back. It is not modified after construction.
type Vocab struct {
	tokens []string
	ids    map[string]int
}

// NewVocab puts specials first, then every counted token by descending
// frequency with ties broken lexicographically.
func NewVocab(specials []string, counts map[string]int) *Vocab {
	v := &Vocab{ids: make(map[string]int, len(specials)+len(counts))}
	for _, s := range specials {
		v.add(s)
	}

	type kv struct {
		k string
		n int
	}
	arr := make([]kv, 0, len(counts))
	for k, n := range counts {
		if _, special := v.ids[k]; special {
			continue
		}
		arr = append(arr, kv{k, n})
	}
	sort.Slice(arr, func(i, j int) bool {
		if arr[i].n == arr[j].n {
			return arr[i].k < arr[j].k
		}
		return arr[i].n > arr[j].n
	})
	for _, p := range arr {
		v.add(p.k)
	}
	return v
}

func (v *Vocab) add(tok string) {
	if _, ok := v.ids[tok]; ok {
		return
	}
	v.ids[tok] = len(v.tokens)
	v.tokens = append(v.tokens, tok)
}

// BuildVocab counts tokens over every stream and builds a word vocabulary.
func BuildVocab(streams ...[][]string) *Vocab {
	return NewVocab(wordSpecials, count(streams...))
}

// BuildFeatureVocab builds the vocabulary of one feature channel.
func BuildFeatureVocab(stream [][]string) *Vocab {
	return NewVocab(featureSpecials, count(stream))
}

func count(streams ...[][]string) map[string]int {
	counts := make(map[string]int)
	for _, s := range streams {
		for _, seq := range s {
			for _, tok := range seq {
				counts[tok]++
			}
		}
	}
	return counts
}

func (v *Vocab) Len() int { return len(v.tokens) }

// ID returns the id of tok, or the UNK id when tok is unknown.
func (v *Vocab) ID(tok string) int {
	if id, ok := v.ids[tok]; ok {
		return id
	}
	return v.ids[UNK]
}

// Token returns the token for id, or UNK when id is out of range.
func (v *Vocab) Token(id int) string {
	if id < 0 || id >= len(v.tokens) {
		return UNK
	}
	return v.tokens[id]
}

func (v *Vocab) Encode(toks []string) []int {
	ids := make([]int, len(toks))
	for i, t := range toks {
		ids[i] = v.ID(t)
	}
	return ids
}

// Decode maps ids back to tokens, dropping SOS and PAD and stopping at the
// first EOS.
func (v *Vocab) Decode(ids []int) []string {
	var out []string
	for _, id := range ids {
		tok := v.Token(id)
		if tok == EOS {
			break
		}
		if tok == SOS || tok == PAD {
			continue
		}
		out = append(out, tok)
	}
	return out
}

func (v *Vocab) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.tokens)
}

func (v *Vocab) UnmarshalJSON(data []byte) error {
	var tokens []string
	if err := json.Unmarshal(data, &tokens); err != nil {
		return err
	}
	v.tokens = nil
	v.ids = make(map[string]int, len(tokens))
	for _, t := range tokens {
		if _, dup := v.ids[t]; dup {
			return fmt.Errorf("corpus: duplicate token %q in vocabulary", t)
		}
		v.add(t)
	}
	return nil
}

// Vocabs is the shared source/target vocabulary plus one vocabulary per
// feature channel.
type Vocabs struct {
	Words *Vocab                    `json:"words"`
	Feats [model.NumFeatures]*Vocab `json:"feats"`
}

// BuildVocabs builds the word vocabulary over sources and questions and the
// feature vocabularies over their own streams.
func BuildVocabs(examples []Example) *Vocabs {
	src := make([][]string, len(examples))
	trg := make([][]string, len(examples))
	var feats [model.NumFeatures][][]string
	for i, ex := range examples {
		src[i], trg[i] = ex.Src, ex.Trg
		for k := range feats {
			feats[k] = append(feats[k], ex.Feats[k])
		}
	}
	vs := &Vocabs{Words: BuildVocab(src, trg)}
	for k := range vs.Feats {
		vs.Feats[k] = BuildFeatureVocab(feats[k])
	}
	return vs
}

// Apply copies the vocabulary sizes and reserved ids into cfg.
func (vs *Vocabs) Apply(cfg *model.Config) {
	cfg.VocabSize = vs.Words.Len()
	cfg.UnkID = vs.Words.ID(UNK)
	cfg.PadID = vs.Words.ID(PAD)
	cfg.SOSID = vs.Words.ID(SOS)
	cfg.EOSID = vs.Words.ID(EOS)
	for k, f := range vs.Feats {
		cfg.FeatureVocabSizes[k] = f.Len()
		cfg.FeaturePadIDs[k] = f.ID(PAD)
	}
}

func SaveVocabs(path string, vs *Vocabs) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("corpus: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("corpus: close %s: %w", path, cerr)
		}
	}()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(vs)
}

func LoadVocabs(path string) (*Vocabs, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("corpus: %w", err)
	}
	defer f.Close()
	var vs Vocabs
	if err := json.NewDecoder(f).Decode(&vs); err != nil {
		return nil, fmt.Errorf("corpus: decode %s: %w", path, err)
	}
	if vs.Words == nil {
		return nil, fmt.Errorf("corpus: %s has no word vocabulary", path)
	}
	for k, fv := range vs.Feats {
		if fv == nil {
			return nil, fmt.Errorf("corpus: %s has no vocabulary for feature %d", path, k)
		}
	}
	return &vs, nil
}
