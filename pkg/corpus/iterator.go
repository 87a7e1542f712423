package corpus

import (
	"math/rand"
	"sort"

	"qgnet/pkg/model"
)

// IteratorConfig controls batching of one split.
type IteratorConfig struct {
	BatchSize int
	Train     bool  // shuffle pools and batch order on every pass
	Seed      int64 // shuffling seed, used when Train is set
}

// poolFactor is how many batches worth of examples are sorted together
// before a training pass is cut into batches.
const poolFactor = 100

type encodedExample struct {
	src   []int
	feats [model.NumFeatures][]int
	trg   []int
}

// Iterator cuts examples into time-major batches of similar source length.
// It implements train.Source.
type Iterator struct {
	cfg      IteratorConfig
	examples []encodedExample
	pads     struct {
		word int
		feat [model.NumFeatures]int
	}
	rng *rand.Rand
}

// NewIterator encodes examples with vs. Sequences are wrapped in SOS/EOS and
// feature streams in FeatureMarker.
func NewIterator(examples []Example, vs *Vocabs, cfg IteratorConfig) *Iterator {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	it := &Iterator{cfg: cfg, rng: rand.New(rand.NewSource(cfg.Seed))}
	it.pads.word = vs.Words.ID(PAD)
	for k, f := range vs.Feats {
		it.pads.feat[k] = f.ID(PAD)
	}
	for _, ex := range examples {
		enc := encodedExample{
			src: vs.Words.Encode(wrap(ex.Src, SOS, EOS)),
			trg: vs.Words.Encode(wrap(ex.Trg, SOS, EOS)),
		}
		for k, f := range vs.Feats {
			enc.feats[k] = f.Encode(wrap(ex.Feats[k], FeatureMarker, FeatureMarker))
		}
		it.examples = append(it.examples, enc)
	}
	return it
}

func wrap(toks []string, first, last string) []string {
	out := make([]string, 0, len(toks)+2)
	out = append(out, first)
	out = append(out, toks...)
	return append(out, last)
}

// Len is the number of batches in one pass.
func (it *Iterator) Len() int {
	return (len(it.examples) + it.cfg.BatchSize - 1) / it.cfg.BatchSize
}

// Batches returns one pass over the split. Evaluation passes are ordered by
// source length. Training passes shuffle the examples, sort them by source
// length within pools of poolFactor batches and shuffle the batches of each
// pool. Examples inside a batch are always ordered by descending source
// length.
func (it *Iterator) Batches() []*model.Batch {
	order := make([]int, len(it.examples))
	for i := range order {
		order[i] = i
	}
	bySrcLen := func(idx []int) {
		sort.SliceStable(idx, func(a, b int) bool {
			return len(it.examples[idx[a]].src) < len(it.examples[idx[b]].src)
		})
	}

	var groups [][]int
	if !it.cfg.Train {
		bySrcLen(order)
		groups = chunk(order, it.cfg.BatchSize)
	} else {
		it.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		for _, pool := range chunk(order, poolFactor*it.cfg.BatchSize) {
			bySrcLen(pool)
			batches := chunk(pool, it.cfg.BatchSize)
			it.rng.Shuffle(len(batches), func(i, j int) { batches[i], batches[j] = batches[j], batches[i] })
			groups = append(groups, batches...)
		}
	}

	out := make([]*model.Batch, len(groups))
	for i, g := range groups {
		out[i] = it.batch(g)
	}
	return out
}

func chunk(idx []int, size int) [][]int {
	var out [][]int
	for start := 0; start < len(idx); start += size {
		end := start + size
		if end > len(idx) {
			end = len(idx)
		}
		out = append(out, idx[start:end])
	}
	return out
}

// batch pads every stream to its own longest sequence, so a feature stream
// that is shorter than its source shows up as a shape mismatch.
func (it *Iterator) batch(idx []int) *model.Batch {
	members := make([]encodedExample, len(idx))
	for i, j := range idx {
		members[i] = it.examples[j]
	}
	sort.SliceStable(members, func(a, b int) bool {
		return len(members[a].src) > len(members[b].src)
	})

	b := &model.Batch{
		SrcLen: make([]int, len(members)),
		TrgLen: make([]int, len(members)),
	}
	src := make([][]int, len(members))
	trg := make([][]int, len(members))
	var feats [model.NumFeatures][][]int
	for i, ex := range members {
		src[i], trg[i] = ex.src, ex.trg
		b.SrcLen[i], b.TrgLen[i] = len(ex.src), len(ex.trg)
		for k := range feats {
			feats[k] = append(feats[k], ex.feats[k])
		}
	}
	b.Src = timeMajor(src, it.pads.word)
	b.Trg = timeMajor(trg, it.pads.word)
	for k := range feats {
		b.Feats[k] = timeMajor(feats[k], it.pads.feat[k])
	}
	return b
}

// timeMajor transposes seqs into [T][B] padded with pad.
func timeMajor(seqs [][]int, pad int) [][]int {
	steps := 0
	for _, s := range seqs {
		if len(s) > steps {
			steps = len(s)
		}
	}
	out := make([][]int, steps)
	for t := range out {
		row := make([]int, len(seqs))
		for b, s := range seqs {
			if t < len(s) {
				row[b] = s[t]
			} else {
				row[b] = pad
			}
		}
		out[t] = row
	}
	return out
}
