package model

import (
	"fmt"

	G "gorgonia.org/gorgonia"
)

// Embedding is a lookup table whose padding row is the zero vector and never
// receives gradient.
type Embedding struct {
	table *Param
	vocab int
	dim   int
	pad   int
}

func newEmbedding(ps *Params, name string, vocab, dim, pad int) *Embedding {
	e := &Embedding{
		table: ps.add(name, vocab, dim, ps.gaussian(0, 1)),
		vocab: vocab,
		dim:   dim,
		pad:   pad,
	}
	e.zeroRow(e.table.Data)
	return e
}

// Dim is the vector width.
func (e *Embedding) Dim() int { return e.dim }

func (e *Embedding) zeroRow(buf []float64) {
	row := buf[e.pad*e.dim : (e.pad+1)*e.dim]
	for i := range row {
		row[i] = 0
	}
}

// lookup embeds ids as a (len(ids) x dim) node: a one-hot gather against the
// table, so the whole stream shares one gradient buffer.
func (e *Embedding) lookup(gr *graph, ids []int) *G.Node {
	for _, id := range ids {
		if id < 0 || id >= e.vocab {
			panic(fmt.Sprintf("id %d outside %s of %d rows", id, e.table.Name, e.vocab))
		}
	}
	hot := gr.oneHot("gather", ids, e.vocab, -1)
	return G.Must(G.Mul(hot, gr.param(e.table)))
}

// Load copies pretrained rows into the table. vectors[i] is the vector for id
// i; nil rows keep their random initialization. The padding row stays zero.
// It returns the number of rows copied.
func (e *Embedding) Load(vectors [][]float64) (int, error) {
	if len(vectors) > e.vocab {
		return 0, fmt.Errorf("model: %d pretrained rows for a vocabulary of %d", len(vectors), e.vocab)
	}
	n := 0
	for id, v := range vectors {
		if v == nil || id == e.pad {
			continue
		}
		if len(v) != e.dim {
			return n, fmt.Errorf("model: pretrained vector %d has dim %d, want %d", id, len(v), e.dim)
		}
		copy(e.table.Data[id*e.dim:(id+1)*e.dim], v)
		n++
	}
	return n, nil
}

// FeatureBank holds one small embedding table per feature channel.
type FeatureBank struct {
	tables [NumFeatures]*Embedding
}

func newFeatureBank(ps *Params, sizes, pads [NumFeatures]int) *FeatureBank {
	fb := &FeatureBank{}
	for k := range fb.tables {
		fb.tables[k] = newEmbedding(ps, fmt.Sprintf("feat%d.embed", k), sizes[k], FeatureDim(sizes[k]), pads[k])
	}
	return fb
}

// Dims returns the output width of every channel.
func (fb *FeatureBank) Dims() [NumFeatures]int {
	var d [NumFeatures]int
	for k, t := range fb.tables {
		d[k] = t.dim
	}
	return d
}

// Width is the summed output width of all channels.
func (fb *FeatureBank) Width() int {
	w := 0
	for _, t := range fb.tables {
		w += t.dim
	}
	return w
}
