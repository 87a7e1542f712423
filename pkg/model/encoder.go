package model

import (
	"fmt"
	"math"

	G "gorgonia.org/gorgonia"
)

// Encoder is a stacked bidirectional LSTM over the word embedding
// concatenated with the four feature embeddings of every token.
type Encoder struct {
	cfg   Config
	words *Embedding
	feats *FeatureBank

	fwd, bwd []*lstmCell

	hiddenW, hiddenB *Param
	cellW, cellB     *Param
}

func newEncoder(ps *Params, cfg Config, words *Embedding, feats *FeatureBank) *Encoder {
	e := &Encoder{cfg: cfg, words: words, feats: feats}
	in := e.InputSize()
	for l := 0; l < cfg.Layers; l++ {
		e.fwd = append(e.fwd, newLSTMCell(ps, fmt.Sprintf("encoder.l%d.fwd", l), in, cfg.Hidden))
		e.bwd = append(e.bwd, newLSTMCell(ps, fmt.Sprintf("encoder.l%d.bwd", l), in, cfg.Hidden))
		in = 2 * cfg.Hidden
	}
	k := 1 / math.Sqrt(float64(2*cfg.Hidden))
	e.hiddenW = ps.add("encoder.hidden_reduce.W", 2*cfg.Hidden, cfg.Hidden, ps.uniform(-k, k))
	e.hiddenB = ps.add("encoder.hidden_reduce.b", 1, cfg.Hidden, ps.uniform(-k, k))
	e.cellW = ps.add("encoder.cell_reduce.W", 2*cfg.Hidden, cfg.Hidden, ps.uniform(-k, k))
	e.cellB = ps.add("encoder.cell_reduce.b", 1, cfg.Hidden, ps.uniform(-k, k))
	return e
}

// InputSize is the per-token width fed to the first layer.
func (e *Encoder) InputSize() int { return e.words.Dim() + e.feats.Width() }

// encoded is the symbolic encoder result: outputs[t] is (B x 2H), h[l] and
// c[l] are the reduced (B x H) initial states for decoder layer l.
type encoded struct {
	outputs []*G.Node
	h, c    []*G.Node
}

// embedInputs returns one (B x InputSize) node per source step.
func (e *Encoder) embedInputs(gr *graph, src [][]int, feats [NumFeatures][][]int) []*G.Node {
	steps, n := len(src), len(src[0])
	streams := []*G.Node{e.words.lookup(gr, flatten(src))}
	for k, table := range e.feats.tables {
		streams = append(streams, table.lookup(gr, flatten(feats[k])))
	}
	inputs := make([]*G.Node, steps)
	for t := range inputs {
		parts := make([]*G.Node, len(streams))
		for i, s := range streams {
			parts[i] = gr.selectRows(s, t*n, n, steps*n)
		}
		inputs[t] = gr.hcat(parts...)
	}
	return inputs
}

func (e *Encoder) build(gr *graph, src [][]int, feats [NumFeatures][][]int, lengths []int) *encoded {
	steps, n, hidden := len(src), len(lengths), e.cfg.Hidden
	inputs := e.embedInputs(gr, src, feats)
	masks := lengthMasks(gr, lengths, steps, hidden)
	zero := gr.fill("zero_state", n, hidden, 0)

	out := &encoded{}
	for l := 0; l < e.cfg.Layers; l++ {
		fOut, fh, fc := e.fwd[l].scan(gr, inputs, masks, zero, zero, false)
		bOut, bh, bc := e.bwd[l].scan(gr, inputs, masks, zero, zero, true)

		outputs := make([]*G.Node, steps)
		for t := range outputs {
			outputs[t] = gr.hcat(fOut[t], bOut[t])
		}
		out.h = append(out.h, gr.linear(gr.hcat(fh, bh), e.hiddenW, e.hiddenB))
		out.c = append(out.c, gr.linear(gr.hcat(fc, bc), e.cellW, e.cellB))
		out.outputs = outputs

		if l < e.cfg.Layers-1 {
			next := make([]*G.Node, steps)
			for t, o := range outputs {
				next[t] = gr.dropout(o, e.cfg.EncoderDropout)
			}
			inputs = next
		}
	}
	return out
}

// EncoderOutput holds encoder values. Outputs is [T][B*2H], Hidden and Cell
// are [L][B*H], all row-major per step.
type EncoderOutput struct {
	Outputs [][]float64
	Hidden  [][]float64
	Cell    [][]float64
	Batch   int
	Width   int
}

// Steps is the time dimension of Outputs.
func (o *EncoderOutput) Steps() int { return len(o.Outputs) }
