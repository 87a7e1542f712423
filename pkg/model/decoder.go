package model

import (
	"fmt"
	"math"

	G "gorgonia.org/gorgonia"
)

// Decoder is a stacked LSTM with additive attention over the encoder outputs
// and a pointer-generator output layer.
type Decoder struct {
	cfg   Config
	words *Embedding
	cells []*lstmCell

	// attention: v · tanh(enc·Wh + s·Ws + b)
	attnWh, attnWs, attnV, attnB *Param

	outW, outB   *Param // [s; context] -> vocabulary field
	gateW, gateB *Param // s -> generate/copy gate
}

func newDecoder(ps *Params, cfg Config, words *Embedding) *Decoder {
	d := &Decoder{cfg: cfg, words: words}
	in := words.Dim()
	for l := 0; l < cfg.Layers; l++ {
		d.cells = append(d.cells, newLSTMCell(ps, fmt.Sprintf("decoder.l%d", l), in, cfg.Hidden))
		in = cfg.Hidden
	}
	h := cfg.Hidden
	d.attnWh = ps.add("decoder.attn.W_h", 2*h, h, ps.gaussian(0, 1))
	d.attnWs = ps.add("decoder.attn.W_s", h, h, ps.gaussian(0, 1))
	d.attnV = ps.add("decoder.attn.v", h, 1, ps.gaussian(0, 1))
	d.attnB = ps.add("decoder.attn.b", 1, h, ps.gaussian(0, 1))

	k := 1 / math.Sqrt(float64(3*h))
	d.outW = ps.add("decoder.out.W", 3*h, cfg.VocabSize, ps.uniform(-k, k))
	d.outB = ps.add("decoder.out.b", 1, cfg.VocabSize, ps.uniform(-k, k))
	k = 1 / math.Sqrt(float64(h))
	d.gateW = ps.add("decoder.gate.W", h, 1, ps.uniform(-k, k))
	d.gateB = ps.add("decoder.gate.b", 1, 1, ps.uniform(-k, k))
	return d
}

// memory is everything a decoder step reads from the encoded source.
type memory struct {
	enc   []*G.Node // [T] (B x 2H)
	proj  []*G.Node // [T] (B x H), enc·W_h
	slots []*G.Node // [T] (B x V), one-hot of the source id at step t
	batch int
}

func (d *Decoder) memory(gr *graph, enc []*G.Node, src [][]int) *memory {
	m := &memory{enc: enc, batch: len(src[0])}
	for t, e := range enc {
		m.proj = append(m.proj, G.Must(G.Mul(e, gr.param(d.attnWh))))
		m.slots = append(m.slots, gr.oneHot("copy_slots", src[t], d.cfg.VocabSize, -1))
	}
	return m
}

// decoderState is the per-layer recurrent state.
type decoderState struct {
	h, c []*G.Node
}

type stepOutput struct {
	dist  *G.Node // (B x V), rows sum to 1
	gate  *G.Node // (B x 1)
	attn  *G.Node // (B x T)
	state decoderState
}

// step runs one decoding step for the embedded previous tokens x (B x E).
func (d *Decoder) step(gr *graph, x *G.Node, mem *memory, st decoderState) stepOutput {
	next := decoderState{h: make([]*G.Node, len(d.cells)), c: make([]*G.Node, len(d.cells))}
	in := x
	for l, cell := range d.cells {
		next.h[l], next.c[l] = cell.step(gr, in, st.h[l], st.c[l])
		in = next.h[l]
	}
	s := gr.dropout(in, d.cfg.DecoderDropout)

	attn, cols := d.attend(gr, s, mem)

	ctxTerms := make([]*G.Node, len(mem.enc))
	copyTerms := make([]*G.Node, len(mem.enc))
	for t, e := range mem.enc {
		ctxTerms[t] = gr.scaleRows(e, cols[t])
		copyTerms[t] = gr.scaleRows(mem.slots[t], cols[t])
	}
	context := sum(ctxTerms)
	copied := sum(copyTerms)

	// the SELU field is normalized so the blended rows stay distributions
	field := selu(gr.linear(gr.hcat(s, context), d.outW, d.outB))
	vocab := G.Must(G.SoftMax(field))

	gate := G.Must(G.Sigmoid(gr.linear(s, d.gateW, d.gateB)))
	rest := G.Must(G.Sub(gr.fill("ones", mem.batch, 1, 1), gate))

	dist := G.Must(G.Add(gr.scaleRows(vocab, gate), gr.scaleRows(copied, rest)))
	return stepOutput{dist: dist, gate: gate, attn: attn, state: next}
}

// attend returns the (B x T) attention distribution over encoder positions
// and its columns as (B x 1) nodes.
func (d *Decoder) attend(gr *graph, s *G.Node, mem *memory) (*G.Node, []*G.Node) {
	steps := len(mem.enc)
	if steps == 1 {
		one := gr.fill("attn_single", mem.batch, 1, 1)
		return one, []*G.Node{one}
	}
	query := G.Must(G.Mul(s, gr.param(d.attnWs)))
	// each (B x 1) score is placed in column t by an outer product with a
	// one-hot row, so no gradient has to be sliced back to width 1
	scores := make([]*G.Node, steps)
	for t, p := range mem.proj {
		pre := gr.addRow(G.Must(G.Add(p, query)), gr.param(d.attnB))
		score := G.Must(G.Mul(G.Must(G.Tanh(pre)), gr.param(d.attnV)))
		scores[t] = G.Must(G.Mul(score, gr.unitRow(t, steps)))
	}
	attn := G.Must(G.SoftMax(sum(scores)))
	cols := make([]*G.Node, steps)
	for t := range cols {
		cols[t] = gr.selectCol(attn, t, steps)
	}
	return attn, cols
}
