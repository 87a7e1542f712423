package model

import (
	"errors"
	"fmt"
	"math"

	G "gorgonia.org/gorgonia"
	"gonum.org/v1/gonum/floats"
)

// QGNet is the feature-rich pointer-generator question generator: a shared
// word embedding, a feature embedding bank, a bidirectional encoder and an
// attention/pointer decoder.
type QGNet struct {
	cfg     Config
	params  *Params
	words   *Embedding
	feats   *FeatureBank
	encoder *Encoder
	decoder *Decoder
}

// New builds a randomly initialized model.
func New(cfg Config) (*QGNet, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	ps := newParams(cfg.Seed)
	m := &QGNet{cfg: cfg, params: ps}
	m.words = newEmbedding(ps, "embed", cfg.VocabSize, cfg.EmbedDim, cfg.PadID)
	m.feats = newFeatureBank(ps, cfg.FeatureVocabSizes, cfg.FeaturePadIDs)
	m.encoder = newEncoder(ps, cfg, m.words, m.feats)
	m.decoder = newDecoder(ps, cfg, m.words)
	return m, nil
}

// Config returns the architecture configuration.
func (m *QGNet) Config() Config { return m.cfg }

// Params returns the trainable parameters.
func (m *QGNet) Params() *Params { return m.params }

// Words returns the shared word embedding.
func (m *QGNet) Words() *Embedding { return m.words }

// Features returns the feature embedding bank.
func (m *QGNet) Features() *FeatureBank { return m.feats }

// Mode selects how the decoder is driven: TeacherForcing or Greedy.
type Mode interface {
	mode()
}

// TeacherForcing feeds the true previous target token at every step.
// Target is time-major and starts with the sos token.
type TeacherForcing struct {
	Target [][]int
}

// Greedy feeds back the argmax of the previous step, starting from sos, for
// exactly MaxLen-1 steps.
type Greedy struct {
	MaxLen int
}

func (TeacherForcing) mode() {}
func (Greedy) mode()         {}

// Pass is the result of one forward computation. Dists[s][b] is the extended
// vocabulary distribution of example b at step s.
type Pass struct {
	Dists [][][]float64
	Gates [][]float64
	Attn  [][][]float64

	// Loss is the mean negative log-likelihood of the non-pad target tokens,
	// set when a target was available.
	Loss    float64
	HasLoss bool
	Tokens  int

	// Clamped counts source ids outside the vocabulary that were mapped to
	// the unknown id before embedding and copying.
	Clamped int
}

// Steps is the number of decoding steps.
func (p *Pass) Steps() int { return len(p.Dists) }

// Argmax returns the most probable id per step and example, time-major.
func (p *Pass) Argmax() [][]int {
	out := make([][]int, len(p.Dists))
	for s, rows := range p.Dists {
		out[s] = make([]int, len(rows))
		for b, row := range rows {
			out[s][b] = floats.MaxIdx(row)
		}
	}
	return out
}

// Forward runs the model without dropout and without gradients. A batch whose
// feature channels disagree with the source yields ErrShapeMismatch.
func (m *QGNet) Forward(b *Batch, mode Mode) (*Pass, error) {
	if err := b.Check(); err != nil {
		return nil, err
	}
	src, clamped := m.sanitize(b.Src)
	var (
		pass *Pass
		err  error
	)
	switch md := mode.(type) {
	case TeacherForcing:
		pass, err = m.teacherForced(b, src, md.Target, false)
	case Greedy:
		pass, err = m.greedy(b, src, md.MaxLen)
	default:
		return nil, fmt.Errorf("model: unknown mode %T", mode)
	}
	if err != nil {
		return nil, err
	}
	pass.Clamped = clamped
	return pass, nil
}

// TrainForward runs a teacher-forced pass on b.Trg with dropout enabled and
// adds the gradient of the loss to every param's gradient buffer. The padding
// rows of the embedding tables receive no gradient.
func (m *QGNet) TrainForward(b *Batch) (*Pass, error) {
	if err := b.Check(); err != nil {
		return nil, err
	}
	if b.Trg == nil {
		return nil, errors.New("model: training batch has no target")
	}
	src, clamped := m.sanitize(b.Src)
	pass, err := m.teacherForced(b, src, b.Trg, true)
	if err != nil {
		return nil, err
	}
	m.words.zeroRow(m.words.table.grad)
	for _, t := range m.feats.tables {
		t.zeroRow(t.table.grad)
	}
	pass.Clamped = clamped
	return pass, nil
}

// Encode runs only the encoder and returns its values.
func (m *QGNet) Encode(b *Batch) (*EncoderOutput, error) {
	if err := b.Check(); err != nil {
		return nil, err
	}
	src, _ := m.sanitize(b.Src)
	return m.encode(b, src)
}

// sanitize maps source ids outside the vocabulary to the unknown id, so that
// both the embedding lookup and the copy scatter stay in range.
func (m *QGNet) sanitize(src [][]int) ([][]int, int) {
	n := 0
	out := make([][]int, len(src))
	for t, row := range src {
		out[t] = make([]int, len(row))
		for b, id := range row {
			if id < 0 || id >= m.cfg.VocabSize {
				id = m.cfg.UnkID
				n++
			}
			out[t][b] = id
		}
	}
	return out, n
}

func (m *QGNet) teacherForced(b *Batch, src, target [][]int, train bool) (pass *Pass, err error) {
	defer catchGraph(&err)
	steps := len(target) - 1
	if steps < 1 {
		return nil, fmt.Errorf("model: target needs at least 2 steps, got %d", len(target))
	}
	n := b.Size()
	for t, row := range target {
		if len(row) != n {
			return nil, fmt.Errorf("model: target step %d has %d columns, batch size is %d", t, len(row), n)
		}
	}

	gr := newGraph(train)
	enc := m.encoder.build(gr, src, b.Feats, b.SrcLen)
	mem := m.decoder.memory(gr, enc.outputs, src)
	inputs := m.words.lookup(gr, flatten(target[:steps]))

	st := decoderState{h: enc.h, c: enc.c}
	dists := make([]*G.Node, steps)
	reads := make([][3]*read, steps)
	for s := 0; s < steps; s++ {
		x := gr.selectRows(inputs, s*n, n, steps*n)
		out := m.decoder.step(gr, x, mem, st)
		dists[s] = out.dist
		reads[s] = [3]*read{gr.watch(out.dist), gr.watch(out.gate), gr.watch(out.attn)}
		st = out.state
	}

	tokens := 0
	for _, id := range flatten(target[1:]) {
		if id != m.cfg.PadID {
			tokens++
		}
	}
	var (
		cost     *G.Node
		costRead *read
	)
	switch {
	case tokens > 0:
		// one scalar per step: stacking the (B x V) steps would be sliced
		// back apart by the gradient, dropping the row axis when B is 1
		terms := make([]*G.Node, steps)
		for s, d := range dists {
			hot := gr.oneHot("gold", target[s+1], m.cfg.VocabSize, m.cfg.PadID)
			terms[s] = G.Must(G.Sum(G.Must(G.HadamardProd(G.Must(G.Log(d)), hot))))
		}
		cost = G.Must(G.Mul(sum(terms), G.NewConstant(-1/float64(tokens))))
		costRead = gr.watch(cost)
	case train:
		return nil, errors.New("model: target has no non-pad tokens")
	}

	if err := gr.run(cost, train); err != nil {
		return nil, err
	}

	pass = &Pass{HasLoss: costRead != nil, Tokens: tokens}
	if costRead != nil {
		if v := costRead.data(); len(v) == 1 {
			pass.Loss = v[0]
		}
	}
	srcSteps := len(src)
	for _, r := range reads {
		pass.Dists = append(pass.Dists, rows(r[0].data(), n, m.cfg.VocabSize))
		pass.Gates = append(pass.Gates, r[1].data())
		pass.Attn = append(pass.Attn, rows(r[2].data(), n, srcSteps))
	}
	return pass, nil
}

func (m *QGNet) encode(b *Batch, src [][]int) (out *EncoderOutput, err error) {
	defer catchGraph(&err)
	gr := newGraph(false)
	enc := m.encoder.build(gr, src, b.Feats, b.SrcLen)
	outs := make([]*read, len(enc.outputs))
	for t, o := range enc.outputs {
		outs[t] = gr.watch(o)
	}
	hs := make([]*read, len(enc.h))
	cs := make([]*read, len(enc.c))
	for l := range enc.h {
		hs[l], cs[l] = gr.watch(enc.h[l]), gr.watch(enc.c[l])
	}
	if err := gr.run(nil, false); err != nil {
		return nil, err
	}
	out = &EncoderOutput{Batch: b.Size(), Width: 2 * m.cfg.Hidden}
	for _, r := range outs {
		out.Outputs = append(out.Outputs, r.data())
	}
	for l := range hs {
		out.Hidden = append(out.Hidden, hs[l].data())
		out.Cell = append(out.Cell, cs[l].data())
	}
	return out, nil
}

// greedy decodes one step per graph: the encoder values and the recurrent
// state are carried between steps as constants.
func (m *QGNet) greedy(b *Batch, src [][]int, maxLen int) (*Pass, error) {
	if maxLen < 2 {
		return nil, fmt.Errorf("model: greedy decoding needs MaxLen >= 2, got %d", maxLen)
	}
	enc, err := m.encode(b, src)
	if err != nil {
		return nil, err
	}
	n := b.Size()
	prev := make([]int, n)
	for i := range prev {
		prev[i] = m.cfg.SOSID
	}
	hidden, cell := enc.Hidden, enc.Cell

	pass := &Pass{}
	for s := 1; s < maxLen; s++ {
		dist, gate, attn, nh, nc, err := m.greedyStep(src, enc, prev, hidden, cell)
		if err != nil {
			return nil, fmt.Errorf("model: greedy step %d: %w", s, err)
		}
		pass.Dists = append(pass.Dists, rows(dist, n, m.cfg.VocabSize))
		pass.Gates = append(pass.Gates, gate)
		pass.Attn = append(pass.Attn, rows(attn, n, len(src)))
		for i, row := range pass.Dists[len(pass.Dists)-1] {
			prev[i] = floats.MaxIdx(row)
		}
		hidden, cell = nh, nc
	}

	if b.Trg != nil {
		pass.Loss, pass.Tokens = m.nll(pass.Dists, b.Trg)
		pass.HasLoss = pass.Tokens > 0
	}
	return pass, nil
}

func (m *QGNet) greedyStep(src [][]int, enc *EncoderOutput, prev []int, hidden, cell [][]float64) (dist, gate, attn []float64, nh, nc [][]float64, err error) {
	defer catchGraph(&err)
	n, h := enc.Batch, m.cfg.Hidden
	gr := newGraph(false)

	encNodes := make([]*G.Node, len(enc.Outputs))
	for t, o := range enc.Outputs {
		encNodes[t] = gr.constant("enc_out", n, enc.Width, append([]float64(nil), o...))
	}
	st := decoderState{h: make([]*G.Node, len(hidden)), c: make([]*G.Node, len(cell))}
	for l := range hidden {
		st.h[l] = gr.constant("state_h", n, h, append([]float64(nil), hidden[l]...))
		st.c[l] = gr.constant("state_c", n, h, append([]float64(nil), cell[l]...))
	}
	mem := m.decoder.memory(gr, encNodes, src)
	out := m.decoder.step(gr, m.words.lookup(gr, prev), mem, st)

	dr, gt, at := gr.watch(out.dist), gr.watch(out.gate), gr.watch(out.attn)
	hs := make([]*read, len(hidden))
	cs := make([]*read, len(cell))
	for l := range hidden {
		hs[l], cs[l] = gr.watch(out.state.h[l]), gr.watch(out.state.c[l])
	}
	if err = gr.run(nil, false); err != nil {
		return
	}
	for l := range hs {
		nh = append(nh, hs[l].data())
		nc = append(nc, cs[l].data())
	}
	return dr.data(), gt.data(), at.data(), nh, nc, nil
}

// nll is the mean negative log-likelihood of target[1:] under dists,
// ignoring pad targets and steps beyond the decoded length.
func (m *QGNet) nll(dists [][][]float64, target [][]int) (float64, int) {
	var total float64
	tokens := 0
	for s, rows := range dists {
		if s+1 >= len(target) {
			break
		}
		for b, row := range rows {
			id := target[s+1][b]
			if id == m.cfg.PadID {
				continue
			}
			total -= math.Log(row[id])
			tokens++
		}
	}
	if tokens == 0 {
		return 0, 0
	}
	return total / float64(tokens), tokens
}

func rows(flat []float64, n, width int) [][]float64 {
	out := make([][]float64, n)
	for i := range out {
		if (i+1)*width <= len(flat) {
			out[i] = flat[i*width : (i+1)*width]
		}
	}
	return out
}
