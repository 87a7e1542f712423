package model

import (
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/floats"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.VocabSize = 12
	cfg.EmbedDim = 4
	cfg.FeatureVocabSizes = [NumFeatures]int{5, 6, 4, 7}
	cfg.Hidden = 3
	cfg.Layers = 2
	cfg.EncoderDropout = 0
	cfg.DecoderDropout = 0
	return cfg
}

func testModel(t *testing.T) *QGNet {
	t.Helper()
	m, err := New(testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

// testBatch has two examples: source lengths 5 and 3 (padded with id 1),
// targets of length 5 and 4.
func testBatch() *Batch {
	src := [][]int{
		{2, 2},
		{5, 7},
		{9, 3},
		{6, 1},
		{3, 1},
	}
	feat := [][]int{
		{2, 2},
		{3, 3},
		{0, 2},
		{3, 1},
		{2, 1},
	}
	return &Batch{
		Src:    src,
		SrcLen: []int{5, 3},
		Feats:  [NumFeatures][][]int{feat, feat, feat, feat},
		Trg: [][]int{
			{2, 2},
			{8, 9},
			{5, 11},
			{10, 3},
			{3, 1},
		},
		TrgLen: []int{5, 4},
	}
}

func checkRowsSumToOne(t *testing.T, pass *Pass) {
	t.Helper()
	for s, rows := range pass.Dists {
		for b, row := range rows {
			if got := floats.Sum(row); math.Abs(got-1) > 1e-9 {
				t.Errorf("step %d example %d: expected distribution to sum to 1, got %v", s, b, got)
			}
			for id, p := range row {
				if p < 0 {
					t.Errorf("step %d example %d: negative mass %v at id %d", s, b, p, id)
				}
			}
		}
	}
}

func TestFeatureDim(t *testing.T) {
	cases := map[int]int{1: 1, 4: 2, 10: 5, 20: 8, 100: 25}
	for size, want := range cases {
		if got := FeatureDim(size); got != want {
			t.Errorf("FeatureDim(%d): expected %d, got %d", size, want, got)
		}
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := testConfig()
	cfg.FeatureVocabSizes[2] = 0
	if _, err := New(cfg); err == nil {
		t.Error("expected error for empty feature vocabulary")
	}
	cfg = testConfig()
	cfg.SOSID = cfg.VocabSize
	if _, err := New(cfg); err == nil {
		t.Error("expected error for sos id outside vocabulary")
	}
}

func TestPaddingRowsStartAtZero(t *testing.T) {
	m := testModel(t)
	cfg := m.Config()
	row := m.words.table.Data[cfg.PadID*cfg.EmbedDim : (cfg.PadID+1)*cfg.EmbedDim]
	for _, v := range row {
		if v != 0 {
			t.Fatalf("expected zero padding row, got %v", row)
		}
	}
	for k, table := range m.feats.tables {
		pad := cfg.FeaturePadIDs[k]
		for _, v := range table.table.Data[pad*table.dim : (pad+1)*table.dim] {
			if v != 0 {
				t.Errorf("feature %d: expected zero padding row", k)
			}
		}
	}
}

func TestEmbeddingLoad(t *testing.T) {
	m := testModel(t)
	vectors := make([][]float64, m.cfg.VocabSize)
	vectors[5] = []float64{1, 2, 3, 4}
	vectors[m.cfg.PadID] = []float64{9, 9, 9, 9}
	n, err := m.Words().Load(vectors)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 row copied, got %d", n)
	}
	if got := m.words.table.Data[5*4 : 6*4]; !floats.Equal(got, []float64{1, 2, 3, 4}) {
		t.Errorf("expected row 5 to be loaded, got %v", got)
	}
	pad := m.words.table.Data[m.cfg.PadID*4 : (m.cfg.PadID+1)*4]
	if !floats.Equal(pad, []float64{0, 0, 0, 0}) {
		t.Errorf("expected padding row to stay zero, got %v", pad)
	}

	vectors[6] = []float64{1}
	if _, err := m.Words().Load(vectors); err == nil {
		t.Error("expected error for wrong vector width")
	}
}

func TestEncodeKeepsSourceSteps(t *testing.T) {
	m := testModel(t)
	b := testBatch()
	out, err := m.Encode(b)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if out.Steps() != b.Steps() {
		t.Errorf("expected %d encoder steps, got %d", b.Steps(), out.Steps())
	}
	if len(out.Hidden) != m.cfg.Layers || len(out.Cell) != m.cfg.Layers {
		t.Errorf("expected %d reduced states, got %d/%d", m.cfg.Layers, len(out.Hidden), len(out.Cell))
	}
	width := 2 * m.cfg.Hidden
	for t0, o := range out.Outputs {
		if len(o) != b.Size()*width {
			t.Fatalf("step %d: expected %d values, got %d", t0, b.Size()*width, len(o))
		}
	}
	// example 1 has length 3: its outputs past the end are zero
	for t0 := 3; t0 < b.Steps(); t0++ {
		if got := out.Outputs[t0][width : 2*width]; !floats.Equal(got, make([]float64, width)) {
			t.Errorf("step %d: expected zero output past the source length, got %v", t0, got)
		}
	}
}

func TestTeacherForcedSteps(t *testing.T) {
	m := testModel(t)
	b := testBatch()
	// 12 target steps including sos and eos
	trg := make([][]int, 12)
	for i := range trg {
		trg[i] = []int{4 + i%7, 5}
	}
	trg[0] = []int{m.cfg.SOSID, m.cfg.SOSID}
	trg[11] = []int{m.cfg.EOSID, m.cfg.EOSID}

	pass, err := m.Forward(b, TeacherForcing{Target: trg})
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if pass.Steps() != 11 {
		t.Errorf("expected 11 steps, got %d", pass.Steps())
	}
	checkRowsSumToOne(t, pass)
	if !pass.HasLoss || math.IsNaN(pass.Loss) || pass.Loss <= 0 {
		t.Errorf("expected a positive loss, got %v (has=%v)", pass.Loss, pass.HasLoss)
	}
	if pass.Tokens != 22 {
		t.Errorf("expected 22 scored tokens, got %d", pass.Tokens)
	}
}

func TestTeacherForcedLossMatchesDistributions(t *testing.T) {
	m := testModel(t)
	b := testBatch()
	pass, err := m.Forward(b, TeacherForcing{Target: b.Trg})
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	want, tokens := m.nll(pass.Dists, b.Trg)
	if tokens != pass.Tokens {
		t.Errorf("expected %d tokens, got %d", tokens, pass.Tokens)
	}
	if math.Abs(want-pass.Loss) > 1e-9 {
		t.Errorf("expected loss %v, got %v", want, pass.Loss)
	}
}

func TestGreedySteps(t *testing.T) {
	m := testModel(t)
	b := testBatch()
	for _, maxLen := range []int{2, 6, 9} {
		pass, err := m.Forward(b, Greedy{MaxLen: maxLen})
		if err != nil {
			t.Fatalf("Forward(Greedy{%d}): %v", maxLen, err)
		}
		if pass.Steps() != maxLen-1 {
			t.Errorf("MaxLen %d: expected %d steps, got %d", maxLen, maxLen-1, pass.Steps())
		}
		checkRowsSumToOne(t, pass)
		if len(pass.Attn[0]) != b.Size() || len(pass.Attn[0][0]) != b.Steps() {
			t.Errorf("expected attention of %dx%d", b.Size(), b.Steps())
		}
	}
	if _, err := m.Forward(b, Greedy{MaxLen: 1}); err == nil {
		t.Error("expected error for MaxLen 1")
	}
}

func TestGreedyMatchesTeacherForcingOnItsOwnOutput(t *testing.T) {
	m := testModel(t)
	b := testBatch()
	greedy, err := m.Forward(b, Greedy{MaxLen: 5})
	if err != nil {
		t.Fatalf("greedy: %v", err)
	}
	ids := greedy.Argmax()
	trg := [][]int{{m.cfg.SOSID, m.cfg.SOSID}}
	trg = append(trg, ids...)
	forced, err := m.Forward(b, TeacherForcing{Target: trg})
	if err != nil {
		t.Fatalf("teacher forced: %v", err)
	}
	for s := range greedy.Dists {
		for i := range greedy.Dists[s] {
			for id := range greedy.Dists[s][i] {
				if d := math.Abs(greedy.Dists[s][i][id] - forced.Dists[s][i][id]); d > 1e-9 {
					t.Fatalf("step %d example %d id %d: greedy and forced differ by %v", s, i, id, d)
				}
			}
		}
	}
}

func TestAttentionIsADistribution(t *testing.T) {
	m := testModel(t)
	pass, err := m.Forward(testBatch(), TeacherForcing{Target: testBatch().Trg})
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	for s, rows := range pass.Attn {
		for b, row := range rows {
			if got := floats.Sum(row); math.Abs(got-1) > 1e-9 {
				t.Errorf("step %d example %d: expected attention to sum to 1, got %v", s, b, got)
			}
		}
	}
	for s, gates := range pass.Gates {
		for b, g := range gates {
			if g <= 0 || g >= 1 {
				t.Errorf("step %d example %d: gate %v outside (0, 1)", s, b, g)
			}
		}
	}
}

func TestCopyMassLandsOnSourceIDs(t *testing.T) {
	m := testModel(t)
	// a very negative gate bias sends all mass to the copy distribution
	m.Params().Get("decoder.gate.b").Data[0] = -60
	b := testBatch()
	// repeated id 5 in example 0 accumulates into one slot
	b.Src[2][0] = 5
	pass, err := m.Forward(b, Greedy{MaxLen: 3})
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	checkRowsSumToOne(t, pass)
	for i := 0; i < b.Size(); i++ {
		onSource := map[int]bool{}
		for t0 := 0; t0 < b.Steps(); t0++ {
			onSource[b.Src[t0][i]] = true
		}
		for s := range pass.Dists {
			var mass float64
			for id := range onSource {
				mass += pass.Dists[s][i][id]
			}
			if math.Abs(mass-1) > 1e-9 {
				t.Errorf("step %d example %d: expected all mass on source ids, got %v", s, i, mass)
			}
			want := pass.Attn[s][i][1] + pass.Attn[s][i][2]
			if i == 0 && math.Abs(pass.Dists[s][i][5]-want) > 1e-9 {
				t.Errorf("step %d: expected repeated id to accumulate %v, got %v", s, want, pass.Dists[s][i][5])
			}
		}
	}
}

func TestOutOfVocabularySourceIsClamped(t *testing.T) {
	m := testModel(t)
	b := testBatch()
	b.Src[1][1] = m.cfg.VocabSize + 40
	pass, err := m.Forward(b, Greedy{MaxLen: 3})
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if pass.Clamped != 1 {
		t.Errorf("expected 1 clamped id, got %d", pass.Clamped)
	}
	checkRowsSumToOne(t, pass)
}

func TestShapeMismatchIsReported(t *testing.T) {
	m := testModel(t)
	b := &Batch{
		Src:    [][]int{{2}, {5}, {9}, {3}},
		SrcLen: []int{4},
		Trg:    [][]int{{2}, {6}, {3}},
		TrgLen: []int{3},
	}
	for k := range b.Feats {
		b.Feats[k] = [][]int{{2}, {2}, {2}, {2}}
	}
	b.Feats[1] = [][]int{{1}, {1}}

	if _, err := m.Forward(b, TeacherForcing{Target: b.Trg}); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch, got %v", err)
	}
	if _, err := m.TrainForward(b); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch from TrainForward, got %v", err)
	}
}

func TestTrainForwardFillsGradients(t *testing.T) {
	m := testModel(t)
	m.Params().ZeroGrad()
	if _, err := m.TrainForward(testBatch()); err != nil {
		t.Fatalf("TrainForward: %v", err)
	}
	for _, name := range []string{"embed", "feat0.embed", "encoder.l0.fwd.Wix", "encoder.l1.bwd.Woh",
		"encoder.hidden_reduce.W", "encoder.cell_reduce.b", "decoder.l1.Wfh", "decoder.attn.v",
		"decoder.out.W", "decoder.gate.W"} {
		p := m.Params().Get(name)
		if p == nil {
			t.Fatalf("missing param %s", name)
		}
		if floats.Norm(p.Grad(), 2) == 0 {
			t.Errorf("%s: expected a non-zero gradient", name)
		}
	}
	cfg := m.Config()
	padGrad := m.words.table.Grad()[cfg.PadID*cfg.EmbedDim : (cfg.PadID+1)*cfg.EmbedDim]
	if floats.Norm(padGrad, 2) != 0 {
		t.Errorf("expected no gradient on the padding row, got %v", padGrad)
	}
}

func TestTrainForwardGradientMatchesFiniteDifference(t *testing.T) {
	m := testModel(t)
	b := testBatch()
	m.Params().ZeroGrad()
	if _, err := m.TrainForward(b); err != nil {
		t.Fatalf("TrainForward: %v", err)
	}
	p := m.Params().Get("decoder.gate.b")
	analytic := p.Grad()[0]

	const eps = 1e-5
	loss := func() float64 {
		pass, err := m.Forward(b, TeacherForcing{Target: b.Trg})
		if err != nil {
			t.Fatalf("Forward: %v", err)
		}
		return pass.Loss
	}
	orig := p.Data[0]
	p.Data[0] = orig + eps
	up := loss()
	p.Data[0] = orig - eps
	down := loss()
	p.Data[0] = orig

	numeric := (up - down) / (2 * eps)
	if math.Abs(numeric-analytic) > 1e-4*math.Max(1, math.Abs(numeric)) {
		t.Errorf("expected gradient %v, got %v", numeric, analytic)
	}
}

func TestSnapshotRestore(t *testing.T) {
	m := testModel(t)
	snap := m.Params().Snapshot()
	p := m.Params().Get("decoder.out.b")
	p.Data[0] += 10
	if err := m.Params().Restore(snap); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if p.Data[0] != snap["decoder.out.b"][0] {
		t.Errorf("expected restored value %v, got %v", snap["decoder.out.b"][0], p.Data[0])
	}
	snap["decoder.out.b"][0] = -1
	if p.Data[0] == -1 {
		t.Error("expected snapshot to be detached from the params")
	}

	delete(snap, "embed")
	if err := m.Params().Restore(snap); err == nil {
		t.Error("expected error for incomplete snapshot")
	}
}

func TestGraphHelpersKeepRank(t *testing.T) {
	gr := newGraph(false)
	a := gr.constant("a", 2, 1, []float64{1, 2})
	b := gr.constant("b", 2, 2, []float64{3, 4, 5, 6})
	row := gr.constant("row", 1, 2, []float64{10, 20})

	joined := gr.watch(gr.hcat(a, b))
	shifted := gr.watch(gr.addRow(b, row))
	scaled := gr.watch(gr.scaleRows(b, a))
	if err := gr.run(nil, false); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got, want := joined.data(), []float64{1, 3, 4, 2, 5, 6}; !floats.Equal(got, want) {
		t.Errorf("hcat: expected %v, got %v", want, got)
	}
	if got, want := shifted.data(), []float64{13, 24, 15, 26}; !floats.Equal(got, want) {
		t.Errorf("addRow: expected %v, got %v", want, got)
	}
	if got, want := scaled.data(), []float64{3, 4, 10, 12}; !floats.Equal(got, want) {
		t.Errorf("scaleRows: expected %v, got %v", want, got)
	}
}

func TestNewIsReproducibleFromSeed(t *testing.T) {
	a, b := testModel(t), testModel(t)
	for _, p := range a.Params().All() {
		if !floats.Equal(p.Data, b.Params().Get(p.Name).Data) {
			t.Fatalf("%s: expected equal initial values for equal seeds", p.Name)
		}
	}
	cfg := testConfig()
	cfg.Seed = 99
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if floats.Equal(c.Params().Get("decoder.out.W").Data, a.Params().Get("decoder.out.W").Data) {
		t.Error("expected a different seed to give different initial values")
	}
}

func TestTrainForwardSingleExampleBatch(t *testing.T) {
	m := testModel(t)
	feat := [][]int{{2}, {3}, {0}, {2}}
	b := &Batch{
		Src:    [][]int{{2}, {5}, {9}, {3}},
		SrcLen: []int{4},
		Feats:  [NumFeatures][][]int{feat, feat, feat, feat},
		Trg:    [][]int{{2}, {8}, {3}},
		TrgLen: []int{3},
	}
	m.Params().ZeroGrad()
	pass, err := m.TrainForward(b)
	if err != nil {
		t.Fatalf("TrainForward: %v", err)
	}
	if pass.Tokens != 2 || !(pass.Loss > 0) {
		t.Errorf("expected a positive loss over 2 tokens, got %v over %d", pass.Loss, pass.Tokens)
	}
	if floats.Norm(m.Params().Get("decoder.attn.b").Grad(), 2) == 0 {
		t.Error("expected a gradient on the attention bias")
	}
}

func TestTrainForwardWithDropout(t *testing.T) {
	cfg := testConfig()
	cfg.EncoderDropout = 0.3
	cfg.DecoderDropout = 0.5
	m, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b := testBatch()

	m.Params().ZeroGrad()
	pass, err := m.TrainForward(b)
	if err != nil {
		t.Fatalf("TrainForward: %v", err)
	}
	if math.IsNaN(pass.Loss) || math.IsInf(pass.Loss, 0) {
		t.Errorf("expected a finite loss, got %v", pass.Loss)
	}
	var total float64
	for _, p := range m.Params().All() {
		for _, g := range p.Grad() {
			if math.IsNaN(g) || math.IsInf(g, 0) {
				t.Fatalf("%s: non-finite gradient %v", p.Name, g)
			}
			total += math.Abs(g)
		}
	}
	if total == 0 {
		t.Error("expected non-zero gradients")
	}

	// inference ignores dropout
	first, err := m.Forward(b, TeacherForcing{Target: b.Trg})
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	second, err := m.Forward(b, TeacherForcing{Target: b.Trg})
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if first.Loss != second.Loss {
		t.Errorf("expected deterministic inference, got %v and %v", first.Loss, second.Loss)
	}
}
