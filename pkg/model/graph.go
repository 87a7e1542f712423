package model

import (
	"fmt"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

const (
	seluAlpha = 1.6732632423543772848170429916717
	seluScale = 1.0507009873554804934193349852946
)

// graph is one expression graph built for a single batch (or a single greedy
// decoding step). Params are bound lazily the first time an op uses them.
type graph struct {
	g     *G.ExprGraph
	train bool

	bound map[*Param]*G.Node
	order []*Param
	seq   int

	reads []*read
}

type read struct {
	node  *G.Node
	value G.Value
}

func newGraph(train bool) *graph {
	return &graph{
		g:     G.NewGraph(),
		train: train,
		bound: make(map[*Param]*G.Node),
	}
}

func (gr *graph) name(base string) string {
	gr.seq++
	return fmt.Sprintf("%s_%d", base, gr.seq)
}

func (gr *graph) param(p *Param) *G.Node {
	if n, ok := gr.bound[p]; ok {
		return n
	}
	n := G.NewMatrix(gr.g, tensor.Float64,
		G.WithShape(p.Shape...),
		G.WithName(p.Name),
		G.WithValue(p.value()),
	)
	gr.bound[p] = n
	gr.order = append(gr.order, p)
	return n
}

func (gr *graph) learnables() G.Nodes {
	nodes := make(G.Nodes, len(gr.order))
	for i, p := range gr.order {
		nodes[i] = gr.bound[p]
	}
	return nodes
}

// constant adds a (rows x cols) input node holding data.
func (gr *graph) constant(base string, rows, cols int, data []float64) *G.Node {
	return G.NewMatrix(gr.g, tensor.Float64,
		G.WithShape(rows, cols),
		G.WithName(gr.name(base)),
		G.WithValue(tensor.New(tensor.WithShape(rows, cols), tensor.WithBacking(data))),
	)
}

func (gr *graph) fill(base string, rows, cols int, v float64) *G.Node {
	data := make([]float64, rows*cols)
	if v != 0 {
		for i := range data {
			data[i] = v
		}
	}
	return gr.constant(base, rows, cols, data)
}

// oneHot builds a (len(ids) x width) matrix with row i set at ids[i]. Ids
// equal to skip produce an all-zero row; pass -1 to keep every row.
func (gr *graph) oneHot(base string, ids []int, width, skip int) *G.Node {
	data := make([]float64, len(ids)*width)
	for i, id := range ids {
		if id == skip {
			continue
		}
		data[i*width+id] = 1
	}
	return gr.constant(base, len(ids), width, data)
}

// selectRows returns rows [start, start+count) of x, which has total rows,
// as a matmul with a selector so that single-row results keep their rank.
func (gr *graph) selectRows(x *G.Node, start, count, total int) *G.Node {
	data := make([]float64, count*total)
	for i := 0; i < count; i++ {
		data[i*total+start+i] = 1
	}
	sel := gr.constant("rowsel", count, total, data)
	return G.Must(G.Mul(sel, x))
}

// selectCol returns column col of x (n x width) as an (n x 1) matrix.
func (gr *graph) selectCol(x *G.Node, col, width int) *G.Node {
	data := make([]float64, width)
	data[col] = 1
	sel := gr.constant("colsel", width, 1, data)
	return G.Must(G.Mul(x, sel))
}

// unitRow is a (1 x width) row with a one at col.
func (gr *graph) unitRow(col, width int) *G.Node {
	data := make([]float64, width)
	data[col] = 1
	return gr.constant("unit_row", 1, width, data)
}

// linear computes x·w + b with b a (1 x out) row added to every row.
func (gr *graph) linear(x *G.Node, w, b *Param) *G.Node {
	xw := G.Must(G.Mul(x, gr.param(w)))
	return gr.addRow(xw, gr.param(b))
}

// addRow adds the (1 x m) row b to every row of x (n x m). The row is
// expanded by a matmul with a ones column rather than a broadcast op: the
// broadcast gradient is summed down to rank 1, which the matmul below it
// cannot take.
func (gr *graph) addRow(x, b *G.Node) *G.Node {
	ones := gr.fill("ones_col", x.Shape()[0], 1, 1)
	return G.Must(G.Add(x, G.Must(G.Mul(ones, b))))
}

// scaleRows multiplies every row of x (n x m) by the matching entry of s
// (n x 1), expanding s with a ones row for the same reason as addRow.
func (gr *graph) scaleRows(x, s *G.Node) *G.Node {
	ones := gr.fill("ones_row", 1, x.Shape()[1], 1)
	return G.Must(G.HadamardProd(x, G.Must(G.Mul(s, ones))))
}

func (gr *graph) dropout(x *G.Node, p float64) *G.Node {
	if !gr.train || p <= 0 {
		return x
	}
	return G.Must(G.Dropout(x, p))
}

// selu is scale * (max(0,x) + alpha*(exp(min(0,x)) - 1)).
func selu(x *G.Node) *G.Node {
	pos := G.Must(G.Rectify(x))
	minX := G.Must(G.Neg(G.Must(G.Rectify(G.Must(G.Neg(x))))))
	expm1 := G.Must(G.Sub(G.Must(G.Exp(minX)), G.NewConstant(1.0)))
	neg := G.Must(G.Mul(expm1, G.NewConstant(seluAlpha)))
	return G.Must(G.Mul(G.Must(G.Add(pos, neg)), G.NewConstant(seluScale)))
}

func sum(nodes []*G.Node) *G.Node {
	acc := nodes[0]
	for _, n := range nodes[1:] {
		acc = G.Must(G.Add(acc, n))
	}
	return acc
}

// hcat joins (n x w_i) nodes side by side. Every piece is moved into place
// by a matmul with a (w_i x W) placement matrix, so its gradient comes back
// as a matmul too and keeps both axes.
func (gr *graph) hcat(nodes ...*G.Node) *G.Node {
	if len(nodes) == 1 {
		return nodes[0]
	}
	width := 0
	for _, n := range nodes {
		width += n.Shape()[1]
	}
	parts := make([]*G.Node, len(nodes))
	offset := 0
	for i, n := range nodes {
		w := n.Shape()[1]
		data := make([]float64, w*width)
		for j := 0; j < w; j++ {
			data[j*width+offset+j] = 1
		}
		parts[i] = G.Must(G.Mul(n, gr.constant("place", w, width, data)))
		offset += w
	}
	return sum(parts)
}

// watch registers n so its value can be copied out after the run.
func (gr *graph) watch(n *G.Node) *read {
	r := &read{node: n}
	G.Read(n, &r.value)
	gr.reads = append(gr.reads, r)
	return r
}

func (r *read) data() []float64 {
	if r.value == nil {
		return nil
	}
	switch d := r.value.Data().(type) {
	case []float64:
		return append([]float64(nil), d...)
	case float64:
		return []float64{d}
	}
	return nil
}

// run executes the graph. With grads set, the gradient of cost with respect
// to every bound param is computed and copied into the param buffers.
func (gr *graph) run(cost *G.Node, grads bool) (err error) {
	var vm G.VM
	if grads {
		learnables := gr.learnables()
		if _, err = G.Grad(cost, learnables...); err != nil {
			return fmt.Errorf("model: symbolic differentiation: %w", err)
		}
		vm = G.NewTapeMachine(gr.g, G.BindDualValues(learnables...))
	} else {
		vm = G.NewTapeMachine(gr.g)
	}
	defer vm.Close()

	if err = vm.RunAll(); err != nil {
		return fmt.Errorf("model: running graph: %w", err)
	}
	if !grads {
		return nil
	}
	for _, p := range gr.order {
		gv, err := gr.bound[p].Grad()
		if err != nil {
			return fmt.Errorf("model: gradient of %s: %w", p.Name, err)
		}
		g, ok := gv.Data().([]float64)
		if !ok || len(g) != len(p.grad) {
			return fmt.Errorf("model: gradient of %s has unexpected layout", p.Name)
		}
		for i, v := range g {
			p.grad[i] += v
		}
	}
	return nil
}

// catchGraph converts a panic raised by G.Must while building a graph into an
// error.
func catchGraph(err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("model: building graph: %v", r)
	}
}
