package model

import (
	"fmt"
	"math"

	G "gorgonia.org/gorgonia"
)

// gate order inside an lstmCell
const (
	gateInput = iota
	gateForget
	gateCell
	gateOutput
	numGates
)

var gateNames = [numGates]string{"i", "f", "c", "o"}

// lstmCell is one direction of one recurrent layer, with a separate input
// matrix, recurrent matrix and bias per gate.
type lstmCell struct {
	wx, wh, b [numGates]*Param
	hidden    int
}

func newLSTMCell(ps *Params, prefix string, in, hidden int) *lstmCell {
	k := 1 / math.Sqrt(float64(hidden))
	c := &lstmCell{hidden: hidden}
	for g, gn := range gateNames {
		c.wx[g] = ps.add(fmt.Sprintf("%s.W%sx", prefix, gn), in, hidden, ps.uniform(-k, k))
		c.wh[g] = ps.add(fmt.Sprintf("%s.W%sh", prefix, gn), hidden, hidden, ps.uniform(-k, k))
		c.b[g] = ps.add(fmt.Sprintf("%s.b%s", prefix, gn), 1, hidden, ps.uniform(-k, k))
	}
	return c
}

func (c *lstmCell) gate(gr *graph, x, h *G.Node, g int) *G.Node {
	xw := gr.linear(x, c.wx[g], c.b[g])
	hw := G.Must(G.Mul(h, gr.param(c.wh[g])))
	return G.Must(G.Add(xw, hw))
}

// step advances the cell one timestep for a whole batch. x is (B x in), h and
// cell are (B x hidden).
func (c *lstmCell) step(gr *graph, x, h, cell *G.Node) (hNext, cellNext *G.Node) {
	i := G.Must(G.Sigmoid(c.gate(gr, x, h, gateInput)))
	f := G.Must(G.Sigmoid(c.gate(gr, x, h, gateForget)))
	g := G.Must(G.Tanh(c.gate(gr, x, h, gateCell)))
	o := G.Must(G.Sigmoid(c.gate(gr, x, h, gateOutput)))

	cellNext = G.Must(G.Add(G.Must(G.HadamardProd(f, cell)), G.Must(G.HadamardProd(i, g))))
	hNext = G.Must(G.HadamardProd(o, G.Must(G.Tanh(cellNext))))
	return hNext, cellNext
}

// stepMask marks, for one timestep, which examples are still inside their
// true length. on and off are (B x hidden) complements of each other.
type stepMask struct {
	on, off *G.Node
}

func lengthMasks(gr *graph, lengths []int, steps, hidden int) []stepMask {
	masks := make([]stepMask, steps)
	n := len(lengths)
	for t := 0; t < steps; t++ {
		on := make([]float64, n*hidden)
		off := make([]float64, n*hidden)
		for b, l := range lengths {
			v := 0.0
			if t < l {
				v = 1
			}
			for j := 0; j < hidden; j++ {
				on[b*hidden+j] = v
				off[b*hidden+j] = 1 - v
			}
		}
		masks[t] = stepMask{
			on:  gr.constant("mask_on", n, hidden, on),
			off: gr.constant("mask_off", n, hidden, off),
		}
	}
	return masks
}

// scan runs the cell over inputs, forwards or in reverse. Past an example's
// length the state is carried through unchanged and the output is zero, so a
// reverse scan starts at each example's last real token.
func (c *lstmCell) scan(gr *graph, inputs []*G.Node, masks []stepMask, h0, c0 *G.Node, reverse bool) (outputs []*G.Node, h, cell *G.Node) {
	steps := len(inputs)
	outputs = make([]*G.Node, steps)
	h, cell = h0, c0
	for i := 0; i < steps; i++ {
		t := i
		if reverse {
			t = steps - 1 - i
		}
		hNext, cNext := c.step(gr, inputs[t], h, cell)
		m := masks[t]
		outputs[t] = G.Must(G.HadamardProd(hNext, m.on))
		h = G.Must(G.Add(outputs[t], G.Must(G.HadamardProd(h, m.off))))
		cell = G.Must(G.Add(G.Must(G.HadamardProd(cNext, m.on)), G.Must(G.HadamardProd(cell, m.off))))
	}
	return outputs, h, cell
}
