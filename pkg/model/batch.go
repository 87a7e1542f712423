package model

import (
	"errors"
	"fmt"
)

// ErrShapeMismatch reports a batch whose feature channels do not share the
// source time dimension. Trainers skip such batches.
var ErrShapeMismatch = errors.New("model: source and feature time dimensions differ")

// Batch is a time-major padded batch: Src[t][b] is the id of token t of
// example b. Feats[k] is aligned index for index with Src.
type Batch struct {
	Src    [][]int
	SrcLen []int
	Feats  [NumFeatures][][]int
	Trg    [][]int
	TrgLen []int
}

// Size is the number of examples.
func (b *Batch) Size() int { return len(b.SrcLen) }

// Steps is the padded source length.
func (b *Batch) Steps() int { return len(b.Src) }

// MaxTrgLen is the longest true target length, sos and eos included.
func (b *Batch) MaxTrgLen() int {
	max := 0
	for _, n := range b.TrgLen {
		if n > max {
			max = n
		}
	}
	return max
}

// Check validates the batch layout. A feature channel whose time dimension
// differs from the source yields an error wrapping ErrShapeMismatch.
func (b *Batch) Check() error {
	for k, f := range b.Feats {
		if len(f) != len(b.Src) {
			return fmt.Errorf("%w: src has %d steps, feat_%d has %d", ErrShapeMismatch, len(b.Src), k, len(f))
		}
	}
	n := b.Size()
	if n == 0 || len(b.Src) == 0 {
		return errors.New("model: empty batch")
	}
	rows := [][][]int{b.Src, b.Trg}
	rows = append(rows, b.Feats[:]...)
	for _, stream := range rows {
		for t, row := range stream {
			if len(row) != n {
				return fmt.Errorf("model: step %d has %d columns, batch size is %d", t, len(row), n)
			}
		}
	}
	for i, l := range b.SrcLen {
		if l < 1 || l > len(b.Src) {
			return fmt.Errorf("model: example %d has source length %d with %d steps", i, l, len(b.Src))
		}
	}
	if b.Trg != nil && len(b.TrgLen) != n {
		return fmt.Errorf("model: %d target lengths for %d examples", len(b.TrgLen), n)
	}
	return nil
}

// flatten concatenates time-major rows: element (t, b) lands at t*B+b.
func flatten(rows [][]int) []int {
	var out []int
	for _, r := range rows {
		out = append(out, r...)
	}
	return out
}
