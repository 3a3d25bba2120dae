// Copyright 2018 The PyQMRI Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package operator

import (
	"github.com/cpmech/gosl/chk"

	"github.com/1vanjordanov/PyQMRI/backend"
)

// FiniteGradient is the ratio-weighted forward finite-difference
// gradient over the unknown maps. The ratio vector balances the
// regularization contribution of each unknown and is recomputed at
// every Gauss-Newton step.
type FiniteGradient struct {
	prg   *backend.Program
	ratio []float64
}

// NewFiniteGradient returns a gradient operator with uniform ratio
func NewFiniteGradient(prg *backend.Program) *FiniteGradient {
	o := &FiniteGradient{prg: prg, ratio: make([]float64, prg.Unknowns)}
	for u := range o.ratio {
		o.ratio[u] = 1.0 / float64(prg.Unknowns)
	}
	return o
}

// Ratio returns the current per-unknown weighting
func (o *FiniteGradient) Ratio() []float64 { return o.ratio }

// Fwd computes out = G(x)
func (o *FiniteGradient) Fwd(out, x *backend.Buffer, waitFor ...*backend.Event) (*backend.Event, error) {
	return o.prg.Gradient(out, x, o.ratio, waitFor...)
}

// Adj computes out = G*(z), the negative divergence
func (o *FiniteGradient) Adj(out, z *backend.Buffer, waitFor ...*backend.Event) (*backend.Event, error) {
	return o.prg.GradientAdj(out, z, o.ratio, waitFor...)
}

// UpdateRatio re-balances the per-unknown weights so that the
// first-order regularization energy of each unknown map is
// comparable at the current estimate x. Unknowns with a flat map keep
// their previous weight.
func (o *FiniteGradient) UpdateRatio(x *backend.Buffer) error {
	shape := []int{o.prg.Unknowns, o.prg.NSlice, o.prg.DimY, o.prg.DimX}
	ref := &backend.Buffer{Shape: shape}
	if !x.SameShape(ref) {
		return chk.Err("shape-mismatch: UpdateRatio expects %v but got %v", shape, x.Shape)
	}
	unit := make([]float64, o.prg.Unknowns)
	for u := range unit {
		unit[u] = 1
	}
	g := backend.NewBuffer(o.prg.Unknowns, o.prg.NSlice, o.prg.DimY, o.prg.DimX, 4)
	ev, err := o.prg.Gradient(g, x, unit)
	if err != nil {
		return err
	}
	if err := ev.Wait(); err != nil {
		return err
	}
	queue := o.prg.Queue()
	norms := make([]float64, o.prg.Unknowns)
	mean := 0.0
	active := 0
	for u := 0; u < o.prg.Unknowns; u++ {
		norms[u] = queue.Nrm2(g.View(u, u+1))
		if norms[u] > 0 {
			mean += norms[u]
			active++
		}
	}
	if active == 0 {
		return nil
	}
	mean /= float64(active)
	for u := range o.ratio {
		if norms[u] > 0 {
			o.ratio[u] = mean / norms[u] / float64(o.prg.Unknowns)
		}
	}
	return nil
}
