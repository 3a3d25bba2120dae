// Copyright 2018 The PyQMRI Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package operator

import (
	"github.com/cpmech/gosl/chk"

	"github.com/1vanjordanov/PyQMRI/backend"
	"github.com/1vanjordanov/PyQMRI/inp"
)

// Imagespace is the measurement operator of image-space fitting: the
// Jacobian-weighted sum of the unknowns, observed directly
type Imagespace struct {
	prg   *backend.Program
	par   *inp.Par
	gradX *backend.Buffer
}

// NewImagespace returns an image-space measurement operator
func NewImagespace(prg *backend.Program, par *inp.Par) *Imagespace {
	return &Imagespace{prg: prg, par: par}
}

// DataShape returns [N,S,Y,X]
func (o *Imagespace) DataShape() []int {
	return []int{o.par.NScan, o.par.NSlice, o.par.DimY, o.par.DimX}
}

// SetLinearization installs the model Jacobian for the current GN step
func (o *Imagespace) SetLinearization(gradX *backend.Buffer) error {
	want := &backend.Buffer{Shape: []int{o.par.Unknowns, o.par.NScan, o.par.NSlice, o.par.DimY, o.par.DimX}}
	if !gradX.SameShape(want) {
		return chk.Err("shape-mismatch: linearization expects %v but got %v", want.Shape, gradX.Shape)
	}
	o.gradX = gradX
	return nil
}

// Fwd computes out = A(x) = sum_u grad_x[u] * x[u]
func (o *Imagespace) Fwd(out, x *backend.Buffer, waitFor ...*backend.Event) (*backend.Event, error) {
	if o.gradX == nil {
		return nil, chk.Err("backend-kernel-fail: measurement operator used before SetLinearization")
	}
	if err := checkShapes(out, o.DataShape()); err != nil {
		return nil, err
	}
	return fwdModel(o.prg, out, x, o.gradX, waitFor), nil
}

// Adj computes out = A*(y)
func (o *Imagespace) Adj(out, y *backend.Buffer, waitFor ...*backend.Event) (*backend.Event, error) {
	if o.gradX == nil {
		return nil, chk.Err("backend-kernel-fail: measurement operator used before SetLinearization")
	}
	if err := checkShapes(y, o.DataShape()); err != nil {
		return nil, err
	}
	return adjModel(o.prg, out, y, o.gradX, waitFor), nil
}

// AdjKyk1 computes out = A*(y) + G*(z1) in one kernel
func (o *Imagespace) AdjKyk1(out, y, z1 *backend.Buffer, grad *FiniteGradient, waitFor ...*backend.Event) (*backend.Event, error) {
	if o.gradX == nil {
		return nil, chk.Err("backend-kernel-fail: measurement operator used before SetLinearization")
	}
	if err := checkShapes(y, o.DataShape()); err != nil {
		return nil, err
	}
	prg := o.prg
	gradX := o.gradX
	ratio := grad.Ratio()
	nv := prg.NSlice * prg.DimY * prg.DimX
	nscan := o.par.NScan
	ev := prg.Queue().Launch(out.Size(), waitFor, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			u := i / nv
			p := i % nv
			var acc complex64
			for n := 0; n < nscan; n++ {
				acc += conj64(gradX.Data[(u*nscan+n)*nv+p]) * y.Data[n*nv+p]
			}
			out.Data[i] = acc + prg.GradientAdjAt(z1, ratio, i)
		}
	})
	return ev, nil
}

func checkShapes(b *backend.Buffer, shape []int) error {
	ref := &backend.Buffer{Shape: shape}
	if !b.SameShape(ref) {
		return chk.Err("shape-mismatch: operator expects %v but got %v", shape, b.Shape)
	}
	return nil
}
