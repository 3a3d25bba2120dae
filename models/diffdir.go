// Copyright 2018 The PyQMRI Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package models

import (
	"math/cmplx"

	"github.com/cpmech/gosl/chk"
	"github.com/cpmech/gosl/fun"

	"github.com/1vanjordanov/PyQMRI/backend"
	"github.com/1vanjordanov/PyQMRI/inp"
)

// DiffDir is the diffusion tensor model. The tensor is parametrized by
// the six factors of its Cholesky decomposition so that the
// reconstructed tensor is positive semidefinite by construction:
//
//	D = L L^T,  L = [x1 0 0; x2 x3 0; x4 x6 x5]
//	S_n = M0 * exp(-b_n * dir_n^T D dir_n)
//
// Unknowns: M0, x1..x6 (all TGV regularized).
type DiffDir struct {
	par  *inp.Par
	b    []float64    // weighting per scan, ms units
	dir  [][3]float64 // unit direction per scan
	sc   []float64
	cons []*Constraint
}

// add model to factory
func init() {
	allocators["diffdir"] = func() Model { return new(DiffDir) }
}

// Init reads weightings and directions from the acquisition record
func (o *DiffDir) Init(par *inp.Par, prms fun.Prms) error {
	if len(par.BValue) != par.NScan || len(par.DWIDir) != par.NScan {
		return chk.Err("shape-mismatch: diffdir needs b value and direction per scan")
	}
	o.par = par
	o.b = append([]float64{}, par.BValue...)
	o.dir = make([][3]float64, par.NScan)
	for n, d := range par.DWIDir {
		o.dir[n] = [3]float64{d[0], d[1], d[2]}
	}
	par.UnknownsTGV = 7
	par.UnknownsH1 = 0
	par.Unknowns = 7
	o.sc = make([]float64, 7)
	for u := range o.sc {
		o.sc[u] = 1
	}
	m0max := 1e3
	for _, p := range prms {
		switch p.N {
		case "m0_max":
			m0max = p.V
		}
	}
	o.cons = []*Constraint{{Min: 0, Max: m0max / o.sc[0], Real: false}}
	for u := 1; u < 7; u++ {
		o.cons = append(o.cons, &Constraint{Min: -10 / o.sc[u], Max: 10 / o.sc[u], Real: true})
	}
	return nil
}

func (o *DiffDir) nvox() int { return o.par.NSlice * o.par.DimY * o.par.DimX }

// chol gathers the scaled Cholesky factors of one voxel
func (o *DiffDir) chol(x *backend.Buffer, p, nv int) (l [7]complex128) {
	for u := 0; u < 7; u++ {
		l[u] = complex128(x.Data[u*nv+p]) * complex(o.sc[u], 0)
	}
	return
}

// adc evaluates the quadratic form dir^T L L^T dir
func (o *DiffDir) adc(l [7]complex128, n int) complex128 {
	d0 := complex(o.dir[n][0], 0)
	d1 := complex(o.dir[n][1], 0)
	d2 := complex(o.dir[n][2], 0)
	return l[1]*l[1]*d0*d0 +
		(l[2]*l[2]+l[3]*l[3])*d1*d1 +
		(l[4]*l[4]+l[5]*l[5]+l[6]*l[6])*d2*d2 +
		2*l[2]*l[1]*d0*d1 +
		2*l[4]*l[1]*d0*d2 +
		2*(l[2]*l[4]+l[6]*l[3])*d1*d2
}

// ExecuteForward evaluates the signal at every scan
func (o *DiffDir) ExecuteForward(stepVal, x *backend.Buffer) error {
	nv := o.nvox()
	if x.Size() != 7*nv || stepVal.Size() != o.par.NScan*nv {
		return chk.Err("shape-mismatch: diffdir forward: x %v stepVal %v", x.Shape, stepVal.Shape)
	}
	for p := 0; p < nv; p++ {
		l := o.chol(x, p, nv)
		for n := 0; n < o.par.NScan; n++ {
			s := l[0] * cmplx.Exp(-o.adc(l, n)*complex(o.b[n], 0))
			stepVal.Data[n*nv+p] = complex64(s)
		}
	}
	return nil
}

// ExecuteGradient evaluates the partial derivatives at every scan
func (o *DiffDir) ExecuteGradient(gradX, x *backend.Buffer) error {
	nv := o.nvox()
	if x.Size() != 7*nv || gradX.Size() != 7*o.par.NScan*nv {
		return chk.Err("shape-mismatch: diffdir gradient: x %v gradX %v", x.Shape, gradX.Shape)
	}
	nscan := o.par.NScan
	for p := 0; p < nv; p++ {
		l := o.chol(x, p, nv)
		x0 := complex128(x.Data[p])
		for n := 0; n < nscan; n++ {
			d0 := complex(o.dir[n][0], 0)
			d1 := complex(o.dir[n][1], 0)
			d2 := complex(o.dir[n][2], 0)
			b := complex(o.b[n], 0)
			gM0 := complex(o.sc[0], 0) * cmplx.Exp(-o.adc(l, n)*b)
			fac := -x0 * b * gM0
			// dADC/dx_u, scaled by the unknown scaling
			dadc := [7]complex128{
				0,
				complex(o.sc[1], 0) * (2*l[1]*d0*d0 + 2*l[2]*d0*d1 + 2*l[4]*d0*d2),
				complex(o.sc[2], 0) * (2*l[1]*d0*d1 + 2*l[2]*d1*d1 + 2*l[4]*d1*d2),
				complex(o.sc[3], 0) * (2*l[3]*d1*d1 + 2*l[6]*d1*d2),
				complex(o.sc[4], 0) * (2*l[1]*d0*d2 + 2*l[2]*d1*d2 + 2*l[4]*d2*d2),
				complex(o.sc[5], 0) * (2 * l[5] * d2 * d2),
				complex(o.sc[6], 0) * (2*l[3]*d1*d2 + 2*l[6]*d2*d2),
			}
			gradX.Data[n*nv+p] = complex64(gM0)
			for u := 1; u < 7; u++ {
				gradX.Data[(u*nscan+n)*nv+p] = complex64(fac * dadc[u])
			}
		}
	}
	return nil
}

// InitialGuess uses the first scan for the proton density, unit
// diagonal factors and small off-diagonal factors so that the first
// linearization is non-degenerate
func (o *DiffDir) InitialGuess(images *backend.Buffer) (*backend.Buffer, error) {
	nv := o.nvox()
	if images.Size() < nv {
		return nil, chk.Err("shape-mismatch: diffdir guess needs at least one scan image")
	}
	x0 := backend.NewBuffer(7, o.par.NSlice, o.par.DimY, o.par.DimX)
	for p := 0; p < nv; p++ {
		x0.Data[p] = images.Data[p] * complex(float32(1/o.sc[0]), 0)
	}
	for _, u := range []int{1, 3, 5} { // diagonal factors
		f := complex(float32(1/o.sc[u]), 0)
		for p := 0; p < nv; p++ {
			x0.Data[u*nv+p] = f
		}
	}
	for _, u := range []int{2, 4, 6} { // off-diagonal factors
		f := complex(float32(0.01/o.sc[u]), 0)
		for p := 0; p < nv; p++ {
			x0.Data[u*nv+p] = f
		}
	}
	return x0, nil
}

// Rescale recombines the Cholesky factors into the tensor components
// (M0, Dxx, Dxy, Dyy, Dxz, Dzz, Dyz)
func (o *DiffDir) Rescale(x *backend.Buffer) *backend.Buffer {
	nv := o.nvox()
	out := backend.NewBuffer(7, o.par.NSlice, o.par.DimY, o.par.DimX)
	for p := 0; p < nv; p++ {
		l := o.chol(x, p, nv)
		out.Data[p] = complex64(l[0])
		out.Data[nv+p] = complex(float32(real(l[1]*l[1])), 0)
		out.Data[2*nv+p] = complex(float32(real(l[2]*l[1])), 0)
		out.Data[3*nv+p] = complex(float32(real(l[2]*l[2]+l[3]*l[3])), 0)
		out.Data[4*nv+p] = complex(float32(real(l[4]*l[1])), 0)
		out.Data[5*nv+p] = complex(float32(real(l[4]*l[4]+l[5]*l[5]+l[6]*l[6])), 0)
		out.Data[6*nv+p] = complex(float32(real(l[2]*l[4]+l[6]*l[3])), 0)
	}
	return out
}

// Constraints returns the per-unknown constraints
func (o *DiffDir) Constraints() []*Constraint { return o.cons }

// UkScale returns the per-unknown scaling factors
func (o *DiffDir) UkScale() []float64 { return o.sc }
