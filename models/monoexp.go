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

// MonoExp is the mono-exponential diffusion model
//
//	S_n = M0 * exp(-b_n * ADC)
//
// with one isotropic diffusion direction. Unknowns: M0, ADC.
type MonoExp struct {
	par  *inp.Par
	b    []float64 // weighting per scan, ms units
	sc   []float64
	cons []*Constraint
}

// add model to factory
func init() {
	allocators["monoexp"] = func() Model { return new(MonoExp) }
}

// Init reads the weighting from the acquisition record
func (o *MonoExp) Init(par *inp.Par, prms fun.Prms) error {
	if len(par.BValue) != par.NScan {
		return chk.Err("shape-mismatch: monoexp needs one b value per scan: %d != %d", len(par.BValue), par.NScan)
	}
	o.par = par
	o.b = append([]float64{}, par.BValue...)
	par.UnknownsTGV = 2
	par.UnknownsH1 = 0
	par.Unknowns = 2
	o.sc = []float64{1, 1}
	m0max := 1e5
	for _, p := range prms {
		switch p.N {
		case "m0_max":
			m0max = p.V
		}
	}
	o.cons = []*Constraint{
		{Min: 0, Max: m0max / o.sc[0], Real: false},
		{Min: -10 / o.sc[1], Max: 10 / o.sc[1], Real: true},
	}
	return nil
}

func (o *MonoExp) nvox() int { return o.par.NSlice * o.par.DimY * o.par.DimX }

// ExecuteForward evaluates the signal at every scan
func (o *MonoExp) ExecuteForward(stepVal, x *backend.Buffer) error {
	nv := o.nvox()
	if x.Size() != 2*nv || stepVal.Size() != o.par.NScan*nv {
		return chk.Err("shape-mismatch: monoexp forward: x %v stepVal %v", x.Shape, stepVal.Shape)
	}
	for p := 0; p < nv; p++ {
		m0 := complex128(x.Data[p]) * complex(o.sc[0], 0)
		adc := complex128(x.Data[nv+p]) * complex(o.sc[1], 0)
		for n := 0; n < o.par.NScan; n++ {
			s := m0 * cmplx.Exp(-complex(o.b[n], 0)*adc)
			stepVal.Data[n*nv+p] = complex64(s)
		}
	}
	return nil
}

// ExecuteGradient evaluates the partial derivatives at every scan
func (o *MonoExp) ExecuteGradient(gradX, x *backend.Buffer) error {
	nv := o.nvox()
	if x.Size() != 2*nv || gradX.Size() != 2*o.par.NScan*nv {
		return chk.Err("shape-mismatch: monoexp gradient: x %v gradX %v", x.Shape, gradX.Shape)
	}
	nscan := o.par.NScan
	for p := 0; p < nv; p++ {
		m0 := complex128(x.Data[p])
		adc := complex128(x.Data[nv+p]) * complex(o.sc[1], 0)
		for n := 0; n < nscan; n++ {
			dM0 := complex(o.sc[0], 0) * cmplx.Exp(-complex(o.b[n], 0)*adc)
			gradX.Data[n*nv+p] = complex64(dM0)
			gradX.Data[(nscan+n)*nv+p] = complex64(-m0 * complex(o.b[n]*o.sc[1], 0) * dM0)
		}
	}
	return nil
}

// InitialGuess uses the first scan for the proton density and a unit
// diffusivity
func (o *MonoExp) InitialGuess(images *backend.Buffer) (*backend.Buffer, error) {
	nv := o.nvox()
	if images.Size() < nv {
		return nil, chk.Err("shape-mismatch: monoexp guess needs at least one scan image")
	}
	x0 := backend.NewBuffer(2, o.par.NSlice, o.par.DimY, o.par.DimX)
	for p := 0; p < nv; p++ {
		x0.Data[p] = images.Data[p] * complex(float32(1/o.sc[0]), 0)
		x0.Data[nv+p] = complex(float32(1/o.sc[1]), 0)
	}
	return x0, nil
}

// Rescale applies the unknown scaling
func (o *MonoExp) Rescale(x *backend.Buffer) *backend.Buffer {
	nv := o.nvox()
	out := x.Clone()
	for u := 0; u < 2; u++ {
		f := complex(float32(o.sc[u]), 0)
		for p := 0; p < nv; p++ {
			out.Data[u*nv+p] *= f
		}
	}
	return out
}

// Constraints returns the per-unknown constraints
func (o *MonoExp) Constraints() []*Constraint { return o.cons }

// UkScale returns the per-unknown scaling factors
func (o *MonoExp) UkScale() []float64 { return o.sc }
