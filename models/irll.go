// Copyright 2018 The PyQMRI Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package models

import (
	"math"
	"math/cmplx"

	"github.com/cpmech/gosl/chk"
	"github.com/cpmech/gosl/fun"

	"github.com/1vanjordanov/PyQMRI/backend"
	"github.com/1vanjordanov/PyQMRI/inp"
)

// IRLL is the inversion-recovery Look-Locker T1 model. The relaxation
// unknown is fitted as E1 = exp(-scale/T1); each scan averages nproj
// consecutive readouts of the saturation-recovery train:
//
//	S_i = mean_j M0 * ((E_tau cos phi)^(n-1) (Q - F) + F) * sin phi
//	n = i*nproj + j + 1
//
// Unknowns: M0, E1 (both TGV regularized).
type IRLL struct {
	par *inp.Par

	// sequence parameters
	fa    float64 // flip angle in rad
	tr    float64 // recovery delay after the train
	tau   float64 // readout repetition time
	td    float64 // delay after inversion
	nproj int     // readouts averaged into one scan
	nmeas float64 // readouts of the full train
	scale float64 // exponent scaling of the E1 parametrization

	sc   []float64
	cons []*Constraint
}

// add model to factory
func init() {
	allocators["irll"] = func() Model { return new(IRLL) }
}

// Init reads the sequence parameters
func (o *IRLL) Init(par *inp.Par, prms fun.Prms) error {
	o.par = par
	o.fa = 6 * math.Pi / 180
	o.tr = 5
	o.tau = 30
	o.td = 200
	o.nproj = 13
	o.scale = 100
	for _, p := range prms {
		switch p.N {
		case "fa":
			o.fa = p.V
		case "tr":
			o.tr = p.V
		case "tau":
			o.tau = p.V
		case "td":
			o.td = p.V
		case "nproj":
			o.nproj = int(p.V)
		case "nproj_measured":
			o.nmeas = p.V
		case "scale":
			o.scale = p.V
		}
	}
	if o.nproj < 1 {
		return chk.Err("irll: nproj must be positive")
	}
	if o.nmeas == 0 {
		o.nmeas = float64(par.NScan * o.nproj)
	}
	par.UnknownsTGV = 2
	par.UnknownsH1 = 0
	par.Unknowns = 2
	o.sc = []float64{1, 1}
	o.cons = []*Constraint{
		{Min: -300, Max: 300, Real: false},
		{Min: math.Exp(-o.scale/10) / o.sc[1], Max: math.Exp(-o.scale/5500) / o.sc[1], Real: true},
	}
	return nil
}

func (o *IRLL) nvox() int { return o.par.NSlice * o.par.DimY * o.par.DimX }

// train evaluates the common signal factors of one voxel
func (o *IRLL) train(e1 complex128) (etau, f, qf complex128) {
	c := complex(math.Cos(o.fa), 0)
	etau = cmplx.Pow(e1, complex(o.tau/o.scale, 0))
	etr := cmplx.Pow(e1, complex(o.tr/o.scale, 0))
	etd := cmplx.Pow(e1, complex(o.td/o.scale, 0))
	bb := cmplx.Pow(etau*c, complex(o.nmeas-1, 0))
	f = (1 - etau) / (1 - etau*c)
	q := (-etr*etd*f*(1-bb)*c + etr*etd - 2*etd + 1) / (etr*etd*bb*c + 1)
	qf = q - f
	return
}

// ExecuteForward evaluates the averaged signal at every scan
func (o *IRLL) ExecuteForward(stepVal, x *backend.Buffer) error {
	nv := o.nvox()
	if x.Size() != 2*nv || stepVal.Size() != o.par.NScan*nv {
		return chk.Err("shape-mismatch: irll forward: x %v stepVal %v", x.Shape, stepVal.Shape)
	}
	c := complex(math.Cos(o.fa), 0)
	si := complex(math.Sin(o.fa), 0)
	for p := 0; p < nv; p++ {
		m0 := complex128(x.Data[p]) * complex(o.sc[0], 0)
		e1 := complex128(x.Data[nv+p]) * complex(o.sc[1], 0)
		etau, f, qf := o.train(e1)
		for i := 0; i < o.par.NScan; i++ {
			var acc complex128
			for j := 0; j < o.nproj; j++ {
				n := float64(i*o.nproj + j + 1)
				acc += m0 * (cmplx.Pow(etau*c, complex(n-1, 0))*qf + f) * si
			}
			stepVal.Data[i*nv+p] = complex64(acc / complex(float64(o.nproj), 0))
		}
	}
	return nil
}

// ExecuteGradient evaluates the partial derivatives at every scan
func (o *IRLL) ExecuteGradient(gradX, x *backend.Buffer) error {
	nv := o.nvox()
	if x.Size() != 2*nv || gradX.Size() != 2*o.par.NScan*nv {
		return chk.Err("shape-mismatch: irll gradient: x %v gradX %v", x.Shape, gradX.Shape)
	}
	nscan := o.par.NScan
	c := complex(math.Cos(o.fa), 0)
	si := complex(math.Sin(o.fa), 0)
	for p := 0; p < nv; p++ {
		m0 := complex128(x.Data[p]) * complex(o.sc[0], 0)
		x1 := complex128(x.Data[nv+p])
		e1 := x1 * complex(o.sc[1], 0)

		etau := cmplx.Pow(e1, complex(o.tau/o.scale, 0))
		etr := cmplx.Pow(e1, complex(o.tr/o.scale, 0))
		etd := cmplx.Pow(e1, complex(o.td/o.scale, 0))
		bb := cmplx.Pow(etau*c, complex(o.nmeas-1, 0))
		f := (1 - etau) / (1 - etau*c)
		num := -etr*etd*f*(1-bb)*c + etr*etd - 2*etd + 1
		den := etr*etd*bb*c + 1
		q := num / den
		qf := q - f

		// derivatives of the exponential factors with respect to x1
		dtau := complex(o.tau/o.scale, 0) * etau / x1
		dtr := complex(o.tr/o.scale, 0) * etr / x1
		dtd := complex(o.td/o.scale, 0) * etd / x1
		dbb := complex(o.nmeas-1, 0) * bb * dtau / etau
		df := (c - 1) / ((1 - etau*c) * (1 - etau*c)) * dtau
		dnum := -c*((dtr*etd+etr*dtd)*f*(1-bb)+etr*etd*df*(1-bb)-etr*etd*f*dbb) +
			dtr*etd + etr*dtd - 2*dtd
		dden := (dtr*etd+etr*dtd)*bb*c + etr*etd*dbb*c
		dq := (dnum*den - num*dden) / (den * den)
		dqf := dq - df

		for i := 0; i < nscan; i++ {
			var acc0, acc1 complex128
			for j := 0; j < o.nproj; j++ {
				n := float64(i*o.nproj + j + 1)
				en := cmplx.Pow(etau*c, complex(n-1, 0))
				acc0 += (en*qf + f) * si
				dpow := complex(n-1, 0) * en * dtau / etau // d(etau c)^(n-1) / dx1
				acc1 += (dpow*qf + en*dqf + df) * si
			}
			inv := complex(1/float64(o.nproj), 0)
			gradX.Data[i*nv+p] = complex64(complex(o.sc[0], 0) * acc0 * inv)
			gradX.Data[(nscan+i)*nv+p] = complex64(m0 * acc1 * inv)
		}
	}
	return nil
}

// InitialGuess calibrates the proton-density scale against the scan
// images and starts from a uniform T1 of 800
func (o *IRLL) InitialGuess(images *backend.Buffer) (*backend.Buffer, error) {
	nv := o.nvox()
	if images.Size() < nv {
		return nil, chk.Err("shape-mismatch: irll guess needs at least one scan image")
	}
	e1 := math.Exp(-o.scale / 800)

	// probe the model at unit proton density
	probe := backend.NewBuffer(2, o.par.NSlice, o.par.DimY, o.par.DimX)
	for p := 0; p < nv; p++ {
		probe.Data[p] = complex(float32(1/o.sc[0]), 0)
		probe.Data[nv+p] = complex(float32(e1/o.sc[1]), 0)
	}
	sig := backend.NewBuffer(o.par.NScan, o.par.NSlice, o.par.DimY, o.par.DimX)
	if err := o.ExecuteForward(sig, probe); err != nil {
		return nil, err
	}
	mimg := meanAbs(images.Data[:images.Size()])
	msig := meanAbs(sig.Data)
	if msig > 0 && mimg > 0 {
		o.sc[0] *= mimg / msig
		o.cons[0].Update(mimg / msig)
	}

	x0 := backend.NewBuffer(2, o.par.NSlice, o.par.DimY, o.par.DimX)
	for p := 0; p < nv; p++ {
		x0.Data[p] = complex(float32(1/o.sc[0]), 0)
		x0.Data[nv+p] = complex(float32(e1/o.sc[1]), 0)
	}
	return x0, nil
}

func meanAbs(v []complex64) float64 {
	if len(v) == 0 {
		return 0
	}
	s := 0.0
	for _, c := range v {
		s += math.Hypot(float64(real(c)), float64(imag(c)))
	}
	return s / float64(len(v))
}

// Rescale applies the unknown scaling
func (o *IRLL) Rescale(x *backend.Buffer) *backend.Buffer {
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
func (o *IRLL) Constraints() []*Constraint { return o.cons }

// UkScale returns the per-unknown scaling factors
func (o *IRLL) UkScale() []float64 { return o.sc }
