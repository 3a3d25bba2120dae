// Copyright 2018 The PyQMRI Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package models

import (
	"math"
	"testing"

	"github.com/cpmech/gosl/chk"
	"github.com/cpmech/gosl/fun"

	"github.com/1vanjordanov/PyQMRI/backend"
	"github.com/1vanjordanov/PyQMRI/inp"
)

// checkJacobian compares the analytic gradient of one unknown at one
// voxel against a central difference of the forward signal
func checkJacobian(tst *testing.T, m Model, par *inp.Par, x *backend.Buffer, u, p int, tol float64) {
	nv := par.NSlice * par.DimY * par.DimX
	nscan := par.NScan

	gradX := backend.NewBuffer(par.Unknowns, nscan, par.NSlice, par.DimY, par.DimX)
	if err := m.ExecuteGradient(gradX, x); err != nil {
		tst.Errorf("gradient failed: %v\n", err)
		return
	}

	h := float32(1e-3)
	xp := x.Clone()
	xm := x.Clone()
	xp.Data[u*nv+p] += complex(h, 0)
	xm.Data[u*nv+p] -= complex(h, 0)
	sp := backend.NewBuffer(nscan, par.NSlice, par.DimY, par.DimX)
	sm := backend.NewBuffer(nscan, par.NSlice, par.DimY, par.DimX)
	if err := m.ExecuteForward(sp, xp); err != nil {
		tst.Errorf("forward failed: %v\n", err)
		return
	}
	if err := m.ExecuteForward(sm, xm); err != nil {
		tst.Errorf("forward failed: %v\n", err)
		return
	}

	for n := 0; n < nscan; n++ {
		num := (complex128(sp.Data[n*nv+p]) - complex128(sm.Data[n*nv+p])) / complex(2*float64(h), 0)
		ana := complex128(gradX.Data[(u*nscan+n)*nv+p])
		chk.Scalar(tst, "dS/dx re", tol, real(ana), real(num))
		chk.Scalar(tst, "dS/dx im", tol, imag(ana), imag(num))
	}
}

func Test_monoexp01(tst *testing.T) {

	//verbose()
	chk.PrintTitle("monoexp01. forward signal and jacobian")

	par := &inp.Par{NScan: 4, NSlice: 1, DimY: 2, DimX: 2, Dz: 1,
		BValue: []float64{0, 0.5, 1, 2}}
	m, err := GetModel("monoexp", par, nil)
	if err != nil {
		tst.Errorf("GetModel failed: %v\n", err)
		return
	}
	chk.IntAssert(par.Unknowns, 2)
	chk.IntAssert(par.UnknownsTGV, 2)

	nv := 4
	x := backend.NewBuffer(2, 1, 2, 2)
	for p := 0; p < nv; p++ {
		x.Data[p] = complex(100, 0)
		x.Data[nv+p] = complex(1, 0)
	}
	s := backend.NewBuffer(4, 1, 2, 2)
	if err := m.ExecuteForward(s, x); err != nil {
		tst.Errorf("forward failed: %v\n", err)
		return
	}
	for n, b := range par.BValue {
		want := 100 * math.Exp(-b)
		chk.Scalar(tst, "signal", 1e-4, float64(real(s.Data[n*nv])), want)
	}

	checkJacobian(tst, m, par, x, 0, 0, 1e-2)
	checkJacobian(tst, m, par, x, 1, 2, 1e-2)
}

func Test_diffdir01(tst *testing.T) {

	//verbose()
	chk.PrintTitle("diffdir01. cholesky tensor model")

	par := &inp.Par{NScan: 3, NSlice: 1, DimY: 2, DimX: 2, Dz: 1,
		BValue: []float64{0, 1, 2},
		DWIDir: [][]float64{{1, 0, 0}, {0.707, 0.707, 0}, {0, 0, 1}}}
	m, err := GetModel("diffdir", par, nil)
	if err != nil {
		tst.Errorf("GetModel failed: %v\n", err)
		return
	}
	chk.IntAssert(par.Unknowns, 7)

	nv := 4
	x := backend.NewBuffer(7, 1, 2, 2)
	vals := []float32{1.5, 1.0, 0.2, 0.8, 0.1, 0.9, 0.3}
	for u := 0; u < 7; u++ {
		for p := 0; p < nv; p++ {
			x.Data[u*nv+p] = complex(vals[u], 0)
		}
	}

	// the rescaled maps recombine the factors into D = L L^T
	maps := m.Rescale(x)
	l1, l2, l3, l4, l5, l6 := 1.0, 0.2, 0.8, 0.1, 0.9, 0.3
	chk.Scalar(tst, "M0", 1e-6, float64(real(maps.Data[0])), 1.5)
	chk.Scalar(tst, "Dxx", 1e-6, float64(real(maps.Data[nv])), l1*l1)
	chk.Scalar(tst, "Dxy", 1e-6, float64(real(maps.Data[2*nv])), l2*l1)
	chk.Scalar(tst, "Dyy", 1e-6, float64(real(maps.Data[3*nv])), l2*l2+l3*l3)
	chk.Scalar(tst, "Dxz", 1e-6, float64(real(maps.Data[4*nv])), l4*l1)
	chk.Scalar(tst, "Dzz", 1e-6, float64(real(maps.Data[5*nv])), l4*l4+l5*l5+l6*l6)
	chk.Scalar(tst, "Dyz", 1e-6, float64(real(maps.Data[6*nv])), l2*l4+l6*l3)

	for u := 0; u < 7; u++ {
		checkJacobian(tst, m, par, x, u, 1, 1e-2)
	}
}

func Test_irll01(tst *testing.T) {

	//verbose()
	chk.PrintTitle("irll01. look-locker t1 model")

	par := &inp.Par{NScan: 13, NSlice: 1, DimY: 2, DimX: 2, Dz: 1}
	m, err := GetModel("irll", par, []*fun.Prm{
		{N: "fa", V: 6 * math.Pi / 180},
		{N: "tr", V: 5},
		{N: "tau", V: 30},
		{N: "td", V: 200},
		{N: "nproj", V: 13},
	})
	if err != nil {
		tst.Errorf("GetModel failed: %v\n", err)
		return
	}
	chk.IntAssert(par.Unknowns, 2)

	nv := 4
	e1 := math.Exp(-100.0 / 800.0)
	x := backend.NewBuffer(2, 1, 2, 2)
	for p := 0; p < nv; p++ {
		x.Data[p] = complex(1, 0)
		x.Data[nv+p] = complex(float32(e1), 0)
	}

	s := backend.NewBuffer(13, 1, 2, 2)
	if err := m.ExecuteForward(s, x); err != nil {
		tst.Errorf("forward failed: %v\n", err)
		return
	}
	n := backend.ZeroNonFinite(s)
	chk.IntAssert(n, 0)

	// the recovery curve grows towards steady state
	first := math.Abs(float64(real(s.Data[0])))
	last := math.Abs(float64(real(s.Data[12*nv])))
	if first >= last {
		tst.Errorf("recovery curve should grow: %v >= %v\n", first, last)
		return
	}

	checkJacobian(tst, m, par, x, 0, 0, 1e-4)
	checkJacobian(tst, m, par, x, 1, 3, 1e-2)
}

func Test_registry01(tst *testing.T) {

	//verbose()
	chk.PrintTitle("registry01. model registry")

	names := Models()
	chk.IntAssert(len(names), 3)
	if _, err := GetModel("unknown-model", &inp.Par{}, nil); err == nil {
		tst.Errorf("expected error for unknown model name\n")
	}
}

func verbose() {
	chk.Verbose = true
}
