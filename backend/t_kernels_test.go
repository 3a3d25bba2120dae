// Copyright 2018 The PyQMRI Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package backend

import (
	"math"
	"testing"

	"github.com/cpmech/gosl/chk"
)

func newTestProgram(unknowns, unknownsTGV, ns, ny, nx int) *Program {
	return NewProgram(NewQueue(), unknowns, unknownsTGV, ns, ny, nx, 1)
}

func Test_primal01(tst *testing.T) {

	//verbose()
	chk.PrintTitle("primal01. constrained primal update feasibility")

	prg := newTestProgram(2, 2, 1, 3, 4)
	err := prg.SetConstraints([]float64{0, -1}, []float64{2, 1}, []bool{false, true})
	if err != nil {
		tst.Errorf("SetConstraints failed: %v\n", err)
		return
	}

	nv := 12
	x := NewBuffer(2, 1, 3, 4)
	xk := NewBuffer(2, 1, 3, 4)
	Kyk := NewBuffer(2, 1, 3, 4)
	xNew := NewBuffer(2, 1, 3, 4)

	// start every voxel at twice its upper bound
	for p := 0; p < nv; p++ {
		x.Data[p] = complex(4, 0.5)  // unknown 0: max=2
		x.Data[nv+p] = complex(2, 1) // unknown 1: max=1, real
		xk.Data[p] = x.Data[p]
		xk.Data[nv+p] = x.Data[nv+p]
	}

	ev, err := prg.UpdatePrimal(xNew, x, Kyk, xk, 0.5, 1e10)
	if err != nil {
		tst.Errorf("UpdatePrimal failed: %v\n", err)
		return
	}
	if err := ev.Wait(); err != nil {
		tst.Errorf("kernel failed: %v\n", err)
		return
	}

	for p := 0; p < nv; p++ {
		if real(xNew.Data[p]) > 2 || real(xNew.Data[p]) < 0 {
			tst.Errorf("unknown 0 violates box constraint: %v\n", xNew.Data[p])
			return
		}
		if imag(xNew.Data[p]) == 0 {
			tst.Errorf("unknown 0 should keep its imaginary part\n")
			return
		}
		if real(xNew.Data[nv+p]) > 1 || real(xNew.Data[nv+p]) < -1 {
			tst.Errorf("unknown 1 violates box constraint: %v\n", xNew.Data[nv+p])
			return
		}
		if imag(xNew.Data[nv+p]) != 0 {
			tst.Errorf("unknown 1 should be real after projection\n")
			return
		}
	}
}

func Test_prox01(tst *testing.T) {

	//verbose()
	chk.PrintTitle("prox01. dual proximal maps are contractive")

	prg := newTestProgram(2, 2, 2, 3, 3)
	nvox := 2 * 3 * 3
	alpha := 0.7
	beta := 1.4

	z1 := NewBuffer(2, 2, 3, 3, 4)
	z1New := NewBuffer(2, 2, 3, 3, 4)
	gx := NewBuffer(2, 2, 3, 3, 4)
	gxOld := NewBuffer(2, 2, 3, 3, 4)
	for i := range gx.Data {
		gx.Data[i] = complex(float32(3+i%5), float32(-2+i%3))
	}

	ev, err := prg.UpdateZ1TV(z1New, z1, gx, gxOld, 10.0, 1.0, alpha, 0)
	if err != nil {
		tst.Errorf("UpdateZ1TV failed: %v\n", err)
		return
	}
	ev.Wait()

	for p := 0; p < 2*nvox; p++ {
		sum := 0.0
		for c := 0; c < 3; c++ {
			v := z1New.Data[p*4+c]
			sum += float64(real(v))*float64(real(v)) + float64(imag(v))*float64(imag(v))
		}
		if math.Sqrt(sum) > alpha*(1+1e-5) {
			tst.Errorf("z1 projection left the alpha ball: %v > %v\n", math.Sqrt(sum), alpha)
			return
		}
	}

	z2 := NewBuffer(2, 2, 3, 3, 8)
	z2New := NewBuffer(2, 2, 3, 3, 8)
	sym := NewBuffer(2, 2, 3, 3, 8)
	symOld := NewBuffer(2, 2, 3, 3, 8)
	for i := range sym.Data {
		sym.Data[i] = complex(float32(1+i%7), float32(i%4))
	}

	ev, err = prg.UpdateZ2(z2New, z2, sym, symOld, 10.0, 1.0, beta)
	if err != nil {
		tst.Errorf("UpdateZ2 failed: %v\n", err)
		return
	}
	ev.Wait()

	for p := 0; p < 2*nvox; p++ {
		sum := 0.0
		for c := 0; c < 6; c++ {
			v := z2New.Data[p*8+c]
			sum += float64(real(v))*float64(real(v)) + float64(imag(v))*float64(imag(v))
		}
		if math.Sqrt(sum) > beta*(1+1e-5) {
			tst.Errorf("z2 projection left the beta ball: %v > %v\n", math.Sqrt(sum), beta)
			return
		}
	}
}

func Test_nan01(tst *testing.T) {

	//verbose()
	chk.PrintTitle("nan01. non-finite filter")

	b := NewBuffer(8)
	nan := float32(math.NaN())
	inf := float32(math.Inf(1))
	b.Data[1] = complex(nan, 0)
	b.Data[3] = complex(0, inf)
	b.Data[5] = complex(2, -3)

	n := ZeroNonFinite(b)
	chk.IntAssert(n, 2)
	if b.Data[1] != 0 || b.Data[3] != 0 {
		tst.Errorf("non-finite entries were not zeroed\n")
		return
	}
	if b.Data[5] != complex(2, -3) {
		tst.Errorf("finite entry was modified\n")
	}
}

func Test_reduce01(tst *testing.T) {

	//verbose()
	chk.PrintTitle("reduce01. reductions")

	q := NewQueue()
	a := NewBuffer(3)
	b := NewBuffer(3)
	a.Data[0] = complex(1, 2)
	a.Data[1] = complex(-1, 0)
	a.Data[2] = complex(0, 3)
	b.Data[0] = complex(2, 1)
	b.Data[1] = complex(1, 1)
	b.Data[2] = complex(0, -3)

	// Re(sum conj(a)*b) = (1*2+2*1) + (-1*1) + (3*-3)
	chk.Scalar(tst, "vdot", 1e-12, q.Vdot(a, b), 2+2-1-9)
	chk.Scalar(tst, "nrm2", 1e-6, q.Nrm2(a), math.Sqrt(1+4+1+9))
	chk.Scalar(tst, "sumabs", 1e-6, q.SumAbs(a), math.Sqrt(5)+1+3)
	chk.Scalar(tst, "sumreal", 1e-6, q.SumReal(a), 0.0)
	chk.Scalar(tst, "nrm2diff", 1e-6, q.Nrm2Diff(a, a), 0.0)
}

func Test_view01(tst *testing.T) {

	//verbose()
	chk.PrintTitle("view01. buffer views share storage")

	b := NewBuffer(3, 2, 2)
	for i := range b.Data {
		b.Data[i] = complex(float32(i), 0)
	}
	v := b.View(1, 3)
	chk.IntAssert(v.Size(), 8)
	chk.IntAssert(v.Shape[0], 2)
	v.Data[0] = complex(-1, 0)
	if b.Data[4] != complex(-1, 0) {
		tst.Errorf("view does not share storage\n")
	}
}

func verbose() {
	chk.Verbose = true
}
