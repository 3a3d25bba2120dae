// Copyright 2018 The PyQMRI Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package operator

import (
	"math"
	"testing"

	"github.com/cpmech/gosl/chk"
	"github.com/cpmech/gosl/rnd"

	"github.com/1vanjordanov/PyQMRI/backend"
	"github.com/1vanjordanov/PyQMRI/inp"
)

func randBuffer(shape ...int) *backend.Buffer {
	b := backend.NewBuffer(shape...)
	for i := range b.Data {
		b.Data[i] = complex(float32(rnd.Float64(-1, 1)), float32(rnd.Float64(-1, 1)))
	}
	return b
}

func relDiff(a, b float64) float64 {
	d := math.Max(math.Abs(a), math.Abs(b))
	if d == 0 {
		return 0
	}
	return math.Abs(a-b) / d
}

func testPar() *inp.Par {
	return &inp.Par{
		NScan: 3, NC: 2, NSlice: 4, DimY: 6, DimX: 5, Dz: 0.7,
		Unknowns: 3, UnknownsTGV: 2, UnknownsH1: 1,
	}
}

func newTestProgram(par *inp.Par) *backend.Program {
	return backend.NewProgram(backend.NewQueue(), par.Unknowns, par.UnknownsTGV,
		par.NSlice, par.DimY, par.DimX, par.Dz)
}

func Test_adjoint01(tst *testing.T) {

	//verbose()
	chk.PrintTitle("adjoint01. gradient operator")

	rnd.Init(1234)
	par := testPar()
	prg := newTestProgram(par)
	q := prg.Queue()
	grad := NewFiniteGradient(prg)

	a := randBuffer(par.Unknowns, par.NSlice, par.DimY, par.DimX)
	b := randBuffer(par.Unknowns, par.NSlice, par.DimY, par.DimX, 4)
	// keep the padding channel empty
	for p := 0; p < b.Size()/4; p++ {
		b.Data[p*4+3] = 0
	}
	ga := backend.NewBuffer(b.Shape...)
	gtb := backend.NewBuffer(a.Shape...)

	ev, err := grad.Fwd(ga, a)
	if err != nil {
		tst.Errorf("fwd failed: %v\n", err)
		return
	}
	ev.Wait()
	ev, err = grad.Adj(gtb, b)
	if err != nil {
		tst.Errorf("adj failed: %v\n", err)
		return
	}
	ev.Wait()

	lhs := q.Vdot(ga, b)
	rhs := q.Vdot(a, gtb)
	if relDiff(lhs, rhs) > 5e-5 {
		tst.Errorf("<Ga,b> != <a,G*b>: %v %v\n", lhs, rhs)
	}
}

func Test_adjoint02(tst *testing.T) {

	//verbose()
	chk.PrintTitle("adjoint02. symmetric gradient operator")

	rnd.Init(4321)
	par := testPar()
	prg := newTestProgram(par)
	q := prg.Queue()
	sym := NewFiniteSymGradient(prg)

	a := randBuffer(par.UnknownsTGV, par.NSlice, par.DimY, par.DimX, 4)
	for p := 0; p < a.Size()/4; p++ {
		a.Data[p*4+3] = 0
	}
	b := randBuffer(par.UnknownsTGV, par.NSlice, par.DimY, par.DimX, 8)
	for p := 0; p < b.Size()/8; p++ {
		b.Data[p*8+6] = 0
		b.Data[p*8+7] = 0
	}
	ea := backend.NewBuffer(b.Shape...)
	etb := backend.NewBuffer(a.Shape...)

	ev, err := sym.Fwd(ea, a)
	if err != nil {
		tst.Errorf("fwd failed: %v\n", err)
		return
	}
	ev.Wait()
	ev, err = sym.Adj(etb, b)
	if err != nil {
		tst.Errorf("adj failed: %v\n", err)
		return
	}
	ev.Wait()

	lhs := q.Vdot(ea, b)
	rhs := q.Vdot(a, etb)
	if relDiff(lhs, rhs) > 5e-5 {
		tst.Errorf("<Ea,b> != <a,E*b>: %v %v\n", lhs, rhs)
	}
}

func Test_adjoint03(tst *testing.T) {

	//verbose()
	chk.PrintTitle("adjoint03. k-space measurement operator")

	rnd.Init(5678)
	par := testPar()
	prg := newTestProgram(par)
	q := prg.Queue()

	coils := randBuffer(par.NC, par.NSlice, par.DimY, par.DimX)
	op, err := NewKspace(prg, par, coils)
	if err != nil {
		tst.Errorf("NewKspace failed: %v\n", err)
		return
	}
	gradX := randBuffer(par.Unknowns, par.NScan, par.NSlice, par.DimY, par.DimX)
	if err := op.SetLinearization(gradX); err != nil {
		tst.Errorf("SetLinearization failed: %v\n", err)
		return
	}

	x := randBuffer(par.Unknowns, par.NSlice, par.DimY, par.DimX)
	y := randBuffer(op.DataShape()...)
	ax := backend.NewBuffer(op.DataShape()...)
	aty := backend.NewBuffer(x.Shape...)

	ev, err := op.Fwd(ax, x)
	if err != nil {
		tst.Errorf("fwd failed: %v\n", err)
		return
	}
	ev.Wait()
	ev, err = op.Adj(aty, y)
	if err != nil {
		tst.Errorf("adj failed: %v\n", err)
		return
	}
	ev.Wait()

	lhs := q.Vdot(ax, y)
	rhs := q.Vdot(x, aty)
	if relDiff(lhs, rhs) > 1e-4 {
		tst.Errorf("<Ax,y> != <x,A*y>: %v %v\n", lhs, rhs)
	}
}

func Test_adjoint04(tst *testing.T) {

	//verbose()
	chk.PrintTitle("adjoint04. SMS measurement operator")

	rnd.Init(8765)
	par := testPar()
	par.MB = 2
	par.Shift = []float64{0, 0.5}
	prg := newTestProgram(par)
	q := prg.Queue()

	coils := randBuffer(par.NC, par.NSlice, par.DimY, par.DimX)
	op, err := NewKspace(prg, par, coils)
	if err != nil {
		tst.Errorf("NewKspace failed: %v\n", err)
		return
	}
	gradX := randBuffer(par.Unknowns, par.NScan, par.NSlice, par.DimY, par.DimX)
	op.SetLinearization(gradX)

	chk.IntAssert(op.DataShape()[2], par.NSlice/2)

	x := randBuffer(par.Unknowns, par.NSlice, par.DimY, par.DimX)
	y := randBuffer(op.DataShape()...)
	ax := backend.NewBuffer(op.DataShape()...)
	aty := backend.NewBuffer(x.Shape...)

	ev, _ := op.Fwd(ax, x)
	ev.Wait()
	ev, _ = op.Adj(aty, y)
	ev.Wait()

	lhs := q.Vdot(ax, y)
	rhs := q.Vdot(x, aty)
	if relDiff(lhs, rhs) > 1e-4 {
		tst.Errorf("<Ax,y> != <x,A*y>: %v %v\n", lhs, rhs)
	}
}

func Test_adjoint05(tst *testing.T) {

	//verbose()
	chk.PrintTitle("adjoint05. fused Kyk1 equals A*(y) + G*(z1)")

	rnd.Init(97531)
	par := testPar()
	prg := newTestProgram(par)
	q := prg.Queue()
	grad := NewFiniteGradient(prg)

	op := NewImagespace(prg, par)
	gradX := randBuffer(par.Unknowns, par.NScan, par.NSlice, par.DimY, par.DimX)
	op.SetLinearization(gradX)

	y := randBuffer(op.DataShape()...)
	z1 := randBuffer(par.Unknowns, par.NSlice, par.DimY, par.DimX, 4)

	fused := backend.NewBuffer(par.Unknowns, par.NSlice, par.DimY, par.DimX)
	aty := backend.NewBuffer(fused.Shape...)
	gtz := backend.NewBuffer(fused.Shape...)

	ev, err := op.AdjKyk1(fused, y, z1, grad)
	if err != nil {
		tst.Errorf("AdjKyk1 failed: %v\n", err)
		return
	}
	ev.Wait()
	ev, _ = op.Adj(aty, y)
	ev.Wait()
	ev, _ = grad.Adj(gtz, z1)
	ev.Wait()

	for i := range fused.Data {
		want := aty.Data[i] + gtz.Data[i]
		d := fused.Data[i] - want
		if math.Hypot(float64(real(d)), float64(imag(d))) > 1e-4 {
			tst.Errorf("fused Kyk1 disagrees at %d: %v != %v\n", i, fused.Data[i], want)
			return
		}
	}
	if q.Nrm2(fused) == 0 {
		tst.Errorf("fused Kyk1 is identically zero\n")
	}
}

func Test_fft01(tst *testing.T) {

	//verbose()
	chk.PrintTitle("fft01. unitary round trip")

	rnd.Init(2468)
	q := backend.NewQueue()
	nf := NewNUFFT(q, 6, 5)

	x := randBuffer(2, 6, 5)
	k := backend.NewBuffer(2, 6, 5)
	back := backend.NewBuffer(2, 6, 5)

	ev, err := nf.FFT(k, x)
	if err != nil {
		tst.Errorf("fft failed: %v\n", err)
		return
	}
	ev.Wait()
	ev, err = nf.FFTH(back, k)
	if err != nil {
		tst.Errorf("ffth failed: %v\n", err)
		return
	}
	ev.Wait()

	chk.Scalar(tst, "norm preserved", 1e-5, q.Nrm2(k), q.Nrm2(x))
	chk.Scalar(tst, "round trip", 1e-5, q.Nrm2Diff(back, x), 0)
}

func Test_ratio01(tst *testing.T) {

	//verbose()
	chk.PrintTitle("ratio01. gradient ratio balancing")

	par := testPar()
	prg := newTestProgram(par)
	grad := NewFiniteGradient(prg)

	// unknown 0 varies 10x more than unknown 1; unknown 2 is flat
	nv := par.NSlice * par.DimY * par.DimX
	x := backend.NewBuffer(par.Unknowns, par.NSlice, par.DimY, par.DimX)
	for p := 0; p < nv; p++ {
		xx := p % par.DimX
		x.Data[p] = complex(float32(10*xx), 0)
		x.Data[nv+p] = complex(float32(xx), 0)
		x.Data[2*nv+p] = complex(1, 0)
	}
	if err := grad.UpdateRatio(x); err != nil {
		tst.Errorf("UpdateRatio failed: %v\n", err)
		return
	}
	r := grad.Ratio()
	chk.Scalar(tst, "ratio balance", 1e-6, r[0]*10, r[1])
	chk.Scalar(tst, "flat unknown keeps default", 1e-15, r[2], 1.0/3.0)
}

func verbose() {
	chk.Verbose = true
}
