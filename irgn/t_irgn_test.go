// Copyright 2018 The PyQMRI Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package irgn

import (
	"context"
	"math"
	"testing"

	"github.com/cpmech/gosl/chk"
	"github.com/cpmech/gosl/fun"
	"github.com/cpmech/gosl/io"
	"github.com/cpmech/gosl/utl"

	"github.com/1vanjordanov/PyQMRI/backend"
	"github.com/1vanjordanov/PyQMRI/inp"
	"github.com/1vanjordanov/PyQMRI/models"
)

// monoExpSetup builds an image-space mono-exponential problem with
// the given true maps and returns the reconstruction
func monoExpSetup(tst *testing.T, par *inp.Par, irgnPar inp.RecoPar, m0, adc []float64, prms fun.Prms) (*ModelReco, *backend.Buffer) {
	model, err := models.GetModel("monoexp", par, prms)
	if err != nil {
		tst.Fatalf("GetModel failed: %v\n", err)
	}
	nv := par.NSlice * par.DimY * par.DimX
	truth := backend.NewBuffer(2, par.NSlice, par.DimY, par.DimX)
	for p := 0; p < nv; p++ {
		truth.Data[p] = complex(float32(m0[p]), 0)
		truth.Data[nv+p] = complex(float32(adc[p]), 0)
	}
	data := backend.NewBuffer(par.NScan, par.NSlice, par.DimY, par.DimX)
	if err := model.ExecuteForward(data, truth); err != nil {
		tst.Fatalf("forward failed: %v\n", err)
	}
	reco, err := NewModelReco(par, irgnPar, model, data, nil, true)
	if err != nil {
		tst.Fatalf("NewModelReco failed: %v\n", err)
	}
	return reco, truth
}

func lastDataset(reco *ModelReco, reg Regularization) *backend.Buffer {
	key := ""
	for ign := 0; ; ign++ {
		var k string
		if reg == TV {
			k = io.Sf("tv_result_%d", ign)
		} else {
			k = io.Sf("tgv_result_iter_%d", ign)
		}
		if reco.Container().GetDataset(k) == nil {
			break
		}
		key = k
	}
	if key == "" {
		return nil
	}
	d := reco.Container().GetDataset(key)
	return &backend.Buffer{Data: d.Complex(), Shape: d.Shape}
}

func Test_monoexp01(tst *testing.T) {

	//verbose()
	chk.PrintTitle("monoexp01. single voxel recovery, exact guess")

	par := &inp.Par{NScan: 4, NSlice: 1, DimY: 1, DimX: 1, Dz: 1,
		BValue: []float64{0, 0.5, 1, 2}}
	irgnPar := inp.DefaultRecoPar()
	irgnPar.StartIters = 50
	irgnPar.MaxIters = 100
	irgnPar.MaxGNIt = 2
	irgnPar.Tol = 1e-10
	irgnPar.Gamma = 0
	irgnPar.GammaMin = 0
	irgnPar.Delta = 4e4
	irgnPar.DeltaMax = 4e6

	reco, _ := monoExpSetup(tst, par, irgnPar, []float64{100}, []float64{1.0}, nil)
	if err := reco.Execute(context.Background(), TV); err != nil {
		tst.Errorf("Execute failed: %v\n", err)
		return
	}

	maps := lastDataset(reco, TV)
	if maps == nil {
		tst.Errorf("no result persisted\n")
		return
	}
	m0 := float64(real(maps.Data[0]))
	adcv := float64(real(maps.Data[1]))
	if m0 < 99.5 || m0 > 100.5 {
		tst.Errorf("M0 not recovered: %v\n", m0)
	}
	if adcv < 0.995 || adcv > 1.005 {
		tst.Errorf("ADC not recovered: %v\n", adcv)
	}
}

func Test_monoexp02(tst *testing.T) {

	//verbose()
	chk.PrintTitle("monoexp02. single voxel recovery, perturbed guess")

	par := &inp.Par{NScan: 4, NSlice: 1, DimY: 1, DimX: 1, Dz: 1,
		BValue: []float64{0, 0.5, 1, 2}}
	irgnPar := inp.DefaultRecoPar()
	irgnPar.StartIters = 200
	irgnPar.MaxIters = 800
	irgnPar.MaxGNIt = 8
	irgnPar.Tol = 1e-8
	irgnPar.Gamma = 0
	irgnPar.GammaMin = 0
	irgnPar.Delta = 4e4
	irgnPar.DeltaMax = 4e6

	// the initial diffusivity guess is 1.0; the truth is 0.8
	reco, _ := monoExpSetup(tst, par, irgnPar, []float64{100}, []float64{0.8}, nil)
	if err := reco.Execute(context.Background(), TV); err != nil {
		tst.Errorf("Execute failed: %v\n", err)
		return
	}

	maps := lastDataset(reco, TV)
	if maps == nil {
		tst.Errorf("no result persisted\n")
		return
	}
	m0 := float64(real(maps.Data[0]))
	adcv := float64(real(maps.Data[1]))
	if math.Abs(m0-100) > 1.0 {
		tst.Errorf("M0 not recovered: %v\n", m0)
	}
	if math.Abs(adcv-0.8) > 0.02 {
		tst.Errorf("ADC not recovered: %v\n", adcv)
	}
}

func Test_irll01(tst *testing.T) {

	//verbose()
	chk.PrintTitle("irll01. look-locker t1 recovery on a 4x4 image")

	par := &inp.Par{NScan: 13, NSlice: 1, DimY: 4, DimX: 4, Dz: 1}
	model, err := models.GetModel("irll", par, []*fun.Prm{
		{N: "fa", V: 6 * math.Pi / 180},
		{N: "tr", V: 5},
		{N: "tau", V: 30},
		{N: "td", V: 200},
		{N: "nproj", V: 13},
	})
	if err != nil {
		tst.Fatalf("GetModel failed: %v\n", err)
	}

	// uniform truth: M0 = 1, T1 = 800
	nv := 16
	scale := 100.0
	e1 := math.Exp(-scale / 800)
	truth := backend.NewBuffer(2, 1, 4, 4)
	for p := 0; p < nv; p++ {
		truth.Data[p] = complex(1, 0)
		truth.Data[nv+p] = complex(float32(e1), 0)
	}
	data := backend.NewBuffer(13, 1, 4, 4)
	if err := model.ExecuteForward(data, truth); err != nil {
		tst.Fatalf("forward failed: %v\n", err)
	}

	irgnPar := inp.DefaultRecoPar()
	irgnPar.StartIters = 16
	irgnPar.MaxIters = 32
	irgnPar.MaxGNIt = 2

	reco, err := NewModelReco(par, irgnPar, model, data, nil, true)
	if err != nil {
		tst.Fatalf("NewModelReco failed: %v\n", err)
	}
	if err := reco.Execute(context.Background(), TV); err != nil {
		tst.Errorf("Execute failed: %v\n", err)
		return
	}

	maps := lastDataset(reco, TV)
	if maps == nil {
		tst.Errorf("no result persisted\n")
		return
	}
	for p := 0; p < nv; p++ {
		e1rec := float64(real(maps.Data[nv+p]))
		if e1rec <= 0 {
			tst.Errorf("non-positive E1 recovered: %v\n", e1rec)
			return
		}
		t1 := -scale / math.Log(e1rec)
		if math.Abs(t1-800)/800 > 0.01 {
			tst.Errorf("T1 not recovered at voxel %d: %v\n", p, t1)
			return
		}
	}
}

func Test_stag01(tst *testing.T) {

	//verbose()
	chk.PrintTitle("stag01. data equal to the prediction stops early")

	par := &inp.Par{NScan: 4, NSlice: 1, DimY: 8, DimX: 8, Dz: 1,
		BValue: []float64{0, 0.5, 1, 2}}
	irgnPar := inp.DefaultRecoPar()
	irgnPar.StartIters = 150
	irgnPar.MaxIters = 150
	irgnPar.MaxGNIt = 1
	irgnPar.Delta = 1e-6
	irgnPar.DeltaMax = 1e-3

	// a ramp in M0 gives the objective a nonzero TV part
	nv := 64
	m0 := make([]float64, nv)
	adc := make([]float64, nv)
	for p := 0; p < nv; p++ {
		m0[p] = 50 + float64(p%8)*10
		adc[p] = 1.0
	}
	reco, _ := monoExpSetup(tst, par, irgnPar, m0, adc, nil)
	if err := reco.Execute(context.Background(), TV); err != nil {
		tst.Errorf("Execute failed: %v\n", err)
		return
	}

	if reco.LastInnerIters >= 150 {
		tst.Errorf("solver did not stop early: %d iterations\n", reco.LastInnerIters)
		return
	}
	chk.IntAssert(reco.LastInnerIters, 50)
	if reco.StopReason != "primal-decrease" {
		tst.Errorf("unexpected stop reason %q\n", reco.StopReason)
	}
}

func Test_constr01(tst *testing.T) {

	//verbose()
	chk.PrintTitle("constr01. box constraint enforcement through the solver")

	par := &inp.Par{NScan: 4, NSlice: 1, DimY: 4, DimX: 4, Dz: 1,
		BValue: []float64{0, 0.5, 1, 2}}
	irgnPar := inp.DefaultRecoPar()
	irgnPar.StartIters = 50
	irgnPar.MaxIters = 50
	irgnPar.MaxGNIt = 1
	irgnPar.Gamma = 0
	irgnPar.GammaMin = 0
	irgnPar.Delta = 4e4
	irgnPar.DeltaMax = 4e6

	// the proton density guess starts at twice its upper bound
	nv := 16
	m0 := make([]float64, nv)
	adc := make([]float64, nv)
	for p := 0; p < nv; p++ {
		m0[p] = 100
		adc[p] = 1.0
	}
	prms := fun.Prms{{N: "m0_max", V: 50}}
	reco, _ := monoExpSetup(tst, par, irgnPar, m0, adc, prms)
	if err := reco.Execute(context.Background(), TV); err != nil {
		tst.Errorf("Execute failed: %v\n", err)
		return
	}

	maps := lastDataset(reco, TV)
	if maps == nil {
		tst.Errorf("no result persisted\n")
		return
	}
	for p := 0; p < nv; p++ {
		m0rec := float64(real(maps.Data[p]))
		if m0rec > 50*(1+1e-5) {
			tst.Errorf("M0 violates its upper bound at voxel %d: %v\n", p, m0rec)
			return
		}
	}
}

func Test_balance01(tst *testing.T) {

	//verbose()
	chk.PrintTitle("balance01. model gradient balancing invariants")

	par := &inp.Par{NScan: 4, NSlice: 1, DimY: 4, DimX: 4, Dz: 1,
		BValue: []float64{0, 0.5, 1, 2}}
	irgnPar := inp.DefaultRecoPar()
	nv := 16
	m0 := make([]float64, nv)
	adc := make([]float64, nv)
	for p := 0; p < nv; p++ {
		m0[p] = 80 + float64(p)
		adc[p] = 0.9
	}
	reco, _ := monoExpSetup(tst, par, irgnPar, m0, adc, nil)

	images, err := reco.Images()
	if err != nil {
		tst.Fatalf("Images failed: %v\n", err)
	}
	result, err := reco.Model.InitialGuess(images)
	if err != nil {
		tst.Fatalf("InitialGuess failed: %v\n", err)
	}
	if err := reco.Model.ExecuteGradient(reco.gradX, result); err != nil {
		tst.Fatalf("gradient failed: %v\n", err)
	}

	// physical values before balancing
	uk := reco.Model.UkScale()
	before := make([]float64, 2*nv)
	for u := 0; u < 2; u++ {
		for p := 0; p < nv; p++ {
			before[u*nv+p] = float64(real(result.Data[u*nv+p])) * uk[u]
		}
	}

	if err := reco.balanceModelGradients(result); err != nil {
		tst.Errorf("balance failed: %v\n", err)
		return
	}

	// x * uk_scale is invariant
	for u := 0; u < 2; u++ {
		for p := 0; p < nv; p++ {
			after := float64(real(result.Data[u*nv+p])) * uk[u]
			chk.Scalar(tst, "product invariant", 1e-4*math.Abs(before[u*nv+p]), after, before[u*nv+p])
		}
	}

	// jacobian columns are equinormed at 1e3/sqrt(U)
	target := 1e3 / math.Sqrt(2)
	for u := 0; u < 2; u++ {
		norm := reco.queue.Nrm2(reco.gradX.View(u, u+1))
		if math.Abs(norm-target)/target > 0.01 {
			tst.Errorf("column %d not balanced: %v != %v\n", u, norm, target)
			return
		}
	}
}

func Test_phantom01(tst *testing.T) {

	//verbose()
	chk.PrintTitle("phantom01. TV and TGV on a piecewise-linear map")

	if testing.Short() {
		tst.Skip("phantom reconstruction skipped in short mode")
	}

	nv := 16 * 16
	ramp := utl.LinSpace(0.5, 1.2, 8)
	m0 := make([]float64, nv)
	adc := make([]float64, nv)
	for p := 0; p < nv; p++ {
		xx := p % 16
		m0[p] = 100
		if xx < 8 {
			adc[p] = 0.5 // constant region
		} else {
			adc[p] = ramp[xx-8] // ramp region
		}
	}

	for _, reg := range []Regularization{TV, TGV} {
		par := &inp.Par{NScan: 4, NSlice: 1, DimY: 16, DimX: 16, Dz: 1,
			BValue: []float64{0, 0.5, 1, 2}}
		irgnPar := inp.DefaultRecoPar()
		irgnPar.StartIters = 50
		irgnPar.MaxIters = 100
		irgnPar.MaxGNIt = 2
		irgnPar.Delta = 4e4
		irgnPar.DeltaMax = 4e6

		reco, _ := monoExpSetup(tst, par, irgnPar, m0, adc, nil)
		if err := reco.Execute(context.Background(), reg); err != nil {
			tst.Errorf("Execute(%v) failed: %v\n", reg, err)
			return
		}
		maps := lastDataset(reco, reg)
		if maps == nil {
			tst.Errorf("no result persisted for %v\n", reg)
			return
		}
		if n := backend.ZeroNonFinite(maps); n != 0 {
			tst.Errorf("result of %v contains %d non-finite values\n", reg, n)
			return
		}
	}
}

func Test_cancel01(tst *testing.T) {

	//verbose()
	chk.PrintTitle("cancel01. cancellation between GN steps")

	par := &inp.Par{NScan: 4, NSlice: 1, DimY: 4, DimX: 4, Dz: 1,
		BValue: []float64{0, 0.5, 1, 2}}
	irgnPar := inp.DefaultRecoPar()
	nv := 16
	m0 := make([]float64, nv)
	adc := make([]float64, nv)
	for p := 0; p < nv; p++ {
		m0[p] = 100
		adc[p] = 1
	}
	reco, _ := monoExpSetup(tst, par, irgnPar, m0, adc, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := reco.Execute(ctx, TV); err == nil {
		tst.Errorf("expected cancellation error\n")
	}
}

func verbose() {
	chk.Verbose = true
}
