// Copyright 2018 The PyQMRI Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// package irgn implements the iteratively regularized Gauss-Newton
// reconstruction: the outer loop linearizes the signal model at the
// current estimate, balances the model gradients, updates the
// regularization schedule and hands the linearized subproblem to a
// primal-dual solver with TGV or TV regularization.
package irgn

import (
	"context"
	"math"
	"math/rand"

	"github.com/cpmech/gosl/chk"
	"github.com/cpmech/gosl/io"

	"github.com/1vanjordanov/PyQMRI/backend"
	"github.com/1vanjordanov/PyQMRI/inp"
	"github.com/1vanjordanov/PyQMRI/models"
	"github.com/1vanjordanov/PyQMRI/operator"
	"github.com/1vanjordanov/PyQMRI/out"
)

// Regularization selects the inner solver variant
type Regularization int

const (
	// TGV uses total generalized variation with the auxiliary field
	TGV Regularization = iota
	// TV uses total variation
	TV
	// TGVExplicit uses TGV with an explicitly applied data adjoint
	TGVExplicit
)

// ModelReco performs the IRGN optimization of one reconstruction
type ModelReco struct {

	// input
	Par   *inp.Par
	Irgn  inp.RecoPar // working copy; mutated by the schedule
	Model models.Model
	Debug bool // verify operator adjointness before solving

	// results
	GnRes []float64 // objective value per GN step

	queue  *backend.Queue
	prg    *backend.Program
	op     operator.Measurement
	ksp    *operator.Kspace // non-nil in k-space mode
	gradOp *operator.FiniteGradient
	symOp  *operator.FiniteSymGradient

	data       *backend.Buffer
	imagespace bool

	// linearization point data; frozen during one inner solve
	stepVal *backend.Buffer
	gradX   *backend.Buffer

	// dual state of the last inner solve
	r  *backend.Buffer
	z1 *backend.Buffer
	z2 *backend.Buffer
	v  *backend.Buffer

	// base values of the regularization schedule
	delta0   float64
	deltaMax float64
	gamma    float64
	omega    float64

	// objective bookkeeping
	fval     float64
	fvalOld  float64
	fvalInit float64

	// inner solver step sizes
	tau       float64
	betaLine  float64
	thetaLine float64

	cont *out.Container

	// diagnostics for the caller
	LastInnerIters int
	StopReason     string

	nanPrev bool
}

// NewModelReco builds a reconstruction for the given model and data.
// The model must have been initialised already so that the unknown
// partition on par is valid. In k-space mode the coil sensitivity
// maps are required; in image-space mode coils may be nil.
func NewModelReco(par *inp.Par, irgnPar inp.RecoPar, model models.Model, data, coils *backend.Buffer, imagespace bool) (*ModelReco, error) {
	if err := par.Validate(); err != nil {
		return nil, err
	}
	if par.Unknowns < 1 || par.UnknownsTGV < 1 {
		return nil, chk.Err("shape-mismatch: model did not declare its unknown partition")
	}
	o := &ModelReco{
		Par:        par,
		Irgn:       irgnPar,
		Model:      model,
		queue:      backend.NewQueue(),
		data:       data,
		imagespace: imagespace,
	}
	o.prg = backend.NewProgram(o.queue, par.Unknowns, par.UnknownsTGV, par.NSlice, par.DimY, par.DimX, par.Dz)
	if imagespace {
		o.op = operator.NewImagespace(o.prg, par)
	} else {
		if coils == nil {
			return nil, chk.Err("shape-mismatch: k-space reconstruction needs coil sensitivities")
		}
		ksp, err := operator.NewKspace(o.prg, par, coils)
		if err != nil {
			return nil, err
		}
		o.ksp = ksp
		o.op = ksp
	}
	want := &backend.Buffer{Shape: o.op.DataShape()}
	if !data.SameShape(want) {
		return nil, chk.Err("shape-mismatch: data expects %v but got %v", want.Shape, data.Shape)
	}
	o.gradOp = operator.NewFiniteGradient(o.prg)
	o.symOp = operator.NewFiniteSymGradient(o.prg)
	o.stepVal = backend.NewBuffer(par.NScan, par.NSlice, par.DimY, par.DimX)
	o.gradX = backend.NewBuffer(par.Unknowns, par.NScan, par.NSlice, par.DimY, par.DimX)
	o.cont = out.NewContainer(par.DirOut, par.FnKey, par.Encoder)
	return o, nil
}

// Container exposes the persisted per-iteration results
func (o *ModelReco) Container() *out.Container { return o.cont }

// Execute runs the IRGN optimization. The context is honoured at
// Gauss-Newton granularity: cancellation between GN steps, none
// inside a kernel launch.
func (o *ModelReco) Execute(ctx context.Context, reg Regularization) error {

	// scale the data weight by the estimated SNR
	o.Irgn.Lambd *= o.Par.SNREst

	// remember the base schedule values
	o.delta0 = o.Irgn.Delta
	o.deltaMax = o.Irgn.DeltaMax
	o.gamma = o.Irgn.Gamma
	o.omega = o.Irgn.Omega

	o.setupRegTmpArrays(reg)

	if o.Debug {
		if err := o.checkAdjointness(); err != nil {
			return err
		}
	}
	return o.execute3D(ctx, reg)
}

// setupRegTmpArrays allocates the dual state and sets the step sizes
func (o *ModelReco) setupRegTmpArrays(reg Regularization) {
	par := o.Par
	o.r = backend.NewBuffer(o.data.Shape...)
	o.z1 = backend.NewBuffer(par.Unknowns, par.NSlice, par.DimY, par.DimX, 4)
	o.thetaLine = 1.0
	switch reg {
	case TV:
		o.tau = 1 / math.Sqrt(8)
		o.betaLine = 400
	case TGV:
		L := 0.5 * (18.0 + math.Sqrt(33))
		o.tau = 1 / math.Sqrt(L)
		o.betaLine = 400
		o.v = backend.NewBuffer(par.UnknownsTGV, par.NSlice, par.DimY, par.DimX, 4)
		o.z2 = backend.NewBuffer(par.UnknownsTGV, par.NSlice, par.DimY, par.DimX, 8)
	case TGVExplicit:
		L := 0.5 * (18.0 + math.Sqrt(33))
		o.tau = 1 / math.Sqrt(L)
		o.betaLine = 1
		o.v = backend.NewBuffer(par.UnknownsTGV, par.NSlice, par.DimY, par.DimX, 4)
		o.z2 = backend.NewBuffer(par.UnknownsTGV, par.NSlice, par.DimY, par.DimX, 8)
	}
}

// evalConst installs the model constraints on the kernel program
func (o *ModelReco) evalConst() error {
	cons := o.Model.Constraints()
	min := make([]float64, len(cons))
	max := make([]float64, len(cons))
	real := make([]bool, len(cons))
	for j, c := range cons {
		min[j] = c.Min
		max[j] = c.Max
		real[j] = c.Real
	}
	return o.prg.SetConstraints(min, max, real)
}

// Images returns the scan images used for the initial guess: the data
// itself in image space, the coil-combined inverse transform in
// k-space mode.
func (o *ModelReco) Images() (*backend.Buffer, error) {
	if o.imagespace {
		return o.data.Clone(), nil
	}
	img := backend.NewBuffer(o.Par.NScan, o.Par.NSlice, o.Par.DimY, o.Par.DimX)
	ev, err := o.ksp.AdjData(img, o.data)
	if err != nil {
		return nil, err
	}
	return img, ev.Wait()
}

// execute3D is the outer Gauss-Newton loop
func (o *ModelReco) execute3D(ctx context.Context, reg Regularization) error {

	iters := o.Irgn.StartIters

	images, err := o.Images()
	if err != nil {
		return err
	}
	result, err := o.Model.InitialGuess(images)
	if err != nil {
		return err
	}

	ign := 0
	for ign = 0; ign < o.Irgn.MaxGNIt; ign++ {

		// cancellation between GN steps only
		if err := ctx.Err(); err != nil {
			return err
		}

		// linearize the model at the current estimate
		if err := o.Model.ExecuteGradient(o.gradX, result); err != nil {
			return err
		}
		nbad := backend.ZeroNonFinite(o.gradX)
		if err := o.balanceModelGradients(result); err != nil {
			return err
		}
		if err := o.gradOp.UpdateRatio(result); err != nil {
			return err
		}
		if err := o.Model.ExecuteForward(o.stepVal, result); err != nil {
			return err
		}
		nbad += backend.ZeroNonFinite(o.stepVal)
		if nbad > 0 {
			if o.nanPrev {
				return chk.Err("non-finite-persist: model produced %d non-finite values in two consecutive GN steps", nbad)
			}
			o.nanPrev = true
		} else {
			o.nanPrev = false
		}

		if err := o.op.SetLinearization(o.gradX); err != nil {
			return err
		}
		if err := o.evalConst(); err != nil {
			return err
		}
		o.updateRegPar(result, ign)

		newResult, err := o.irgnSolve3D(result, iters, ign, reg)
		if err != nil {
			if o.StopReason == "line-search-fail" {
				// keep the prior accepted iterate
				io.PfRed("GN-Iter %d aborted: %v\n", ign, err)
				break
			}
			return err
		}
		result = newResult

		iters *= 2
		if iters > o.Irgn.MaxIters {
			iters = o.Irgn.MaxIters
		}

		o.GnRes = append(o.GnRes, o.fval)
		io.Pf("%s\n", line75)
		io.Pf("GN-Iter: %d  objective: %e\n", ign, o.fval)
		io.Pf("%s\n", line75)

		if math.Abs(o.fvalOld-o.fval)/o.fvalInit < o.Irgn.Tol {
			io.Pf("Terminated at GN-iteration %d because the energy decrease was less than %.3e\n",
				ign, math.Abs(o.fvalOld-o.fval)/o.fvalInit)
			o.calcResidual(result, ign+1, reg)
			if err := o.saveToFile(ign, result, reg); err != nil {
				return err
			}
			return nil
		}
		o.fvalOld = o.fval
		if err := o.saveToFile(ign, result, reg); err != nil {
			return err
		}
	}
	o.calcResidual(result, ign, reg)
	return nil
}

const line75 = "---------------------------------------------------------------------------"

// updateRegPar updates the regularization schedule for one GN step
func (o *ModelReco) updateRegPar(result *backend.Buffer, ign int) {
	norm := o.queue.Nrm2(result)
	o.Irgn.DeltaMax = o.deltaMax / 1e3 * norm
	o.Irgn.Delta = math.Min(o.delta0/1e3*norm*math.Pow(o.Irgn.DeltaInc, float64(ign)), o.Irgn.DeltaMax)
	o.Irgn.Gamma = math.Max(o.gamma*math.Pow(o.Irgn.GammaDec, float64(ign)), o.Irgn.GammaMin)
	o.Irgn.Omega = math.Max(o.omega*math.Pow(o.Irgn.OmegaDec, float64(ign)), o.Irgn.OmegaMin)
}

// balanceModelGradients rescales each unknown so that the columns of
// the model Jacobian are equinormed; the product x[u]*uk_scale[u] is
// invariant.
func (o *ModelReco) balanceModelGradients(result *backend.Buffer) error {
	nu := o.Par.Unknowns
	ukScale := o.Model.UkScale()
	cons := o.Model.Constraints()
	if len(ukScale) != nu || len(cons) != nu {
		return chk.Err("shape-mismatch: model scales/constraints disagree with %d unknowns", nu)
	}
	norms := make([]float64, nu)
	for u := 0; u < nu; u++ {
		norms[u] = o.queue.Nrm2(o.gradX.View(u, u+1))
	}
	if chk.Verbose {
		io.Pforan("Initial norm of the model gradient: %v\n", norms)
	}
	nv := o.Par.NSlice * o.Par.DimY * o.Par.DimX
	target := 1e3 / math.Sqrt(float64(nu))
	for u := 0; u < nu; u++ {
		if norms[u] <= 0 || math.IsInf(norms[u], 0) || math.IsNaN(norms[u]) {
			continue
		}
		scale := target / norms[u]
		cons[u].Update(scale)
		oldScale := ukScale[u]
		ukScale[u] *= scale
		fx := complex(float32(oldScale/ukScale[u]), 0)
		fg := complex(float32(ukScale[u]/oldScale), 0)
		xv := result.View(u, u+1)
		for p := 0; p < nv; p++ {
			xv.Data[p] *= fx
		}
		gv := o.gradX.View(u, u+1)
		for p := range gv.Data {
			gv.Data[p] *= fg
		}
	}
	if chk.Verbose {
		for u := 0; u < nu; u++ {
			norms[u] = o.queue.Nrm2(o.gradX.View(u, u+1))
		}
		io.Pforan("Scale of the model gradient: %v\n", norms)
	}
	return nil
}

// predictData evaluates the measurement of the model forward value at
// the linearization point
func (o *ModelReco) predictData() (*backend.Buffer, error) {
	if o.imagespace {
		return o.stepVal.Clone(), nil
	}
	b := backend.NewBuffer(o.data.Shape...)
	ev, err := o.ksp.FwdData(b, o.stepVal)
	if err != nil {
		return nil, err
	}
	return b, ev.Wait()
}

// irgnSolve3D precomputes the constant terms of the GN linearization
// and calls the inner primal-dual solver
func (o *ModelReco) irgnSolve3D(x *backend.Buffer, iters, ign int, reg Regularization) (*backend.Buffer, error) {

	b, err := o.predictData()
	if err != nil {
		return nil, err
	}
	ax := backend.NewBuffer(o.data.Shape...)
	ev, err := o.op.Fwd(ax, x)
	if err != nil {
		return nil, err
	}
	if err := ev.Wait(); err != nil {
		return nil, err
	}

	// res = data - b + A(xk)
	res := backend.NewBuffer(o.data.Shape...)
	rev := o.queue.Launch(res.Size(), nil, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			res.Data[i] = o.data.Data[i] - b.Data[i] + ax.Data[i]
		}
	})
	if err := rev.Wait(); err != nil {
		return nil, err
	}

	o.calcResidual(x, ign, reg)

	switch reg {
	case TV:
		return o.tvSolve3D(x, res, iters)
	case TGV:
		return o.tgvSolve3D(x, res, iters)
	case TGVExplicit:
		return o.tgvSolve3DExplicit(x, res, iters)
	}
	return nil, chk.Err("cannot find inner solver for regularization %d", reg)
}

// calcResidual evaluates the nonlinear objective at the linearization
// point and keeps the first value as normalisation
func (o *ModelReco) calcResidual(x *backend.Buffer, ign int, reg Regularization) {
	par := o.Par
	utgv := par.UnknownsTGV

	b, err := o.predictData()
	if err != nil {
		return
	}
	grad := backend.NewBuffer(par.Unknowns, par.NSlice, par.DimY, par.DimX, 4)
	if ev, gerr := o.gradOp.Fwd(grad, x); gerr == nil {
		ev.Wait()
	}

	datacost := o.Irgn.Lambd / 2 * o.queue.VdotDiff(o.data, b)
	gradTGV := grad.View(0, utgv)
	var regcost, h1cost float64
	if reg == TV {
		regcost = o.Irgn.Gamma * o.queue.SumAbs(gradTGV)
	} else {
		sym := backend.NewBuffer(utgv, par.NSlice, par.DimY, par.DimX, 8)
		if ev, serr := o.symOp.Fwd(sym, o.v); serr == nil {
			ev.Wait()
		}
		regcost = o.Irgn.Gamma*o.queue.SumAbsDiff(gradTGV, o.v) +
			o.Irgn.Gamma*2*o.queue.SumAbs(sym)
	}
	if par.UnknownsH1 > 0 {
		gradH1 := grad.View(utgv, par.Unknowns)
		h1cost = o.Irgn.Omega / 2 * o.queue.Vdot(gradH1, gradH1)
	}
	o.fval = datacost + regcost + h1cost

	if ign == 0 {
		o.fvalInit = o.fval
	}
	io.Pf("%s\n", line75)
	io.Pf("Function value at GN-Step %d: %f\n", ign, 1e3*o.fval/o.fvalInit)
	io.Pf("%s\n", line75)
}

// saveToFile appends the rescaled maps of one GN step to the result
// container
func (o *ModelReco) saveToFile(ign int, result *backend.Buffer, reg Regularization) error {
	maps := o.Model.Rescale(result)
	if reg == TV {
		o.cont.PutDataset(io.Sf("tv_result_%d", ign), maps.Shape, maps.Data)
		o.cont.SetAttr(io.Sf("res_tv_iter_%d", ign), o.fval)
	} else {
		o.cont.PutDataset(io.Sf("tgv_result_iter_%d", ign), maps.Shape, maps.Data)
		o.cont.SetAttr(io.Sf("res_tgv_iter_%d", ign), o.fval)
	}
	if o.Par.DirOut == "" {
		return nil
	}
	return o.cont.Save()
}

// checkAdjointness verifies <G a, b> = <a, G* b> for the gradient
// operator on random data (debug builds only); the symmetric gradient
// is not checked here
func (o *ModelReco) checkAdjointness() error {
	par := o.Par
	a := randomBuffer(par.Unknowns, par.NSlice, par.DimY, par.DimX)
	bb := randomBuffer(par.Unknowns, par.NSlice, par.DimY, par.DimX, 4)
	ga := backend.NewBuffer(par.Unknowns, par.NSlice, par.DimY, par.DimX, 4)
	gtb := backend.NewBuffer(par.Unknowns, par.NSlice, par.DimY, par.DimX)
	if ev, err := o.gradOp.Fwd(ga, a); err != nil {
		return err
	} else if err := ev.Wait(); err != nil {
		return err
	}
	if ev, err := o.gradOp.Adj(gtb, bb); err != nil {
		return err
	} else if err := ev.Wait(); err != nil {
		return err
	}
	lhs := o.queue.Vdot(ga, bb)
	rhs := o.queue.Vdot(a, gtb)
	denom := math.Max(math.Abs(lhs), math.Abs(rhs))
	if denom > 0 && math.Abs(lhs-rhs)/denom > 5e-5 {
		return chk.Err("adjoint-mismatch: gradient operator: <Ga,b>=%v <a,G*b>=%v", lhs, rhs)
	}
	return nil
}

var rngSeed int64 = 1234

func randomBuffer(shape ...int) *backend.Buffer {
	rngSeed++
	rng := rand.New(rand.NewSource(rngSeed))
	b := backend.NewBuffer(shape...)
	for i := range b.Data {
		b.Data[i] = complex(float32(rng.Float64()*2-1), float32(rng.Float64()*2-1))
	}
	return b
}
