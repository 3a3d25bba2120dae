// Copyright 2018 The PyQMRI Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package irgn

import (
	"math"

	"github.com/cpmech/gosl/chk"
	"github.com/cpmech/gosl/io"

	"github.com/1vanjordanov/PyQMRI/backend"
)

// tgvSolve3D solves one Gauss-Newton subproblem with TGV
// regularization using a primal-dual splitting with backtracking on
// the operator norm. All buffers are allocated once and ping-ponged.
func (o *ModelReco) tgvSolve3D(xin, res *backend.Buffer, iters int) (*backend.Buffer, error) {

	par := o.Par
	alpha := o.Irgn.Gamma
	beta := o.Irgn.Gamma * 2
	lambd := o.Irgn.Lambd
	delta := o.Irgn.Delta
	omega := o.Irgn.Omega
	mu := 1 / delta

	tau := o.tau
	tauNew := 0.0
	thetaLine := o.thetaLine
	betaLine := o.betaLine
	const muLine = 0.5
	const deltaLine = 1.0

	x := xin.Clone()
	xk := xin.Clone()
	xNew := backend.NewBuffer(x.Shape...)

	r := backend.NewBuffer(o.data.Shape...)
	rNew := backend.NewBuffer(o.data.Shape...)
	z1 := backend.NewBuffer(par.Unknowns, par.NSlice, par.DimY, par.DimX, 4)
	z1New := backend.NewBuffer(z1.Shape...)
	z2 := backend.NewBuffer(par.UnknownsTGV, par.NSlice, par.DimY, par.DimX, 8)
	z2New := backend.NewBuffer(z2.Shape...)
	v := backend.NewBuffer(par.UnknownsTGV, par.NSlice, par.DimY, par.DimX, 4)
	vNew := backend.NewBuffer(v.Shape...)

	Kyk1 := backend.NewBuffer(x.Shape...)
	Kyk1New := backend.NewBuffer(x.Shape...)
	Kyk2 := backend.NewBuffer(v.Shape...)
	Kyk2New := backend.NewBuffer(v.Shape...)
	gradx := backend.NewBuffer(z1.Shape...)
	gradxOld := backend.NewBuffer(z1.Shape...)
	symv := backend.NewBuffer(z2.Shape...)
	symvOld := backend.NewBuffer(z2.Shape...)
	Axold := backend.NewBuffer(o.data.Shape...)
	Ax := backend.NewBuffer(o.data.Shape...)

	ev1, err := o.op.Fwd(Axold, x)
	if err != nil {
		return nil, err
	}
	ev2, err := o.gradOp.Fwd(gradxOld, x)
	if err != nil {
		return nil, err
	}
	ev3, err := o.symOp.Fwd(symvOld, v)
	if err != nil {
		return nil, err
	}
	ev4, err := o.op.AdjKyk1(Kyk1, r, z1, o.gradOp)
	if err != nil {
		return nil, err
	}
	ev5, err := o.prg.UpdateKyk2(Kyk2, z2, z1)
	if err != nil {
		return nil, err
	}
	if err := backend.WaitAll(ev1, ev2, ev3, ev4, ev5); err != nil {
		return nil, err
	}

	primal := 0.0
	gapInit := 0.0
	gapOld := 0.0

	finish := func(xout, vout *backend.Buffer, i int, reason string) (*backend.Buffer, error) {
		o.v = vout.Clone()
		o.r = r.Clone()
		o.z1 = z1.Clone()
		o.z2 = z2.Clone()
		o.LastInnerIters = i
		o.StopReason = reason
		return xout, nil
	}

	for i := 0; i < iters; i++ {

		evX, err := o.prg.UpdatePrimal(xNew, x, Kyk1, xk, tau, delta)
		if err != nil {
			return nil, err
		}
		evV, err := o.prg.UpdateV(vNew, v, Kyk2, tau)
		if err != nil {
			return nil, err
		}

		betaNew := betaLine * (1 + mu*tau)
		tauNew = tau * math.Sqrt(betaLine/betaNew*(1+thetaLine))
		betaLine = betaNew

		evGx, err := o.gradOp.Fwd(gradx, xNew, evX)
		if err != nil {
			return nil, err
		}
		evSv, err := o.symOp.Fwd(symv, vNew, evV)
		if err != nil {
			return nil, err
		}
		evAx, err := o.op.Fwd(Ax, xNew, evX)
		if err != nil {
			return nil, err
		}

		// backtracking on the operator norm
		for {
			thetaLine = tauNew / tau
			sigma := betaLine * tauNew

			evZ1, err := o.prg.UpdateZ1(z1New, z1, gradx, gradxOld, vNew, v, sigma, thetaLine, alpha, omega, evGx, evV)
			if err != nil {
				return nil, err
			}
			evZ2, err := o.prg.UpdateZ2(z2New, z2, symv, symvOld, sigma, thetaLine, beta, evSv)
			if err != nil {
				return nil, err
			}
			evR, err := o.prg.UpdateR(rNew, r, Ax, Axold, res, sigma, thetaLine, lambd, evAx)
			if err != nil {
				return nil, err
			}
			evK1, err := o.op.AdjKyk1(Kyk1New, rNew, z1New, o.gradOp, evR, evZ1)
			if err != nil {
				return nil, err
			}
			evK2, err := o.prg.UpdateKyk2(Kyk2New, z2New, z1New, evZ2, evZ1)
			if err != nil {
				return nil, err
			}
			if err := backend.WaitAll(evZ1, evZ2, evR, evK1, evK2); err != nil {
				return nil, err
			}

			ynorm := math.Sqrt(o.queue.VdotDiff(rNew, r) +
				o.queue.VdotDiff(z1New, z1) +
				o.queue.VdotDiff(z2New, z2))
			lhs := math.Sqrt(betaLine) * tauNew * math.Sqrt(o.queue.VdotDiff(Kyk1New, Kyk1)+
				o.queue.VdotDiff(Kyk2New, Kyk2))
			if lhs <= ynorm*deltaLine {
				break
			}
			tauNew *= muLine
			if tauNew < 1e-20 {
				o.StopReason = "line-search-fail"
				return nil, chk.Err("line-search-fail: step size underflow at iteration %d", i)
			}
		}

		Kyk1, Kyk1New = Kyk1New, Kyk1
		Kyk2, Kyk2New = Kyk2New, Kyk2
		Axold, Ax = Ax, Axold
		z1, z1New = z1New, z1
		z2, z2New = z2New, z2
		r, rNew = rNew, r
		gradxOld, gradx = gradx, gradxOld
		symvOld, symv = symv, symvOld
		tau = tauNew

		if i%50 == 0 {

			// primal objective; gradxOld holds G(x_new) after the swap
			primalNew := lambd/2*o.queue.VdotDiff(Axold, res) +
				alpha*o.queue.SumAbsDiff(gradxOld.View(0, par.UnknownsTGV), v) +
				beta*o.queue.SumAbs(symvOld) +
				1/(2*delta)*o.queue.VdotDiff(xNew, xk)
			dual := -delta/2*o.queue.Vdot(Kyk1, Kyk1) +
				o.queue.Vdot(xk, Kyk1) +
				o.queue.SumReal(Kyk2) -
				1/(2*lambd)*o.queue.Vdot(r, r) -
				o.queue.Vdot(res, r)
			if par.UnknownsH1 > 0 {
				gh1 := gradxOld.View(par.UnknownsTGV, par.Unknowns)
				zh1 := z1.View(par.UnknownsTGV, par.Unknowns)
				primalNew += omega / 2 * o.queue.Vdot(gh1, gh1)
				if omega > 0 {
					dual -= 1 / (2 * omega) * o.queue.Vdot(zh1, zh1)
				}
			}

			gap := math.Abs(primalNew - dual)
			if i == 0 {
				gapInit = gap
			}
			if math.Abs(primal-primalNew)/o.fvalInit < o.Irgn.Tol {
				io.Pf("Terminated at iteration %d because the energy decrease in the primal problem was less than %.3e\n",
					i, math.Abs(primal-primalNew)/o.fvalInit)
				return finish(xNew.Clone(), vNew, i, "primal-decrease")
			}
			if gap > gapOld*o.Irgn.Stag && i > 1 {
				io.Pf("Terminated at iteration %d because the method stagnated\n", i)
				return finish(xNew.Clone(), vNew, i, "stagnation")
			}
			if math.Abs((gap-gapOld)/gapInit) < o.Irgn.Tol {
				io.Pf("Terminated at iteration %d because the relative energy decrease of the PD gap was less than %.3e\n",
					i, math.Abs((gap-gapOld)/gapInit))
				return finish(xNew.Clone(), vNew, i, "gap-decrease")
			}
			primal = primalNew
			gapOld = gap
			if o.Irgn.DisplayIterations {
				io.Pf("Iteration: %04d ---- Primal: %2.2e, Dual: %2.2e, Gap: %2.2e \r",
					i, 1000*primal/o.fvalInit, 1000*dual/o.fvalInit, 1000*gap/o.fvalInit)
			}
		}

		x, xNew = xNew, x
		v, vNew = vNew, v
	}

	return finish(x.Clone(), v, iters, "max-iters")
}
