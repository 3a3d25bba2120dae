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

// tgvSolve3DExplicit is the slow-path TGV variant with an explicitly
// applied measurement adjoint: the data term enters the primal update
// through lambd*(A*A x - A*d) instead of the dual r, so the
// backtracking only tracks the regularization duals. The duals are
// warm-started from the previous solve and the tolerances are scaled
// by lambd and the slice count.
func (o *ModelReco) tgvSolve3DExplicit(xin, res *backend.Buffer, iters int) (*backend.Buffer, error) {

	par := o.Par
	alpha := o.Irgn.Gamma
	beta := o.Irgn.Gamma * 2
	lambd := o.Irgn.Lambd
	delta := o.Irgn.Delta
	omega := o.Irgn.Omega
	mu := 1 / delta
	tolScale := lambd * float64(par.NSlice)

	tau := o.tau
	tauNew := 0.0
	thetaLine := o.thetaLine
	betaLine := o.betaLine
	const muLine = 0.5
	const deltaLine = 1.0

	x := xin.Clone()
	xk := xin.Clone()
	xNew := backend.NewBuffer(x.Shape...)

	z1 := o.z1.Clone()
	z1New := backend.NewBuffer(z1.Shape...)
	z2 := o.z2.Clone()
	z2New := backend.NewBuffer(z2.Shape...)
	v := o.v.Clone()
	vNew := backend.NewBuffer(v.Shape...)

	Kyk1 := backend.NewBuffer(x.Shape...)
	Kyk1New := backend.NewBuffer(x.Shape...)
	Kyk2 := backend.NewBuffer(v.Shape...)
	Kyk2New := backend.NewBuffer(v.Shape...)
	gradx := backend.NewBuffer(z1.Shape...)
	gradxOld := backend.NewBuffer(z1.Shape...)
	symv := backend.NewBuffer(z2.Shape...)
	symvOld := backend.NewBuffer(z2.Shape...)
	AT := backend.NewBuffer(o.data.Shape...)
	ATd := backend.NewBuffer(x.Shape...)
	AtAx := backend.NewBuffer(x.Shape...)

	// constant data-adjoint term A*(res)
	ev, err := o.op.Adj(ATd, res)
	if err != nil {
		return nil, err
	}
	if err := ev.Wait(); err != nil {
		return nil, err
	}
	ev1, err := o.gradOp.Adj(Kyk1, z1)
	if err != nil {
		return nil, err
	}
	ev2, err := o.prg.UpdateKyk2(Kyk2, z2, z1)
	if err != nil {
		return nil, err
	}
	if err := backend.WaitAll(ev1, ev2); err != nil {
		return nil, err
	}

	primal := 0.0
	gapMin := 0.0

	finish := func(xout, vout *backend.Buffer, i int, reason string) (*backend.Buffer, error) {
		o.v = vout.Clone()
		o.z1 = z1.Clone()
		o.z2 = z2.Clone()
		o.LastInnerIters = i
		o.StopReason = reason
		return xout, nil
	}

	for i := 0; i < iters; i++ {

		// semi-implicit data term: A*A applied to the current iterate
		evF, err := o.op.Fwd(AT, x)
		if err != nil {
			return nil, err
		}
		evA, err := o.op.Adj(AtAx, AT, evF)
		if err != nil {
			return nil, err
		}
		evX, err := o.prg.UpdatePrimalExplicit(xNew, x, Kyk1, xk, AtAx, ATd, tau, delta, lambd, evA)
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
		evGo, err := o.gradOp.Fwd(gradxOld, x)
		if err != nil {
			return nil, err
		}
		evSv, err := o.symOp.Fwd(symv, vNew, evV)
		if err != nil {
			return nil, err
		}
		evSo, err := o.symOp.Fwd(symvOld, v)
		if err != nil {
			return nil, err
		}

		for {
			thetaLine = tauNew / tau
			sigma := betaLine * tauNew

			evZ1, err := o.prg.UpdateZ1(z1New, z1, gradx, gradxOld, vNew, v, sigma, thetaLine, alpha, omega, evGx, evGo, evV)
			if err != nil {
				return nil, err
			}
			evZ2, err := o.prg.UpdateZ2(z2New, z2, symv, symvOld, sigma, thetaLine, beta, evSv, evSo)
			if err != nil {
				return nil, err
			}
			evK1, err := o.gradOp.Adj(Kyk1New, z1New, evZ1)
			if err != nil {
				return nil, err
			}
			evK2, err := o.prg.UpdateKyk2(Kyk2New, z2New, z1New, evZ2, evZ1)
			if err != nil {
				return nil, err
			}
			if err := backend.WaitAll(evZ1, evZ2, evK1, evK2); err != nil {
				return nil, err
			}

			ynorm := math.Sqrt(o.queue.VdotDiff(z1New, z1) + o.queue.VdotDiff(z2New, z2))
			lhs := 1e2 * math.Sqrt(betaLine) * tauNew * math.Sqrt(o.queue.VdotDiff(Kyk1New, Kyk1)+
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
		z1, z1New = z1New, z1
		z2, z2New = z2New, z2
		tau = tauNew

		if i%50 == 0 {

			if err := backend.WaitAll(evF); err != nil {
				return nil, err
			}
			primalNew := lambd/2*o.queue.VdotDiff(AT, res) +
				alpha*o.queue.SumAbsDiff(gradx.View(0, par.UnknownsTGV), v) +
				beta*o.queue.SumAbs(symv) +
				1/(2*delta)*o.queue.VdotDiff(xNew, xk)
			dual := -delta/2*o.queue.Vdot(Kyk1, Kyk1) +
				o.queue.Vdot(xk, Kyk1) +
				o.queue.SumReal(Kyk2)

			gap := math.Abs(primalNew - dual)
			if i == 0 {
				gapMin = gap
			}
			if math.Abs(primal-primalNew) < tolScale*o.Irgn.Tol {
				io.Pf("Terminated at iteration %d because the energy decrease in the primal problem was less than %.3e\n",
					i, math.Abs(primal-primalNew)/tolScale)
				return finish(xNew.Clone(), vNew, i, "primal-decrease")
			}
			if gap > gapMin*o.Irgn.Stag && i > 1 {
				io.Pf("Terminated at iteration %d because the method stagnated\n", i)
				return finish(x.Clone(), vNew, i, "stagnation")
			}
			if math.Abs(gap-gapMin) < tolScale*o.Irgn.Tol && i > 1 {
				io.Pf("Terminated at iteration %d because the energy decrease in the PD gap was less than %.3e\n",
					i, math.Abs(gap-gapMin)/tolScale)
				return finish(xNew.Clone(), vNew, i, "gap-decrease")
			}
			primal = primalNew
			gapMin = math.Min(gap, gapMin)
			if o.Irgn.DisplayIterations {
				io.Pf("Iteration: %d ---- Primal: %f, Dual: %f, Gap: %f \r",
					i, primal/tolScale, dual/tolScale, gap/tolScale)
			}
		}

		x, xNew = xNew, x
		v, vNew = vNew, v
	}

	return finish(x.Clone(), v, iters, "max-iters")
}
