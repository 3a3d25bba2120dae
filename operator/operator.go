// Copyright 2018 The PyQMRI Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// package operator implements the linear operators of the Gauss-Newton
// subproblem: the finite-difference gradient and symmetric gradient
// with their adjoints, and the linearized measurement operator in its
// k-space (sensitivity-weighted Fourier sampling, optionally
// simultaneous multi-slice) and image-space (identity) variants.
package operator

import (
	"github.com/1vanjordanov/PyQMRI/backend"
)

// Measurement is the linearized forward operator A at the current
// linearization point, together with its adjoint and the fused
// Kyk1 = A*(y) + G*(z1) used by the primal update.
type Measurement interface {

	// Fwd evaluates out = A(x)
	Fwd(out, x *backend.Buffer, waitFor ...*backend.Event) (*backend.Event, error)

	// Adj evaluates out = A*(y)
	Adj(out, y *backend.Buffer, waitFor ...*backend.Event) (*backend.Event, error)

	// AdjKyk1 evaluates out = A*(y) + G*(z1), fusing the measurement
	// adjoint with the ratio-weighted gradient adjoint
	AdjKyk1(out, y, z1 *backend.Buffer, grad *FiniteGradient, waitFor ...*backend.Event) (*backend.Event, error)

	// SetLinearization installs the model Jacobian grad_x for the
	// current Gauss-Newton step
	SetLinearization(gradX *backend.Buffer) error

	// DataShape returns the shape of the measurement tensor
	DataShape() []int
}

// fwdModel computes img[n,p] = sum_u gradX[u,n,p] * x[u,p], the
// Jacobian-weighted image of the unknowns
func fwdModel(prg *backend.Program, out, x, gradX *backend.Buffer, waitFor []*backend.Event) *backend.Event {
	nv := prg.NSlice * prg.DimY * prg.DimX
	nu := prg.Unknowns
	nscan := out.Shape[0]
	return prg.Queue().Launch(out.Size(), waitFor, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			n := i / nv
			p := i % nv
			var acc complex64
			for u := 0; u < nu; u++ {
				acc += gradX.Data[(u*nscan+n)*nv+p] * x.Data[u*nv+p]
			}
			out.Data[i] = acc
		}
	})
}

// adjModel computes out[u,p] = sum_n conj(gradX[u,n,p]) * y[n,p]
func adjModel(prg *backend.Program, out, y, gradX *backend.Buffer, waitFor []*backend.Event) *backend.Event {
	nv := prg.NSlice * prg.DimY * prg.DimX
	nscan := y.Shape[0]
	return prg.Queue().Launch(out.Size(), waitFor, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			u := i / nv
			p := i % nv
			var acc complex64
			for n := 0; n < nscan; n++ {
				g := gradX.Data[(u*nscan+n)*nv+p]
				acc += conj64(g) * y.Data[n*nv+p]
			}
			out.Data[i] = acc
		}
	})
}

func conj64(v complex64) complex64 {
	return complex(real(v), -imag(v))
}
