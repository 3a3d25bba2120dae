// Copyright 2018 The PyQMRI Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package operator

import (
	"github.com/1vanjordanov/PyQMRI/backend"
)

// FiniteSymGradient is the symmetrized gradient of the TGV auxiliary
// vector field
type FiniteSymGradient struct {
	prg *backend.Program
}

// NewFiniteSymGradient returns a symmetric-gradient operator
func NewFiniteSymGradient(prg *backend.Program) *FiniteSymGradient {
	return &FiniteSymGradient{prg: prg}
}

// Fwd computes out = E(v)
func (o *FiniteSymGradient) Fwd(out, v *backend.Buffer, waitFor ...*backend.Event) (*backend.Event, error) {
	return o.prg.SymGrad(out, v, waitFor...)
}

// Adj computes out = E*(z)
func (o *FiniteSymGradient) Adj(out, z *backend.Buffer, waitFor ...*backend.Event) (*backend.Event, error) {
	return o.prg.SymGradAdj(out, z, waitFor...)
}
