// Copyright 2018 The PyQMRI Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// package models implements the nonlinear signal models fitted by the
// IRGN solver. Each model evaluates the analytic signal at every scan
// and the partial derivative with respect to every unknown, provides
// an initial guess and the per-unknown scaling and constraints, and
// recombines the fitted unknowns into the physical parameter maps.
package models

import (
	"github.com/cpmech/gosl/chk"
	"github.com/cpmech/gosl/fun"

	"github.com/1vanjordanov/PyQMRI/backend"
	"github.com/1vanjordanov/PyQMRI/inp"
)

// Constraint holds the box and real constraint of one unknown. The
// bounds live in the scaled domain of the solver: rebalancing an
// unknown by s divides both bounds by s.
type Constraint struct {
	Min  float64 // lower bound on the real part
	Max  float64 // upper bound on the real part
	Real bool    // zero the imaginary part
}

// Update rescales the bounds after the unknown was rebalanced
func (o *Constraint) Update(scale float64) {
	o.Min /= scale
	o.Max /= scale
}

// Model defines the interface for signal models
type Model interface {
	Init(par *inp.Par, prms fun.Prms) error                       // reads sequence parameters; sets the unknown partition on par
	ExecuteForward(stepVal, x *backend.Buffer) error              // stepVal[n] = S_n(x); callers zero non-finite entries
	ExecuteGradient(gradX, x *backend.Buffer) error               // gradX[u,n] = dS_n/dx_u
	InitialGuess(images *backend.Buffer) (*backend.Buffer, error) // x0 from the scan images
	Rescale(x *backend.Buffer) *backend.Buffer                    // physical parameter maps
	Constraints() []*Constraint
	UkScale() []float64
}

// allocators holds all available signal models
var allocators = make(map[string]func() Model)

// GetModel allocates a signal model by name and initialises it
func GetModel(name string, par *inp.Par, prms fun.Prms) (Model, error) {
	alloc, ok := allocators[name]
	if !ok {
		return nil, chk.Err("cannot find signal model named %q", name)
	}
	m := alloc()
	if err := m.Init(par, prms); err != nil {
		return nil, err
	}
	return m, nil
}

// Models lists the registered model names
func Models() (names []string) {
	for name := range allocators {
		names = append(names, name)
	}
	return
}
