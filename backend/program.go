// Copyright 2018 The PyQMRI Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package backend

import (
	"math"

	"github.com/cpmech/gosl/chk"
)

// Program holds the kernel catalogue of the reconstruction engine
// together with the geometry and the per-unknown constraint tables.
// It corresponds to the compiled kernel program of a device backend.
type Program struct {

	// geometry and unknown partition
	Unknowns    int     // total number of unknown parameter maps
	UnknownsTGV int     // leading maps regularized by TGV/TV
	UnknownsH1  int     // trailing maps regularized by the quadratic term
	NSlice      int     // slices
	DimY        int     // rows
	DimX        int     // columns
	Dz          float32 // slice anisotropy ratio

	// per-unknown box/real constraints
	minConst  []float32
	maxConst  []float32
	realConst []bool

	queue *Queue
}

// NewProgram builds a program for the given geometry
func NewProgram(queue *Queue, unknowns, unknownsTGV, nslice, dimY, dimX int, dz float64) *Program {
	return &Program{
		Unknowns:    unknowns,
		UnknownsTGV: unknownsTGV,
		UnknownsH1:  unknowns - unknownsTGV,
		NSlice:      nslice,
		DimY:        dimY,
		DimX:        dimX,
		Dz:          float32(dz),
		queue:       queue,
	}
}

// Queue returns the work queue of this program
func (o *Program) Queue() *Queue { return o.queue }

// SetConstraints installs the per-unknown box and real constraints
// consumed by the primal update kernels
func (o *Program) SetConstraints(min, max []float64, real []bool) error {
	if len(min) != o.Unknowns || len(max) != o.Unknowns || len(real) != o.Unknowns {
		return chk.Err("shape-mismatch: constraint tables must have %d entries", o.Unknowns)
	}
	o.minConst = make([]float32, o.Unknowns)
	o.maxConst = make([]float32, o.Unknowns)
	o.realConst = append([]bool{}, real...)
	for i := range min {
		o.minConst[i] = float32(min[i])
		o.maxConst[i] = float32(max[i])
	}
	return nil
}

// nvox returns the number of voxels of one unknown map
func (o *Program) nvox() int { return o.NSlice * o.DimY * o.DimX }

func (o *Program) checkShape(kind string, want []int, bufs ...*Buffer) error {
	ref := &Buffer{Shape: want}
	for _, b := range bufs {
		if !b.SameShape(ref) {
			return chk.Err("shape-mismatch: %s expects %v but got %v", kind, want, b.Shape)
		}
	}
	return nil
}

// project applies the box and real constraint of unknown u to value w
func (o *Program) project(u int, w complex64) complex64 {
	re := real(w)
	im := imag(w)
	if o.realConst[u] {
		im = 0
	}
	if re < o.minConst[u] {
		re = o.minConst[u]
	}
	if re > o.maxConst[u] {
		re = o.maxConst[u]
	}
	return complex(re, im)
}

// UpdatePrimal performs the constrained primal update
//
//	x_new = Proj( (x - tau*Kyk + (tau/delta)*xk) / (1 + tau/delta) )
func (o *Program) UpdatePrimal(xNew, x, Kyk, xk *Buffer, tau, delta float64, waitFor ...*Event) (*Event, error) {
	shape := []int{o.Unknowns, o.NSlice, o.DimY, o.DimX}
	if err := o.checkShape("update_primal", shape, xNew, x, Kyk, xk); err != nil {
		return nil, err
	}
	if o.minConst == nil {
		return nil, chk.Err("backend-kernel-fail: update_primal called before SetConstraints")
	}
	τ := float32(tau)
	τδ := float32(tau / delta)
	div := float32(1 / (1 + tau/delta))
	nv := o.nvox()
	ev := o.queue.Launch(xNew.Size(), waitFor, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			u := i / nv
			w := (x.Data[i] - complex(τ, 0)*Kyk.Data[i] + complex(τδ, 0)*xk.Data[i]) * complex(div, 0)
			xNew.Data[i] = o.project(u, w)
		}
	})
	return ev, nil
}

// UpdatePrimalExplicit performs the primal update of the explicit
// variant, where the data term enters through AtAx and ATd instead of
// the fused dual buffer:
//
//	x_new = Proj( x - tau*(lambd*(AtAx - ATd) + Kyk + (x - xk)/delta) )
func (o *Program) UpdatePrimalExplicit(xNew, x, Kyk, xk, AtAx, ATd *Buffer, tau, delta, lambd float64, waitFor ...*Event) (*Event, error) {
	shape := []int{o.Unknowns, o.NSlice, o.DimY, o.DimX}
	if err := o.checkShape("update_primal_explicit", shape, xNew, x, Kyk, xk, AtAx, ATd); err != nil {
		return nil, err
	}
	if o.minConst == nil {
		return nil, chk.Err("backend-kernel-fail: update_primal_explicit called before SetConstraints")
	}
	τ := float32(tau)
	λ := float32(lambd)
	iδ := float32(1 / delta)
	nv := o.nvox()
	ev := o.queue.Launch(xNew.Size(), waitFor, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			u := i / nv
			grad := complex(λ, 0)*(AtAx.Data[i]-ATd.Data[i]) + Kyk.Data[i] + complex(iδ, 0)*(x.Data[i]-xk.Data[i])
			xNew.Data[i] = o.project(u, x.Data[i]-complex(τ, 0)*grad)
		}
	})
	return ev, nil
}

// UpdateV performs the auxiliary vector field update v_new = v - tau*Kyk2
func (o *Program) UpdateV(vNew, v, Kyk2 *Buffer, tau float64, waitFor ...*Event) (*Event, error) {
	if !vNew.SameShape(v) || !v.SameShape(Kyk2) {
		return nil, chk.Err("shape-mismatch: update_v buffers disagree: %v %v %v", vNew.Shape, v.Shape, Kyk2.Shape)
	}
	τ := complex(float32(tau), 0)
	ev := o.queue.Launch(vNew.Size(), waitFor, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			vNew.Data[i] = v.Data[i] - τ*Kyk2.Data[i]
		}
	})
	return ev, nil
}

// UpdateZ1 performs the over-relaxed dual ascent on the gradient dual
// including the auxiliary field v, followed by the pointwise
// projection onto the alpha-ball (TGV unknowns) or the quadratic
// H1 proximal map (trailing unknowns):
//
//	y = z1 + sigma*( gx + theta*(gx - gx_old) - ((1+theta)*vx - theta*vx_old) )
func (o *Program) UpdateZ1(z1New, z1, gx, gxOld, vx, vxOld *Buffer, sigma, theta, alpha, omega float64, waitFor ...*Event) (*Event, error) {
	shape := []int{o.Unknowns, o.NSlice, o.DimY, o.DimX, 4}
	if err := o.checkShape("update_z1", shape, z1New, z1, gx, gxOld); err != nil {
		return nil, err
	}
	vshape := []int{o.UnknownsTGV, o.NSlice, o.DimY, o.DimX, 4}
	if err := o.checkShape("update_z1", vshape, vx, vxOld); err != nil {
		return nil, err
	}
	σ := float32(sigma)
	θ := float32(theta)
	ialpha := 1.0 / alpha
	h1div := float32(0)
	if omega > 0 {
		h1div = float32(1 / (1 + sigma/omega))
	}
	nv := o.nvox()
	ntgv := o.UnknownsTGV * nv
	ev := o.queue.Launch(o.Unknowns*nv, waitFor, func(lo, hi int) {
		var y [3]complex64
		for p := lo; p < hi; p++ {
			b := p * 4
			if p < ntgv {
				sum := 0.0
				for c := 0; c < 3; c++ {
					i := b + c
					g := gx.Data[i] + complex(θ, 0)*(gx.Data[i]-gxOld.Data[i])
					vv := complex(1+θ, 0)*vx.Data[i] - complex(θ, 0)*vxOld.Data[i]
					y[c] = z1.Data[i] + complex(σ, 0)*(g-vv)
					sum += float64(real(y[c]))*float64(real(y[c])) + float64(imag(y[c]))*float64(imag(y[c]))
				}
				fac := math.Sqrt(sum) * ialpha
				if fac > 1 {
					f := complex(float32(1/fac), 0)
					for c := 0; c < 3; c++ {
						y[c] *= f
					}
				}
				z1New.Data[b] = y[0]
				z1New.Data[b+1] = y[1]
				z1New.Data[b+2] = y[2]
				z1New.Data[b+3] = 0
			} else {
				for c := 0; c < 3; c++ {
					i := b + c
					g := gx.Data[i] + complex(θ, 0)*(gx.Data[i]-gxOld.Data[i])
					z1New.Data[i] = (z1.Data[i] + complex(σ, 0)*g) * complex(h1div, 0)
				}
				z1New.Data[b+3] = 0
			}
		}
	})
	return ev, nil
}

// UpdateZ1TV is the TV variant of UpdateZ1 without the auxiliary field
func (o *Program) UpdateZ1TV(z1New, z1, gx, gxOld *Buffer, sigma, theta, alpha, omega float64, waitFor ...*Event) (*Event, error) {
	shape := []int{o.Unknowns, o.NSlice, o.DimY, o.DimX, 4}
	if err := o.checkShape("update_z1_tv", shape, z1New, z1, gx, gxOld); err != nil {
		return nil, err
	}
	σ := float32(sigma)
	θ := float32(theta)
	ialpha := 1.0 / alpha
	h1div := float32(0)
	if omega > 0 {
		h1div = float32(1 / (1 + sigma/omega))
	}
	nv := o.nvox()
	ntgv := o.UnknownsTGV * nv
	ev := o.queue.Launch(o.Unknowns*nv, waitFor, func(lo, hi int) {
		var y [3]complex64
		for p := lo; p < hi; p++ {
			b := p * 4
			if p < ntgv {
				sum := 0.0
				for c := 0; c < 3; c++ {
					i := b + c
					g := gx.Data[i] + complex(θ, 0)*(gx.Data[i]-gxOld.Data[i])
					y[c] = z1.Data[i] + complex(σ, 0)*g
					sum += float64(real(y[c]))*float64(real(y[c])) + float64(imag(y[c]))*float64(imag(y[c]))
				}
				fac := math.Sqrt(sum) * ialpha
				if fac > 1 {
					f := complex(float32(1/fac), 0)
					for c := 0; c < 3; c++ {
						y[c] *= f
					}
				}
				z1New.Data[b] = y[0]
				z1New.Data[b+1] = y[1]
				z1New.Data[b+2] = y[2]
				z1New.Data[b+3] = 0
			} else {
				for c := 0; c < 3; c++ {
					i := b + c
					g := gx.Data[i] + complex(θ, 0)*(gx.Data[i]-gxOld.Data[i])
					z1New.Data[i] = (z1.Data[i] + complex(σ, 0)*g) * complex(h1div, 0)
				}
				z1New.Data[b+3] = 0
			}
		}
	})
	return ev, nil
}

// UpdateZ2 performs the dual ascent on the symmetric-gradient dual
// followed by the projection onto the beta-ball in the Frobenius norm
func (o *Program) UpdateZ2(z2New, z2, sym, symOld *Buffer, sigma, theta, beta float64, waitFor ...*Event) (*Event, error) {
	shape := []int{o.UnknownsTGV, o.NSlice, o.DimY, o.DimX, 8}
	if err := o.checkShape("update_z2", shape, z2New, z2, sym, symOld); err != nil {
		return nil, err
	}
	σ := float32(sigma)
	θ := float32(theta)
	ibeta := 1.0 / beta
	nv := o.nvox()
	ev := o.queue.Launch(o.UnknownsTGV*nv, waitFor, func(lo, hi int) {
		var y [6]complex64
		for p := lo; p < hi; p++ {
			b := p * 8
			sum := 0.0
			for c := 0; c < 6; c++ {
				i := b + c
				g := sym.Data[i] + complex(θ, 0)*(sym.Data[i]-symOld.Data[i])
				y[c] = z2.Data[i] + complex(σ, 0)*g
				sum += float64(real(y[c]))*float64(real(y[c])) + float64(imag(y[c]))*float64(imag(y[c]))
			}
			fac := math.Sqrt(sum) * ibeta
			if fac > 1 {
				f := complex(float32(1/fac), 0)
				for c := 0; c < 6; c++ {
					y[c] *= f
				}
			}
			for c := 0; c < 6; c++ {
				z2New.Data[b+c] = y[c]
			}
			z2New.Data[b+6] = 0
			z2New.Data[b+7] = 0
		}
	})
	return ev, nil
}

// UpdateR performs the proximal step on the data-fidelity dual
//
//	r_new = ( r + sigma*(Ax + theta*(Ax - Ax_old) - res) ) / (1 + sigma/lambd)
func (o *Program) UpdateR(rNew, r, Ax, AxOld, res *Buffer, sigma, theta, lambd float64, waitFor ...*Event) (*Event, error) {
	if !rNew.SameShape(r) || !r.SameShape(Ax) || !r.SameShape(AxOld) || !r.SameShape(res) {
		return nil, chk.Err("shape-mismatch: update_r buffers disagree")
	}
	σ := complex(float32(sigma), 0)
	θ := complex(float32(theta), 0)
	div := complex(float32(1/(1+sigma/lambd)), 0)
	ev := o.queue.Launch(rNew.Size(), waitFor, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			a := Ax.Data[i] + θ*(Ax.Data[i]-AxOld.Data[i])
			rNew.Data[i] = (r.Data[i] + σ*(a-res.Data[i])) * div
		}
	})
	return ev, nil
}
