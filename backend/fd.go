// Copyright 2018 The PyQMRI Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package backend

import (
	"github.com/cpmech/gosl/chk"
)

// Finite-difference kernels. The forward gradient uses forward
// differences with a homogeneous Neumann boundary (the difference at
// the last index is zero); its adjoint is the negative divergence with
// the matching boundary convention. The symmetric gradient uses
// backward differences so that its adjoint pairs with the forward
// gradient range. Off-diagonal channels carry a sqrt(2) factor making
// the plain channel 2-norm equal to the Frobenius norm of the tensor.

const sqrt2inv = 0.7071067811865476

// sliceGeom caches the index arithmetic of one unknown map
type sliceGeom struct {
	nx, ny, ns int
	sy         int // plane stride = ny*nx
	nv         int // voxels per unknown
}

func (o *Program) geom() sliceGeom {
	g := sliceGeom{nx: o.DimX, ny: o.DimY, ns: o.NSlice}
	g.sy = g.ny * g.nx
	g.nv = g.ns * g.sy
	return g
}

// decompose splits the flat point index into voxel coordinates
func (g sliceGeom) decompose(p int) (s, y, x int) {
	r := p % g.nv
	s = r / g.sy
	r = r % g.sy
	y = r / g.nx
	x = r % g.nx
	return
}

// Gradient computes the ratio-weighted forward finite-difference
// gradient g[u,s,y,x,c] of x[u,s,y,x]; channel 3 is padding.
func (o *Program) Gradient(out, x *Buffer, ratio []float64, waitFor ...*Event) (*Event, error) {
	shape := []int{o.Unknowns, o.NSlice, o.DimY, o.DimX}
	if err := o.checkShape("gradient", shape, x); err != nil {
		return nil, err
	}
	if err := o.checkShape("gradient", append(shape, 4), out); err != nil {
		return nil, err
	}
	if len(ratio) != o.Unknowns {
		return nil, chk.Err("shape-mismatch: gradient ratio must have %d entries", o.Unknowns)
	}
	g := o.geom()
	dz := o.Dz
	ev := o.queue.Launch(x.Size(), waitFor, func(lo, hi int) {
		for p := lo; p < hi; p++ {
			u := p / g.nv
			s, y, xx := g.decompose(p)
			w := complex(float32(ratio[u]), 0)
			b := p * 4
			if xx < g.nx-1 {
				out.Data[b] = (x.Data[p+1] - x.Data[p]) * w
			} else {
				out.Data[b] = 0
			}
			if y < g.ny-1 {
				out.Data[b+1] = (x.Data[p+g.nx] - x.Data[p]) * w
			} else {
				out.Data[b+1] = 0
			}
			if s < g.ns-1 {
				out.Data[b+2] = (x.Data[p+g.sy] - x.Data[p]) * w * complex(dz, 0)
			} else {
				out.Data[b+2] = 0
			}
			out.Data[b+3] = 0
		}
	})
	return ev, nil
}

// gradientAdjAt evaluates the adjoint of Gradient (the negative
// divergence) for one point; used by the fused Kyk1 kernels as well.
func (o *Program) gradientAdjAt(z *Buffer, ratio []float64, g sliceGeom, p int) complex64 {
	u := p / g.nv
	s, y, xx := g.decompose(p)
	b := p * 4
	var acc complex64
	if xx >= 1 {
		acc += z.Data[b-4]
	}
	if xx <= g.nx-2 {
		acc -= z.Data[b]
	}
	if y >= 1 {
		acc += z.Data[b+1-4*g.nx]
	}
	if y <= g.ny-2 {
		acc -= z.Data[b+1]
	}
	var accz complex64
	if s >= 1 {
		accz += z.Data[b+2-4*g.sy]
	}
	if s <= g.ns-2 {
		accz -= z.Data[b+2]
	}
	return (acc + accz*complex(o.Dz, 0)) * complex(float32(ratio[u]), 0)
}

// GradientAdjAt evaluates the gradient adjoint at the flat point p of
// the unknowns index space; the fused Kyk1 kernels of the measurement
// operators compose it with the data adjoint in a single pass.
func (o *Program) GradientAdjAt(z *Buffer, ratio []float64, p int) complex64 {
	return o.gradientAdjAt(z, ratio, o.geom(), p)
}

// GradientAdj computes the adjoint of Gradient
func (o *Program) GradientAdj(out, z *Buffer, ratio []float64, waitFor ...*Event) (*Event, error) {
	shape := []int{o.Unknowns, o.NSlice, o.DimY, o.DimX}
	if err := o.checkShape("divergence", shape, out); err != nil {
		return nil, err
	}
	if err := o.checkShape("divergence", append(shape, 4), z); err != nil {
		return nil, err
	}
	if len(ratio) != o.Unknowns {
		return nil, chk.Err("shape-mismatch: divergence ratio must have %d entries", o.Unknowns)
	}
	g := o.geom()
	ev := o.queue.Launch(out.Size(), waitFor, func(lo, hi int) {
		for p := lo; p < hi; p++ {
			out.Data[p] = o.gradientAdjAt(z, ratio, g, p)
		}
	})
	return ev, nil
}

// SymGrad computes the symmetric gradient of the auxiliary vector
// field v[utgv,s,y,x,4] into sym[utgv,s,y,x,8]: channels 0..2 are the
// diagonal, channels 3..5 the sqrt(2)-scaled off-diagonals, 6..7 pad.
func (o *Program) SymGrad(out, v *Buffer, waitFor ...*Event) (*Event, error) {
	shape := []int{o.UnknownsTGV, o.NSlice, o.DimY, o.DimX, 4}
	if err := o.checkShape("sym_grad", shape, v); err != nil {
		return nil, err
	}
	shape[len(shape)-1] = 8
	if err := o.checkShape("sym_grad", shape, out); err != nil {
		return nil, err
	}
	g := o.geom()
	dz := complex(o.Dz, 0)
	w := complex(float32(sqrt2inv), 0)
	ev := o.queue.Launch(o.UnknownsTGV*g.nv, waitFor, func(lo, hi int) {
		for p := lo; p < hi; p++ {
			s, y, xx := g.decompose(p)
			b := p * 4
			bdx := func(c int) complex64 { // backward difference along x
				if xx > 0 {
					return v.Data[b+c] - v.Data[b+c-4]
				}
				return v.Data[b+c]
			}
			bdy := func(c int) complex64 {
				if y > 0 {
					return v.Data[b+c] - v.Data[b+c-4*g.nx]
				}
				return v.Data[b+c]
			}
			bds := func(c int) complex64 {
				if s > 0 {
					return v.Data[b+c] - v.Data[b+c-4*g.sy]
				}
				return v.Data[b+c]
			}
			ob := p * 8
			out.Data[ob] = bdx(0)
			out.Data[ob+1] = bdy(1)
			out.Data[ob+2] = dz * bds(2)
			out.Data[ob+3] = w * (bdy(0) + bdx(1))
			out.Data[ob+4] = w * (dz*bds(0) + bdx(2))
			out.Data[ob+5] = w * (dz*bds(1) + bdy(2))
			out.Data[ob+6] = 0
			out.Data[ob+7] = 0
		}
	})
	return ev, nil
}

// symGradAdjAt evaluates the adjoint of SymGrad for one point and one
// vector component c (0..2); used by the fused Kyk2 kernel as well.
func (o *Program) symGradAdjAt(z *Buffer, g sliceGeom, p, c int) complex64 {
	s, y, xx := g.decompose(p)
	b := p * 8
	fdx := func(ch int) complex64 { // adjoint of the backward difference
		acc := z.Data[b+ch]
		if xx < g.nx-1 {
			acc -= z.Data[b+ch+8]
		}
		return acc
	}
	fdy := func(ch int) complex64 {
		acc := z.Data[b+ch]
		if y < g.ny-1 {
			acc -= z.Data[b+ch+8*g.nx]
		}
		return acc
	}
	fds := func(ch int) complex64 {
		acc := z.Data[b+ch]
		if s < g.ns-1 {
			acc -= z.Data[b+ch+8*g.sy]
		}
		return acc
	}
	dz := complex(o.Dz, 0)
	w := complex(float32(sqrt2inv), 0)
	switch c {
	case 0:
		return fdx(0) + w*fdy(3) + w*dz*fds(4)
	case 1:
		return fdy(1) + w*fdx(3) + w*dz*fds(5)
	case 2:
		return dz*fds(2) + w*fdx(4) + w*fdy(5)
	}
	return 0
}

// SymGradAdj computes the adjoint of SymGrad
func (o *Program) SymGradAdj(out, z *Buffer, waitFor ...*Event) (*Event, error) {
	shape := []int{o.UnknownsTGV, o.NSlice, o.DimY, o.DimX, 8}
	if err := o.checkShape("sym_divergence", shape, z); err != nil {
		return nil, err
	}
	shape[len(shape)-1] = 4
	if err := o.checkShape("sym_divergence", shape, out); err != nil {
		return nil, err
	}
	g := o.geom()
	ev := o.queue.Launch(o.UnknownsTGV*g.nv, waitFor, func(lo, hi int) {
		for p := lo; p < hi; p++ {
			b := p * 4
			for c := 0; c < 3; c++ {
				out.Data[b+c] = o.symGradAdjAt(z, g, p, c)
			}
			out.Data[b+3] = 0
		}
	})
	return ev, nil
}

// UpdateKyk2 fuses the symmetric-gradient adjoint with the gradient
// dual: Kyk2 = E*(z2) - z1 restricted to the TGV unknowns. It drives
// the auxiliary field update v_new = v - tau*Kyk2.
func (o *Program) UpdateKyk2(out, z2, z1 *Buffer, waitFor ...*Event) (*Event, error) {
	shape := []int{o.UnknownsTGV, o.NSlice, o.DimY, o.DimX, 8}
	if err := o.checkShape("update_Kyk2", shape, z2); err != nil {
		return nil, err
	}
	shape[len(shape)-1] = 4
	if err := o.checkShape("update_Kyk2", shape, out); err != nil {
		return nil, err
	}
	z1shape := []int{o.Unknowns, o.NSlice, o.DimY, o.DimX, 4}
	if err := o.checkShape("update_Kyk2", z1shape, z1); err != nil {
		return nil, err
	}
	g := o.geom()
	ev := o.queue.Launch(o.UnknownsTGV*g.nv, waitFor, func(lo, hi int) {
		for p := lo; p < hi; p++ {
			b := p * 4
			for c := 0; c < 3; c++ {
				out.Data[b+c] = o.symGradAdjAt(z2, g, p, c) - z1.Data[b+c]
			}
			out.Data[b+3] = 0
		}
	})
	return ev, nil
}
