// Copyright 2018 The PyQMRI Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package operator

import (
	"math"
	"sync"

	"github.com/cpmech/gosl/chk"

	"github.com/1vanjordanov/PyQMRI/backend"
	"github.com/1vanjordanov/PyQMRI/inp"
)

// Kspace is the measurement operator of k-space fitting: the
// Jacobian-weighted image multiplied by the coil sensitivities and
// Fourier transformed. With a multiband factor > 1 the transformed
// slices of one excitation pack are summed under a per-band phase
// pattern (simultaneous multi-slice).
type Kspace struct {
	prg   *backend.Program
	par   *inp.Par
	nufft *NUFFT
	coils *backend.Buffer // [C,S,Y,X]
	gradX *backend.Buffer // [U,N,S,Y,X]

	// scratch, allocated once
	img     *backend.Buffer // [N,S,Y,X]
	coilImg *backend.Buffer // [N,C,S,Y,X]
	freq    *backend.Buffer // [N,C,S,Y,X]

	// SMS phase pattern: phase[j*dimY+y] for band j
	packs int
	phase []complex64

	// the scratch buffers make this operator an in-order queue:
	// every launch waits for the previous one
	mu   sync.Mutex
	last *backend.Event
}

// chainIn appends the previous launch of this operator to the
// dependency list
func (o *Kspace) chainIn(waitFor []*backend.Event) []*backend.Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.last != nil {
		waitFor = append(waitFor, o.last)
	}
	return waitFor
}

func (o *Kspace) chainOut(ev *backend.Event) *backend.Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.last = ev
	return ev
}

// NewKspace returns a k-space measurement operator. The coil
// sensitivity maps are uploaded once and treated read-only.
func NewKspace(prg *backend.Program, par *inp.Par, coils *backend.Buffer) (*Kspace, error) {
	want := &backend.Buffer{Shape: []int{par.NC, par.NSlice, par.DimY, par.DimX}}
	if !coils.SameShape(want) {
		return nil, chk.Err("shape-mismatch: coil maps expect %v but got %v", want.Shape, coils.Shape)
	}
	o := &Kspace{
		prg:     prg,
		par:     par,
		nufft:   NewNUFFT(prg.Queue(), par.DimY, par.DimX),
		coils:   coils,
		img:     backend.NewBuffer(par.NScan, par.NSlice, par.DimY, par.DimX),
		coilImg: backend.NewBuffer(par.NScan, par.NC, par.NSlice, par.DimY, par.DimX),
		freq:    backend.NewBuffer(par.NScan, par.NC, par.NSlice, par.DimY, par.DimX),
	}
	if par.MB > 1 {
		o.packs = par.NSlice / par.MB
		o.phase = make([]complex64, par.MB*par.DimY)
		for j := 0; j < par.MB; j++ {
			for y := 0; y < par.DimY; y++ {
				arg := 2 * math.Pi * par.Shift[j] * float64(y) / float64(par.DimY)
				o.phase[j*par.DimY+y] = complex(float32(math.Cos(arg)), float32(math.Sin(arg)))
			}
		}
	}
	return o, nil
}

// NUFFT exposes the Fourier backend of this operator
func (o *Kspace) NUFFT() *NUFFT { return o.nufft }

// DataShape returns [N,C,S,Y,X], or [N,C,P,Y,X] with SMS packs
func (o *Kspace) DataShape() []int {
	if o.packs > 0 {
		return []int{o.par.NScan, o.par.NC, o.packs, o.par.DimY, o.par.DimX}
	}
	return []int{o.par.NScan, o.par.NC, o.par.NSlice, o.par.DimY, o.par.DimX}
}

// SetLinearization installs the model Jacobian for the current GN step
func (o *Kspace) SetLinearization(gradX *backend.Buffer) error {
	want := &backend.Buffer{Shape: []int{o.par.Unknowns, o.par.NScan, o.par.NSlice, o.par.DimY, o.par.DimX}}
	if !gradX.SameShape(want) {
		return chk.Err("shape-mismatch: linearization expects %v but got %v", want.Shape, gradX.Shape)
	}
	o.gradX = gradX
	return nil
}

// CoilWeight computes out[n,c] = coils[c] * img[n]
func (o *Kspace) CoilWeight(out, img *backend.Buffer, waitFor ...*backend.Event) (*backend.Event, error) {
	nv := o.prg.NSlice * o.prg.DimY * o.prg.DimX
	nc := o.par.NC
	ev := o.prg.Queue().Launch(out.Size(), waitFor, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			n := i / (nc * nv)
			c := (i / nv) % nc
			p := i % nv
			out.Data[i] = o.coils.Data[c*nv+p] * img.Data[n*nv+p]
		}
	})
	return ev, nil
}

// coilCombine computes out[n,p] = sum_c conj(coils[c,p]) * y[n,c,p]
func (o *Kspace) coilCombine(out, y *backend.Buffer, waitFor []*backend.Event) *backend.Event {
	nv := o.prg.NSlice * o.prg.DimY * o.prg.DimX
	nc := o.par.NC
	return o.prg.Queue().Launch(out.Size(), waitFor, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			n := i / nv
			p := i % nv
			var acc complex64
			for c := 0; c < nc; c++ {
				acc += conj64(o.coils.Data[c*nv+p]) * y.Data[(n*nc+c)*nv+p]
			}
			out.Data[i] = acc
		}
	})
}

// collapse sums the transformed slices of each pack under the band
// phase pattern: out[n,c,p,y,x] = sum_j phase[j,y] * in[n,c,p+j*P,y,x]
func (o *Kspace) collapse(out, in *backend.Buffer, waitFor []*backend.Event) *backend.Event {
	ny, nx := o.par.DimY, o.par.DimX
	packs, mb := o.packs, o.par.MB
	sy := ny * nx
	nvFull := o.par.NSlice * sy
	nvPack := packs * sy
	return o.prg.Queue().Launch(out.Size(), waitFor, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			nc := i / nvPack // combined scan-coil plane index
			r := i % nvPack
			pk := r / sy
			yy := (r % sy) / nx
			xx := r % nx
			var acc complex64
			for j := 0; j < mb; j++ {
				s := pk + j*packs
				acc += o.phase[j*ny+yy] * in.Data[nc*nvFull+s*sy+yy*nx+xx]
			}
			out.Data[i] = acc
		}
	})
}

// spread is the adjoint of collapse
func (o *Kspace) spread(out, in *backend.Buffer, waitFor []*backend.Event) *backend.Event {
	ny, nx := o.par.DimY, o.par.DimX
	packs := o.packs
	sy := ny * nx
	nvFull := o.par.NSlice * sy
	nvPack := packs * sy
	return o.prg.Queue().Launch(out.Size(), waitFor, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			nc := i / nvFull
			r := i % nvFull
			s := r / sy
			yy := (r % sy) / nx
			xx := r % nx
			pk := s % packs
			j := s / packs
			out.Data[i] = conj64(o.phase[j*ny+yy]) * in.Data[nc*nvPack+pk*sy+yy*nx+xx]
		}
	})
}

// Fwd computes out = F( C * sum_u grad_x[u] x[u] )
func (o *Kspace) Fwd(out, x *backend.Buffer, waitFor ...*backend.Event) (*backend.Event, error) {
	if o.gradX == nil {
		return nil, chk.Err("backend-kernel-fail: measurement operator used before SetLinearization")
	}
	if err := checkShapes(out, o.DataShape()); err != nil {
		return nil, err
	}
	ev := fwdModel(o.prg, o.img, x, o.gradX, o.chainIn(waitFor))
	ev, err := o.CoilWeight(o.coilImg, o.img, ev)
	if err != nil {
		return nil, err
	}
	if o.packs > 0 {
		ev, err = o.nufft.FFT(o.freq, o.coilImg, ev)
		if err != nil {
			return nil, err
		}
		return o.chainOut(o.collapse(out, o.freq, []*backend.Event{ev})), nil
	}
	ev, err = o.nufft.FFT(out, o.coilImg, ev)
	if err != nil {
		return nil, err
	}
	return o.chainOut(ev), nil
}

// FwdData measures an image tensor img[n] directly: coil weighting,
// Fourier transform and, with SMS, the pack collapse. Used to predict
// the data at the linearization point.
func (o *Kspace) FwdData(out, img *backend.Buffer, waitFor ...*backend.Event) (*backend.Event, error) {
	if err := checkShapes(out, o.DataShape()); err != nil {
		return nil, err
	}
	ev, err := o.CoilWeight(o.coilImg, img, o.chainIn(waitFor)...)
	if err != nil {
		return nil, err
	}
	if o.packs > 0 {
		ev, err = o.nufft.FFT(o.freq, o.coilImg, ev)
		if err != nil {
			return nil, err
		}
		return o.chainOut(o.collapse(out, o.freq, []*backend.Event{ev})), nil
	}
	ev, err = o.nufft.FFT(out, o.coilImg, ev)
	if err != nil {
		return nil, err
	}
	return o.chainOut(ev), nil
}

// AdjData transforms measurement data back to the coil-combined image
// out[n]; used to build the scan images for the initial guess
func (o *Kspace) AdjData(out, y *backend.Buffer, waitFor ...*backend.Event) (*backend.Event, error) {
	if err := checkShapes(y, o.DataShape()); err != nil {
		return nil, err
	}
	ev, err := o.adjCommon(y, o.chainIn(waitFor))
	if err != nil {
		return nil, err
	}
	cev := o.prg.Queue().Launch(out.Size(), []*backend.Event{ev}, func(lo, hi int) {
		copy(out.Data[lo:hi], o.img.Data[lo:hi])
	})
	return o.chainOut(cev), nil
}

// adjCommon transforms measurement data back to the coil-combined
// image tmp[n,p]
func (o *Kspace) adjCommon(y *backend.Buffer, waitFor []*backend.Event) (*backend.Event, error) {
	var ev *backend.Event
	var err error
	if o.packs > 0 {
		ev = o.spread(o.freq, y, waitFor)
		ev, err = o.nufft.FFTH(o.coilImg, o.freq, ev)
	} else {
		ev, err = o.nufft.FFTH(o.coilImg, y, waitFor...)
	}
	if err != nil {
		return nil, err
	}
	return o.coilCombine(o.img, o.coilImg, []*backend.Event{ev}), nil
}

// Adj computes out = A*(y)
func (o *Kspace) Adj(out, y *backend.Buffer, waitFor ...*backend.Event) (*backend.Event, error) {
	if o.gradX == nil {
		return nil, chk.Err("backend-kernel-fail: measurement operator used before SetLinearization")
	}
	if err := checkShapes(y, o.DataShape()); err != nil {
		return nil, err
	}
	ev, err := o.adjCommon(y, o.chainIn(waitFor))
	if err != nil {
		return nil, err
	}
	return o.chainOut(adjModel(o.prg, out, o.img, o.gradX, []*backend.Event{ev})), nil
}

// AdjKyk1 computes out = A*(y) + G*(z1) with the model adjoint and the
// gradient adjoint fused into one kernel
func (o *Kspace) AdjKyk1(out, y, z1 *backend.Buffer, grad *FiniteGradient, waitFor ...*backend.Event) (*backend.Event, error) {
	if o.gradX == nil {
		return nil, chk.Err("backend-kernel-fail: measurement operator used before SetLinearization")
	}
	if err := checkShapes(y, o.DataShape()); err != nil {
		return nil, err
	}
	ev, err := o.adjCommon(y, o.chainIn(waitFor))
	if err != nil {
		return nil, err
	}
	prg := o.prg
	gradX := o.gradX
	img := o.img
	ratio := grad.Ratio()
	nv := prg.NSlice * prg.DimY * prg.DimX
	nscan := o.par.NScan
	kev := prg.Queue().Launch(out.Size(), []*backend.Event{ev}, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			u := i / nv
			p := i % nv
			var acc complex64
			for n := 0; n < nscan; n++ {
				acc += conj64(gradX.Data[(u*nscan+n)*nv+p]) * img.Data[n*nv+p]
			}
			out.Data[i] = acc + prg.GradientAdjAt(z1, ratio, i)
		}
	})
	return o.chainOut(kev), nil
}
