// Copyright 2018 The PyQMRI Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package operator

import (
	"math"
	"sync"

	"github.com/cpmech/gosl/chk"
	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/1vanjordanov/PyQMRI/backend"
)

// NUFFT performs the coil-wise Fourier transform of the sampling
// operator. This realisation handles the Cartesian case with a
// unitary 2-D FFT per slice plane; a gridding backend for non-uniform
// trajectories plugs in behind the same FFT/FFTH pair.
type NUFFT struct {
	queue *backend.Queue
	ny    int
	nx    int
	fy    *fourier.CmplxFFT
	fx    *fourier.CmplxFFT

	mu   sync.Mutex // the fft plans carry scratch state
	work []complex128
	col  []complex128
	crow []complex128
	ccol []complex128
}

// NewNUFFT builds FFT plans for planes of ny x nx samples
func NewNUFFT(queue *backend.Queue, ny, nx int) *NUFFT {
	return &NUFFT{
		queue: queue,
		ny:    ny,
		nx:    nx,
		fy:    fourier.NewCmplxFFT(ny),
		fx:    fourier.NewCmplxFFT(nx),
		work:  make([]complex128, ny*nx),
		col:   make([]complex128, ny),
		crow:  make([]complex128, nx),
		ccol:  make([]complex128, ny),
	}
}

// FFT computes the unitary forward transform of every Y-X plane
func (o *NUFFT) FFT(out, in *backend.Buffer, waitFor ...*backend.Event) (*backend.Event, error) {
	return o.batch(out, in, false, waitFor)
}

// FFTH computes the unitary inverse (= adjoint) transform
func (o *NUFFT) FFTH(out, in *backend.Buffer, waitFor ...*backend.Event) (*backend.Event, error) {
	return o.batch(out, in, true, waitFor)
}

func (o *NUFFT) batch(out, in *backend.Buffer, inverse bool, waitFor []*backend.Event) (*backend.Event, error) {
	np := o.ny * o.nx
	if in.Size() != out.Size() || in.Size()%np != 0 {
		return nil, chk.Err("shape-mismatch: FFT needs whole %dx%d planes: in %v out %v", o.ny, o.nx, in.Shape, out.Shape)
	}
	nplanes := in.Size() / np
	ev := o.queue.Serial(waitFor, func() error {
		o.mu.Lock()
		defer o.mu.Unlock()
		for pl := 0; pl < nplanes; pl++ {
			o.plane(out.Data[pl*np:(pl+1)*np], in.Data[pl*np:(pl+1)*np], inverse)
		}
		return nil
	})
	return ev, nil
}

// plane transforms one Y-X plane in double precision
func (o *NUFFT) plane(dst, src []complex64, inverse bool) {
	scale := 1 / math.Sqrt(float64(o.ny*o.nx))
	for i, v := range src {
		o.work[i] = complex128(v)
	}
	for y := 0; y < o.ny; y++ {
		row := o.work[y*o.nx : (y+1)*o.nx]
		if inverse {
			o.fx.Sequence(o.crow, row)
		} else {
			o.fx.Coefficients(o.crow, row)
		}
		copy(row, o.crow)
	}
	for x := 0; x < o.nx; x++ {
		for y := 0; y < o.ny; y++ {
			o.col[y] = o.work[y*o.nx+x]
		}
		if inverse {
			o.fy.Sequence(o.ccol, o.col)
		} else {
			o.fy.Coefficients(o.ccol, o.col)
		}
		for y := 0; y < o.ny; y++ {
			o.work[y*o.nx+x] = o.ccol[y]
		}
	}
	for i, v := range o.work {
		dst[i] = complex64(v * complex(scale, 0))
	}
}
