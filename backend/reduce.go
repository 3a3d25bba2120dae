// Copyright 2018 The PyQMRI Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package backend

import (
	"math"
	"sync"
)

// Reductions. These are the synchronisation points of the solver: the
// host blocks until the result is available. Accumulation happens in
// double precision over per-worker partial sums.

// reduce folds f over [0,n) in parallel chunks and sums the partials
func (o *Queue) reduce(n int, f func(lo, hi int) float64) float64 {
	nw := o.nw
	if nw > n {
		nw = n
	}
	if nw < 1 {
		nw = 1
	}
	chunk := (n + nw - 1) / nw
	parts := make([]float64, (n+chunk-1)/chunk)
	var wg sync.WaitGroup
	for k, lo := 0, 0; lo < n; k, lo = k+1, lo+chunk {
		hi := lo + chunk
		if hi > n {
			hi = n
		}
		wg.Add(1)
		go func(k, lo, hi int) {
			defer wg.Done()
			parts[k] = f(lo, hi)
		}(k, lo, hi)
	}
	wg.Wait()
	sum := 0.0
	for _, p := range parts {
		sum += p
	}
	return sum
}

// Vdot returns the real part of the inner product sum(conj(a)*b)
func (o *Queue) Vdot(a, b *Buffer) float64 {
	return o.reduce(a.Size(), func(lo, hi int) float64 {
		s := 0.0
		for i := lo; i < hi; i++ {
			av := a.Data[i]
			bv := b.Data[i]
			s += float64(real(av))*float64(real(bv)) + float64(imag(av))*float64(imag(bv))
		}
		return s
	})
}

// Nrm2 returns the Euclidean norm of the buffer
func (o *Queue) Nrm2(a *Buffer) float64 {
	return math.Sqrt(o.Vdot(a, a))
}

// Nrm2Diff returns the Euclidean norm of a - b
func (o *Queue) Nrm2Diff(a, b *Buffer) float64 {
	s := o.reduce(a.Size(), func(lo, hi int) float64 {
		acc := 0.0
		for i := lo; i < hi; i++ {
			d := a.Data[i] - b.Data[i]
			acc += float64(real(d))*float64(real(d)) + float64(imag(d))*float64(imag(d))
		}
		return acc
	})
	return math.Sqrt(s)
}

// VdotDiff returns the squared Euclidean norm of a - b
func (o *Queue) VdotDiff(a, b *Buffer) float64 {
	d := o.Nrm2Diff(a, b)
	return d * d
}

// SumAbs returns the entrywise 1-norm sum(|a_i|)
func (o *Queue) SumAbs(a *Buffer) float64 {
	return o.reduce(a.Size(), func(lo, hi int) float64 {
		s := 0.0
		for i := lo; i < hi; i++ {
			v := a.Data[i]
			s += math.Hypot(float64(real(v)), float64(imag(v)))
		}
		return s
	})
}

// SumAbsDiff returns sum(|a_i - b_i|)
func (o *Queue) SumAbsDiff(a, b *Buffer) float64 {
	return o.reduce(a.Size(), func(lo, hi int) float64 {
		s := 0.0
		for i := lo; i < hi; i++ {
			d := a.Data[i] - b.Data[i]
			s += math.Hypot(float64(real(d)), float64(imag(d)))
		}
		return s
	})
}

// SumReal returns the sum of the real parts
func (o *Queue) SumReal(a *Buffer) float64 {
	return o.reduce(a.Size(), func(lo, hi int) float64 {
		s := 0.0
		for i := lo; i < hi; i++ {
			s += float64(real(a.Data[i]))
		}
		return s
	})
}
