// Copyright 2018 The PyQMRI Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// package backend implements a thin accelerator interface for the
// reconstruction kernels: complex buffers with shapes, an asynchronous
// work queue with completion events, the elementwise kernel catalogue
// used by the primal-dual solver and parallel reductions. The CPU
// realisation below partitions the index space over goroutines; a GPU
// backend providing the same catalogue is a drop-in.
package backend

import (
	"runtime"
	"sync"

	"github.com/cpmech/gosl/chk"
)

// Event is the completion token returned by every kernel launch. The
// host blocks only at explicit synchronisation points by calling Wait.
type Event struct {
	done chan struct{}
	err  error
}

// Wait blocks until the launch has completed and returns its status
func (o *Event) Wait() error {
	if o == nil {
		return nil
	}
	<-o.done
	return o.err
}

// WaitAll waits on a set of events and returns the first error found
func WaitAll(events ...*Event) (err error) {
	for _, e := range events {
		if e == nil {
			continue
		}
		if werr := e.Wait(); werr != nil && err == nil {
			err = werr
		}
	}
	return
}

// Queue schedules data-parallel kernels. Launches are asynchronous
// enqueues; ordering between dependent launches is expressed by
// passing the producing events as waitFor arguments.
type Queue struct {
	nw int // number of workers
}

// NewQueue returns a queue using all available processors
func NewQueue() *Queue {
	return &Queue{nw: runtime.NumCPU()}
}

// Launch enqueues a kernel over the index range [0,n) and returns
// immediately with a completion event. The kernel function receives a
// contiguous chunk [lo,hi) of the index space.
func (o *Queue) Launch(n int, waitFor []*Event, kern func(lo, hi int)) *Event {
	ev := &Event{done: make(chan struct{})}
	go func() {
		defer close(ev.done)
		if err := WaitAll(waitFor...); err != nil {
			ev.err = err
			return
		}
		nw := o.nw
		if nw > n {
			nw = n
		}
		if nw < 1 {
			nw = 1
		}
		chunk := (n + nw - 1) / nw
		var wg sync.WaitGroup
		for lo := 0; lo < n; lo += chunk {
			hi := lo + chunk
			if hi > n {
				hi = n
			}
			wg.Add(1)
			go func(lo, hi int) {
				defer wg.Done()
				kern(lo, hi)
			}(lo, hi)
		}
		wg.Wait()
	}()
	return ev
}

// Serial enqueues a host-sequential task (e.g. an FFT batch) on the
// queue and returns its completion event.
func (o *Queue) Serial(waitFor []*Event, task func() error) *Event {
	ev := &Event{done: make(chan struct{})}
	go func() {
		defer close(ev.done)
		if err := WaitAll(waitFor...); err != nil {
			ev.err = err
			return
		}
		ev.err = task()
	}()
	return ev
}

// Buffer holds a complex single-precision device buffer and its shape
type Buffer struct {
	Data  []complex64
	Shape []int
}

// NewBuffer allocates a zeroed buffer with the given shape
func NewBuffer(shape ...int) *Buffer {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return &Buffer{Data: make([]complex64, n), Shape: append([]int{}, shape...)}
}

// Size returns the total number of elements
func (o *Buffer) Size() int { return len(o.Data) }

// SameShape tells whether b has exactly the same shape as o
func (o *Buffer) SameShape(b *Buffer) bool {
	if len(o.Shape) != len(b.Shape) {
		return false
	}
	for i, s := range o.Shape {
		if b.Shape[i] != s {
			return false
		}
	}
	return true
}

// Clone returns a deep copy
func (o *Buffer) Clone() *Buffer {
	c := NewBuffer(o.Shape...)
	copy(c.Data, o.Data)
	return c
}

// CopyFrom copies the contents of b into o. Shapes must match.
func (o *Buffer) CopyFrom(b *Buffer) error {
	if !o.SameShape(b) {
		return chk.Err("shape-mismatch: cannot copy %v into %v", b.Shape, o.Shape)
	}
	copy(o.Data, b.Data)
	return nil
}

// Fill sets every element to v
func (o *Buffer) Fill(v complex64) {
	for i := range o.Data {
		o.Data[i] = v
	}
}

// Zero clears the buffer
func (o *Buffer) Zero() { o.Fill(0) }

// View returns a buffer sharing storage with o, restricted to the
// index range [lo,hi) of the leading axis.
func (o *Buffer) View(lo, hi int) *Buffer {
	stride := 1
	for _, s := range o.Shape[1:] {
		stride *= s
	}
	shape := append([]int{hi - lo}, o.Shape[1:]...)
	return &Buffer{Data: o.Data[lo*stride : hi*stride], Shape: shape}
}

// ZeroNonFinite replaces NaN and Inf entries by zero and returns the
// number of entries replaced.
func ZeroNonFinite(b *Buffer) (n int) {
	for i, v := range b.Data {
		re := real(v)
		im := imag(v)
		if isBad(re) || isBad(im) {
			b.Data[i] = 0
			n++
		}
	}
	return
}

func isBad(v float32) bool {
	return v != v || v > maxFloat32 || v < -maxFloat32
}

const maxFloat32 = 3.4028234663852886e+38
