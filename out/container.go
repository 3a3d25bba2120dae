// Copyright 2018 The PyQMRI Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// package out implements the persistence of per-iteration
// reconstruction results into a hierarchical container file holding
// named complex datasets and float attributes.
package out

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	goio "io"
	"os"
	"path/filepath"

	"github.com/cpmech/gosl/chk"
	"github.com/cpmech/gosl/io"
)

// Encoder defines encoders; e.g. gob or json
type Encoder interface {
	Encode(e interface{}) error
}

// Decoder defines decoders; e.g. gob or json
type Decoder interface {
	Decode(e interface{}) error
}

// GetEncoder returns a new encoder
func GetEncoder(w goio.Writer, enctype string) Encoder {
	if enctype == "json" {
		return json.NewEncoder(w)
	}
	return gob.NewEncoder(w)
}

// GetDecoder returns a new decoder
func GetDecoder(r goio.Reader, enctype string) Decoder {
	if enctype == "json" {
		return json.NewDecoder(r)
	}
	return gob.NewDecoder(r)
}

// Dataset holds one named complex tensor. The values are stored as
// interleaved single-precision real/imaginary pairs so that both
// encoders can handle them.
type Dataset struct {
	Key   string
	Shape []int
	Data  []float32
}

// Complex returns the dataset values as a complex slice
func (o *Dataset) Complex() []complex64 {
	c := make([]complex64, len(o.Data)/2)
	for i := range c {
		c[i] = complex(o.Data[2*i], o.Data[2*i+1])
	}
	return c
}

// Container is a hierarchical result file: an ordered set of datasets
// plus named float attributes
type Container struct {
	Dirout  string
	FnKey   string
	EncType string

	Datasets []*Dataset
	Attrs    map[string]float64
}

// NewContainer returns an empty container writing to
// dirout/output_fnkey.enctype
func NewContainer(dirout, fnkey, enctype string) *Container {
	if enctype == "" {
		enctype = "gob"
	}
	return &Container{
		Dirout:  dirout,
		FnKey:   fnkey,
		EncType: enctype,
		Attrs:   make(map[string]float64),
	}
}

// Path returns the container file path
func (o *Container) Path() string {
	return filepath.Join(o.Dirout, io.Sf("output_%s.%s", o.FnKey, o.EncType))
}

// PutDataset appends a complex dataset; an existing key is replaced
func (o *Container) PutDataset(key string, shape []int, data []complex64) {
	d := &Dataset{Key: key, Shape: append([]int{}, shape...), Data: make([]float32, 2*len(data))}
	for i, v := range data {
		d.Data[2*i] = real(v)
		d.Data[2*i+1] = imag(v)
	}
	for i, e := range o.Datasets {
		if e.Key == key {
			o.Datasets[i] = d
			return
		}
	}
	o.Datasets = append(o.Datasets, d)
}

// GetDataset finds a dataset by key
func (o *Container) GetDataset(key string) *Dataset {
	for _, d := range o.Datasets {
		if d.Key == key {
			return d
		}
	}
	return nil
}

// SetAttr sets a float attribute
func (o *Container) SetAttr(key string, val float64) {
	o.Attrs[key] = val
}

// Save writes the whole container to its file
func (o *Container) Save() (err error) {
	var buf bytes.Buffer
	enc := GetEncoder(&buf, o.EncType)
	if err = enc.Encode(o.Datasets); err != nil {
		return chk.Err("io-persist-fail: cannot encode datasets\n%v", err)
	}
	if err = enc.Encode(o.Attrs); err != nil {
		return chk.Err("io-persist-fail: cannot encode attributes\n%v", err)
	}
	if o.Dirout != "" {
		if err = os.MkdirAll(o.Dirout, 0777); err != nil {
			return chk.Err("io-persist-fail: cannot create output directory %q\n%v", o.Dirout, err)
		}
	}
	fil, err := os.Create(o.Path())
	if err != nil {
		return chk.Err("io-persist-fail: cannot create %q\n%v", o.Path(), err)
	}
	defer func() {
		if cerr := fil.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	if _, err = buf.WriteTo(fil); err != nil {
		return chk.Err("io-persist-fail: cannot write %q\n%v", o.Path(), err)
	}
	return
}

// ReadContainer reads a container back from disk
func ReadContainer(dirout, fnkey, enctype string) (*Container, error) {
	o := NewContainer(dirout, fnkey, enctype)
	fil, err := os.Open(o.Path())
	if err != nil {
		return nil, chk.Err("io-persist-fail: cannot open %q\n%v", o.Path(), err)
	}
	defer fil.Close()
	dec := GetDecoder(fil, o.EncType)
	if err := dec.Decode(&o.Datasets); err != nil {
		return nil, chk.Err("io-persist-fail: cannot decode datasets\n%v", err)
	}
	if err := dec.Decode(&o.Attrs); err != nil {
		return nil, chk.Err("io-persist-fail: cannot decode attributes\n%v", err)
	}
	return o, nil
}
