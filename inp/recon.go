// Copyright 2018 The PyQMRI Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// package inp implements the input data read from a (.recon) JSON file
package inp

import (
	"encoding/json"

	"github.com/cpmech/gosl/chk"
	"github.com/cpmech/gosl/io"
	"gonum.org/v1/gonum/floats"
)

// Par holds the acquisition geometry and sequence data of one
// reconstruction. The unknown partition is filled in by the signal
// model at allocation time.
type Par struct {

	// global information
	Desc    string `json:"desc"`    // description of the data set
	DirOut  string `json:"dirout"`  // directory for output; e.g. /tmp/pyqmri
	FnKey   string `json:"fnkey"`   // output filename key
	Encoder string `json:"encoder"` // encoder name; e.g. "gob" or "json"

	// geometry
	NScan  int     `json:"nscan"`  // number of scans N
	NC     int     `json:"nc"`     // number of coils C
	NSlice int     `json:"nslice"` // number of slices S
	DimY   int     `json:"dimy"`   // rows Y
	DimX   int     `json:"dimx"`   // columns X
	Dz     float64 `json:"dz"`     // slice anisotropy ratio

	// acquisition
	SNREst float64     `json:"snr_est"` // estimated SNR; scales the data weight
	BValue []float64   `json:"b_value"` // diffusion weighting per scan
	DWIDir [][]float64 `json:"dwi_dir"` // diffusion directions, unit 3-vectors per scan

	// simultaneous multi-slice
	MB    int       `json:"mb"`    // multiband factor; 0 or 1 => no SMS
	Shift []float64 `json:"shift"` // per-band CAIPI shift

	// unknown partition; set by the signal model
	Unknowns    int
	UnknownsTGV int
	UnknownsH1  int
}

// RecoPar holds the IRGN solver parameters (the irgn_par record)
type RecoPar struct {
	StartIters        int     `json:"start_iters"` // inner iterations at the first GN step
	MaxIters          int     `json:"max_iters"`   // cap for the doubling inner iteration count
	MaxGNIt           int     `json:"max_gn_it"`   // number of Gauss-Newton steps
	Tol               float64 `json:"tol"`         // relative tolerance on objective decrease
	Stag              float64 `json:"stag"`        // stagnation detection factor on the PD gap
	Lambd             float64 `json:"lambd"`       // data weight
	Gamma             float64 `json:"gamma"`       // TGV/TV weight
	GammaMin          float64 `json:"gamma_min"`   // floor of the gamma decay
	GammaDec          float64 `json:"gamma_dec"`   // per-GN decay of gamma
	Omega             float64 `json:"omega"`       // H1 weight
	OmegaMin          float64 `json:"omega_min"`   // floor of the omega decay
	OmegaDec          float64 `json:"omega_dec"`   // per-GN decay of omega
	Delta             float64 `json:"delta"`       // Tikhonov distance weight
	DeltaMax          float64 `json:"delta_max"`   // cap of the delta growth
	DeltaInc          float64 `json:"delta_inc"`   // per-GN growth of delta
	DisplayIterations bool    `json:"display_iterations"`
}

// Recon gathers everything read from a .recon file
type Recon struct {
	Par  Par     `json:"par"`
	Irgn RecoPar `json:"irgn"`
}

// DefaultRecoPar returns the solver parameters used when the file
// omits the irgn block
func DefaultRecoPar() RecoPar {
	return RecoPar{
		StartIters: 100,
		MaxIters:   1000,
		MaxGNIt:    7,
		Tol:        5e-3,
		Stag:       1e5,
		Lambd:      1e0,
		Gamma:      1e-3,
		GammaMin:   1.8e-4,
		GammaDec:   0.7,
		Omega:      0,
		OmegaMin:   0,
		OmegaDec:   0.5,
		Delta:      1e-1,
		DeltaMax:   1e2,
		DeltaInc:   2,
	}
}

// Validate checks the acquisition record for consistency
func (o *Par) Validate() error {
	if o.NScan < 1 || o.NSlice < 1 || o.DimY < 1 || o.DimX < 1 {
		return chk.Err("shape-mismatch: geometry must be positive: N=%d S=%d Y=%d X=%d", o.NScan, o.NSlice, o.DimY, o.DimX)
	}
	if o.Dz <= 0 {
		o.Dz = 1
	}
	if o.SNREst <= 0 {
		o.SNREst = 1
	}
	if len(o.BValue) > 0 && len(o.BValue) != o.NScan {
		return chk.Err("shape-mismatch: b_value must have one entry per scan: %d != %d", len(o.BValue), o.NScan)
	}
	for i, d := range o.DWIDir {
		if len(d) != 3 {
			return chk.Err("shape-mismatch: dwi_dir[%d] must be a 3-vector", i)
		}
	}
	if o.MB > 1 {
		if o.NSlice%o.MB != 0 {
			return chk.Err("shape-mismatch: multiband factor %d must divide nslice %d", o.MB, o.NSlice)
		}
		if len(o.Shift) != o.MB {
			return chk.Err("shape-mismatch: shift must have one entry per band: %d != %d", len(o.Shift), o.MB)
		}
	}
	// diffusion weightings are handled in ms units
	if len(o.BValue) > 0 && floats.Max(o.BValue) > 100 {
		for i := range o.BValue {
			o.BValue[i] /= 1000
		}
	}
	return nil
}

// ReadRecon reads acquisition and solver parameters from a JSON file
func ReadRecon(path string) (*Recon, error) {
	b, err := io.ReadFile(path)
	if err != nil {
		return nil, chk.Err("ReadRecon: cannot read recon file %q", path)
	}
	o := &Recon{Irgn: DefaultRecoPar()}
	if err := json.Unmarshal(b, o); err != nil {
		return nil, chk.Err("ReadRecon: cannot unmarshal recon file %q\n%v", path, err)
	}
	if err := o.Par.Validate(); err != nil {
		return nil, err
	}
	if o.Par.Encoder == "" {
		o.Par.Encoder = "gob"
	}
	if o.Par.FnKey == "" {
		o.Par.FnKey = io.FnKey(path)
	}
	return o, nil
}
