package imageio

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"gonum.org/v1/gonum/mat"

	"greedyreg/pkg/grid"
	"greedyreg/pkg/space"
)

// fieldMagic identifies a displacement field file. The payload after the
// header is float32 samples in physical-offset units, x-fastest, vector
// components interleaved.
const fieldMagic = "GRF1"

// WriteVectorField persists a displacement field. The in-memory field
// holds voxel-unit offsets; on disk the offsets are physical, so the
// file stays meaningful against resampled copies of the same grid.
// precision > 0 rounds each voxel-unit component to the nearest multiple
// of precision before conversion, trading accuracy for compressibility;
// 0 writes the field as-is.
func WriteVectorField(field *grid.Image, path string, precision float64) error {
	n := field.NDim()
	if field.Comp != n {
		return fmt.Errorf("%w: field has %d components for %d dimensions", grid.ErrConfiguration, field.Comp, n)
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%w: %v", grid.ErrResource, err)
	}
	defer file.Close()
	w := bufio.NewWriter(file)

	if _, err := w.WriteString(fieldMagic); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(n)); err != nil {
		return err
	}
	for d := 0; d < n; d++ {
		if err := binary.Write(w, binary.LittleEndian, uint32(field.Dims[d])); err != nil {
			return err
		}
	}
	meta := make([]float64, 0, 2*n+n*n)
	meta = append(meta, field.Spacing...)
	meta = append(meta, field.Origin...)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			meta = append(meta, field.Dir.At(i, j))
		}
	}
	if err := binary.Write(w, binary.LittleEndian, meta); err != nil {
		return err
	}

	mapping := space.NewMapping(field)
	u := make([]float64, n)
	phys := make([]float64, n)
	sample := make([]float32, n)
	nv := field.NumVoxels()
	for v := 0; v < nv; v++ {
		for d := 0; d < n; d++ {
			c := field.Data[v*n+d]
			if precision > 0 {
				c = math.Round(c/precision) * precision
			}
			u[d] = c
		}
		// A displacement is a direction, not a point: apply the linear
		// part of the mapping without the origin term.
		for i := 0; i < n; i++ {
			phys[i] = 0
			for j := 0; j < n; j++ {
				phys[i] += mapping.A.At(i, j) * u[j]
			}
			sample[i] = float32(phys[i])
		}
		if err := binary.Write(w, binary.LittleEndian, sample); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to write field %s: %w", path, err)
	}
	return nil
}

// ReadVectorField loads a displacement field written by WriteVectorField,
// converting the physical offsets back to voxel units.
func ReadVectorField(path string) (*grid.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", grid.ErrResource, err)
	}
	defer file.Close()
	r := bufio.NewReader(file)

	magic := make([]byte, len(fieldMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, fmt.Errorf("failed to read field %s: %w", path, err)
	}
	if string(magic) != fieldMagic {
		return nil, fmt.Errorf("%w: %s is not a displacement field file", grid.ErrConfiguration, path)
	}
	var ndim uint32
	if err := binary.Read(r, binary.LittleEndian, &ndim); err != nil {
		return nil, err
	}
	n := int(ndim)
	if n < 1 || n > grid.MaxDims {
		return nil, fmt.Errorf("%w: field dimensionality %d out of range", grid.ErrConfiguration, n)
	}
	dims := make([]int, n)
	for d := 0; d < n; d++ {
		var v uint32
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return nil, err
		}
		dims[d] = int(v)
	}
	meta := make([]float64, 2*n+n*n)
	if err := binary.Read(r, binary.LittleEndian, meta); err != nil {
		return nil, err
	}

	field := grid.NewImage(dims, n)
	copy(field.Spacing, meta[:n])
	copy(field.Origin, meta[n:2*n])
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			field.Dir.Set(i, j, meta[2*n+i*n+j])
		}
	}

	mapping := space.NewMapping(field)
	sample := make([]float32, n)
	rhs := mat.NewVecDense(n, nil)
	nv := field.NumVoxels()
	for v := 0; v < nv; v++ {
		if err := binary.Read(r, binary.LittleEndian, sample); err != nil {
			return nil, fmt.Errorf("truncated field %s: %w", path, err)
		}
		for i := 0; i < n; i++ {
			rhs.SetVec(i, float64(sample[i]))
		}
		u, err := mapping.SolveVec(rhs)
		if err != nil {
			return nil, err
		}
		for d := 0; d < n; d++ {
			field.Data[v*n+d] = u.AtVec(d)
		}
	}
	return field, nil
}
