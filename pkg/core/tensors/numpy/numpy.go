// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package numpy reads and writes tensors in NumPy's .npy and .npz file formats.
//
// It is used to feed prompts (input ids and position ids) to the pipeline and to save the
// generated outputs, so they can be inspected with Python tools.
package numpy

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/gomlx/pipeline/pkg/core/dtypes"
	"github.com/gomlx/pipeline/pkg/core/shapes"
	"github.com/gomlx/pipeline/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const npyMagic = "\x93NUMPY"

var (
	reDescr   = regexp.MustCompile(`'descr'\s*:\s*'([^']*)'`)
	reFortran = regexp.MustCompile(`'fortran_order'\s*:\s*(True|False)`)
	reShape   = regexp.MustCompile(`'shape'\s*:\s*\(([^)]*)\)`)
)

// npyDescrs maps dtypes to their little-endian NumPy descriptors.
var npyDescrs = map[dtypes.DType]string{
	dtypes.Bool:    "|b1",
	dtypes.Int8:    "|i1",
	dtypes.Uint8:   "|u1",
	dtypes.Int16:   "<i2",
	dtypes.Uint16:  "<u2",
	dtypes.Int32:   "<i4",
	dtypes.Uint32:  "<u4",
	dtypes.Int64:   "<i8",
	dtypes.Uint64:  "<u8",
	dtypes.Float16: "<f2",
	dtypes.Float32: "<f4",
	dtypes.Float64: "<f8",
}

// FromNpyFile reads a .npy file and returns a tensors.Tensor.
func FromNpyFile(filePath string) (*tensors.Tensor, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open .npy file %q", filePath)
	}
	defer func() { _ = file.Close() }()
	return FromNpyReader(file)
}

// FromNpyReader reads a .npy file from an io.Reader and returns a tensors.Tensor.
//
// Only little-endian data is supported. Fortran-ordered arrays are transposed to row-major.
func FromNpyReader(r io.Reader) (*tensors.Tensor, error) {
	preamble := make([]byte, len(npyMagic)+2)
	if _, err := io.ReadFull(r, preamble); err != nil {
		return nil, errors.Wrapf(err, "failed to read .npy preamble")
	}
	if string(preamble[:len(npyMagic)]) != npyMagic {
		return nil, errors.Errorf("invalid .npy file format: magic string mismatch")
	}
	major := preamble[len(npyMagic)]
	var headerLen int
	switch {
	case major == 1:
		var n uint16
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return nil, errors.Wrapf(err, "failed to read header length (v1.0)")
		}
		headerLen = int(n)
	case major >= 2:
		var n uint32
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return nil, errors.Wrapf(err, "failed to read header length (v2.0+)")
		}
		headerLen = int(n)
	default:
		return nil, errors.Errorf("unsupported .npy version %d", major)
	}
	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, errors.Wrapf(err, "failed to read header")
	}
	descr, dims, fortranOrder, err := parseNpyHeader(string(headerBytes))
	if err != nil {
		return nil, err
	}
	if strings.HasPrefix(descr, ">") {
		return nil, errors.Errorf("big-endian .npy files (%q) are not supported", descr)
	}
	dtype, err := npyDescrToDType(descr)
	if err != nil {
		return nil, err
	}
	shape := shapes.Make(dtype, dims...)
	tensor := tensors.FromShape(shape)
	var readErr error
	err = tensor.MutableBytes(func(data []byte) {
		if !fortranOrder || shape.Rank() <= 1 {
			_, readErr = io.ReadFull(r, data)
			return
		}
		fortranData := make([]byte, len(data))
		if _, readErr = io.ReadFull(r, fortranData); readErr != nil {
			return
		}
		fortranToRowMajor(shape, fortranData, data)
	})
	if err == nil && readErr != nil {
		err = errors.Wrapf(readErr, "failed to read tensor data for %s", shape)
	}
	if err != nil {
		tensor.Finalize()
		return nil, err
	}
	return tensor, nil
}

// fortranToRowMajor copies column-major src into row-major dst.
func fortranToRowMajor(shape shapes.Shape, src, dst []byte) {
	fortranStrides := make([]int, shape.Rank())
	stride := 1
	for axis, dim := range shape.Dimensions {
		fortranStrides[axis] = stride
		stride *= dim
	}
	elementSize := shape.DType.Size()
	for flatIdx, indices := range shape.Iter() {
		srcIdx := 0
		for axis, axisIdx := range indices {
			srcIdx += axisIdx * fortranStrides[axis]
		}
		copy(dst[flatIdx*elementSize:(flatIdx+1)*elementSize], src[srcIdx*elementSize:(srcIdx+1)*elementSize])
	}
}

// parseNpyHeader extracts descr, shape, and fortran_order from the .npy header dictionary.
func parseNpyHeader(header string) (descr string, dims []int, fortranOrder bool, err error) {
	m := reDescr.FindStringSubmatch(header)
	if len(m) < 2 {
		err = errors.Errorf("could not find 'descr' in .npy header %q", header)
		return
	}
	descr = m[1]
	m = reFortran.FindStringSubmatch(header)
	if len(m) < 2 {
		err = errors.Errorf("could not find 'fortran_order' in .npy header %q", header)
		return
	}
	fortranOrder = m[1] == "True"
	m = reShape.FindStringSubmatch(header)
	if len(m) < 2 {
		err = errors.Errorf("could not find 'shape' in .npy header %q", header)
		return
	}
	dims = []int{}
	for _, part := range strings.Split(m[1], ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			// Trailing comma of 1D shapes, like "(10,)".
			continue
		}
		dim, convErr := strconv.Atoi(part)
		if convErr != nil {
			err = errors.Wrapf(convErr, "invalid dimension %q in .npy header", part)
			return
		}
		dims = append(dims, dim)
	}
	return
}

// npyDescrToDType converts a NumPy dtype descriptor to a dtypes.DType.
func npyDescrToDType(descr string) (dtypes.DType, error) {
	if descr == "?" || descr == "b1" {
		return dtypes.Bool, nil
	}
	trimmed := strings.TrimLeft(descr, "<>|=")
	for dtype, candidate := range npyDescrs {
		if strings.TrimLeft(candidate, "<>|=") == trimmed {
			return dtype, nil
		}
	}
	return dtypes.InvalidDType, errors.Errorf("unsupported NumPy dtype %q", descr)
}

// ToNpyWriter serializes a tensors.Tensor to an io.Writer in .npy (version 1.0) format.
func ToNpyWriter(tensor *tensors.Tensor, w io.Writer) error {
	shape := tensor.Shape()
	descr, found := npyDescrs[shape.DType]
	if !found {
		return errors.Errorf("dtype %s has no standard .npy representation", shape.DType)
	}
	var shapeTuple string
	switch shape.Rank() {
	case 0:
		shapeTuple = "()"
	case 1:
		shapeTuple = fmt.Sprintf("(%d,)", shape.Dimensions[0])
	default:
		parts := make([]string, shape.Rank())
		for ii, dim := range shape.Dimensions {
			parts[ii] = strconv.Itoa(dim)
		}
		shapeTuple = "(" + strings.Join(parts, ", ") + ")"
	}

	// Preamble (magic + version + header length) plus header must be a multiple of 64 bytes.
	var header bytes.Buffer
	fmt.Fprintf(&header, "{'descr': '%s', 'fortran_order': False, 'shape': %s, }", descr, shapeTuple)
	for (len(npyMagic)+2+2+header.Len()+1)%64 != 0 {
		header.WriteByte(' ')
	}
	header.WriteByte('\n')

	var out bytes.Buffer
	out.WriteString(npyMagic)
	out.Write([]byte{1, 0})
	_ = binary.Write(&out, binary.LittleEndian, uint16(header.Len()))
	out.Write(header.Bytes())
	if _, err := w.Write(out.Bytes()); err != nil {
		return errors.Wrapf(err, "failed to write .npy header")
	}
	var writeErr error
	err := tensor.ConstBytes(func(data []byte) {
		_, writeErr = w.Write(data)
	})
	if err != nil {
		return err
	}
	return errors.Wrapf(writeErr, "failed to write tensor data")
}

// ToNpyFile serializes a tensors.Tensor to a .npy file.
func ToNpyFile(tensor *tensors.Tensor, filePath string) error {
	file, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create .npy file %q", filePath)
	}
	if err = ToNpyWriter(tensor, file); err != nil {
		_ = file.Close()
		return err
	}
	return errors.Wrapf(file.Close(), "failed to close %q", filePath)
}

// FromNpzFile reads a .npz file and returns a map of tensor names to tensors.Tensor.
func FromNpzFile(filePath string) (map[string]*tensors.Tensor, error) {
	zipReader, err := zip.OpenReader(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open .npz file %q", filePath)
	}
	defer func() { _ = zipReader.Close() }()

	results := make(map[string]*tensors.Tensor)
	for _, f := range zipReader.File {
		cleanPath := path.Clean(f.Name)
		if path.IsAbs(cleanPath) || strings.HasPrefix(cleanPath, "..") {
			return nil, errors.Errorf("invalid path in .npz archive: %q", f.Name)
		}
		if !strings.HasSuffix(f.Name, ".npy") {
			klog.V(1).Infof("skipping %q in %q: not a .npy file", f.Name, filePath)
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to open %q within .npz", f.Name)
		}
		tensor, err := FromNpyReader(rc)
		_ = rc.Close()
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to read tensor %q from .npz", f.Name)
		}
		results[strings.TrimSuffix(f.Name, ".npy")] = tensor
	}
	return results, nil
}

// ToNpzFile serializes a map of tensors to a .npz file. Entries are written sorted by name.
func ToNpzFile(tensorsMap map[string]*tensors.Tensor, filePath string) error {
	file, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create .npz file %q", filePath)
	}
	zipWriter := zip.NewWriter(file)
	names := make([]string, 0, len(tensorsMap))
	for name := range tensorsMap {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fileWriter, err := zipWriter.Create(name + ".npy")
		if err == nil {
			err = ToNpyWriter(tensorsMap[name], fileWriter)
		}
		if err != nil {
			_ = zipWriter.Close()
			_ = file.Close()
			return errors.WithMessagef(err, "failed to write tensor %q to %q", name, filePath)
		}
	}
	if err = zipWriter.Close(); err != nil {
		_ = file.Close()
		return errors.Wrapf(err, "failed to close zip archive %q", filePath)
	}
	return errors.Wrapf(file.Close(), "failed to close %q", filePath)
}
