// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpointio

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/binary"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/strategies/pkg/core/collectives"
	"github.com/gomlx/strategies/pkg/core/distributed"
	"github.com/gomlx/strategies/pkg/core/tensors"
	"github.com/gomlx/strategies/pkg/support/fsutil"
)

// KeySeparator joins the keys of nested maps in the flattened checkpoint. State keys can't contain it.
const KeySeparator = "/"

// fileFormatVersion is stored in the header of every checkpoint file.
const fileFormatVersion = 1

// File is a CheckpointIO that stores a checkpoint in a single gzip compressed file:
//
//   - A little-endian uint32 with the length of the JSON header.
//   - The JSON header: the parameters (non-tensor values), the index of the tensors and the slices.
//   - The tensors, serialized with gob, in the order of the index.
//
// Files are written to a temporary file and then renamed, so a checkpoint is never left half-written.
// It writes on whichever worker calls it: see XLA for the version that writes once per node.
type File struct {
	compression int
}

var _ CheckpointIO = (*File)(nil)

// NewFile returns a File CheckpointIO with the default compression level.
func NewFile() *File {
	return &File{compression: gzip.DefaultCompression}
}

// WithCompression sets the gzip compression level (see compress/gzip constants). It returns itself.
func (f *File) WithCompression(level int) *File {
	f.compression = level
	return f
}

// fileHeader is the JSON part of a checkpoint file.
type fileHeader struct {
	Version int
	Params  []serializedParam
	Tensors []serializedTensor
	Lists   []serializedList `json:",omitempty"`
}

// serializedParam is a non-tensor value of the state. It includes the original ValueType, because the JSON
// decoder may not recover the original type of an `any` value.
type serializedParam struct {
	Key       string
	Value     any
	ValueType string
}

// serializedTensor indexes a tensor stored after the header.
type serializedTensor struct {
	Key        string
	DType      string
	Dimensions []int
}

// serializedList marks a slice of the state: its elements are stored under the keys Key/0, Key/1, ...
type serializedList struct {
	Key string
	Len int

	// Tensors is set for a []*tensors.Tensor, otherwise the slice is a []any.
	Tensors bool `json:",omitempty"`
}

// flattenState splits state into the parameters and the tensors, with nested keys joined by KeySeparator.
// Non-empty []any and []*tensors.Tensor are walked like maps, with the element indices as keys.
func flattenState(state map[string]any) (header fileHeader, values []*tensors.Tensor, err error) {
	header.Version = fileFormatVersion
	var walkValue func(key string, value any) error
	walk := func(prefix string, m map[string]any) error {
		keys := make([]string, 0, len(m))
		for key := range m {
			keys = append(keys, key)
		}
		slices.Sort(keys)
		for _, key := range keys {
			if key == "" || strings.Contains(key, KeySeparator) {
				return errors.Errorf("invalid checkpoint key %q: keys must be non-empty and can't contain %q",
					prefix+key, KeySeparator)
			}
			if err := walkValue(prefix+key, m[key]); err != nil {
				return err
			}
		}
		return nil
	}
	addParam := func(key string, value any) {
		header.Params = append(header.Params, serializedParam{Key: key, Value: value,
			ValueType: fmt.Sprintf("%T", value)})
	}
	walkValue = func(key string, v any) error {
		switch value := v.(type) {
		case *tensors.Tensor:
			if value == nil {
				addParam(key, nil)
				return nil
			}
			header.Tensors = append(header.Tensors, serializedTensor{
				Key: key, DType: value.DType().String(), Dimensions: value.Dimensions()})
			values = append(values, value)
		case map[string]any:
			if len(value) == 0 {
				addParam(key, value)
				return nil
			}
			return walk(key+KeySeparator, value)
		case []any:
			if len(value) == 0 {
				addParam(key, value)
				return nil
			}
			header.Lists = append(header.Lists, serializedList{Key: key, Len: len(value)})
			for ii, element := range value {
				if err := walkValue(key+KeySeparator+strconv.Itoa(ii), element); err != nil {
					return err
				}
			}
		case []*tensors.Tensor:
			header.Lists = append(header.Lists, serializedList{Key: key, Len: len(value), Tensors: true})
			for ii, t := range value {
				if err := walkValue(key+KeySeparator+strconv.Itoa(ii), t); err != nil {
					return err
				}
			}
		default:
			addParam(key, value)
		}
		return nil
	}
	err = walk("", state)
	return
}

// setNested sets value under the KeySeparator separated key, creating the intermediary maps.
func setNested(state map[string]any, key string, value any) error {
	parts := strings.Split(key, KeySeparator)
	m := state
	for _, part := range parts[:len(parts)-1] {
		sub, found := m[part]
		if !found {
			sub = make(map[string]any)
			m[part] = sub
		}
		subMap, ok := sub.(map[string]any)
		if !ok {
			return errors.Errorf("checkpoint key %q conflicts with the value stored at %q", key, part)
		}
		m = subMap
	}
	m[parts[len(parts)-1]] = value
	return nil
}

// restoreLists converts the maps indexed by element position back to the slices they were saved from.
// The deepest lists are converted first, so the parents are still maps while they are traversed.
func restoreLists(state map[string]any, lists []serializedList) error {
	lists = slices.Clone(lists)
	slices.SortStableFunc(lists, func(a, b serializedList) int {
		return strings.Count(b.Key, KeySeparator) - strings.Count(a.Key, KeySeparator)
	})
	for _, list := range lists {
		parts := strings.Split(list.Key, KeySeparator)
		parent := state
		for _, part := range parts[:len(parts)-1] {
			sub, found := parent[part]
			if !found {
				// Parents of empty lists of tensors have no other entries.
				sub = make(map[string]any)
				parent[part] = sub
			}
			subMap, ok := sub.(map[string]any)
			if !ok {
				return errors.Errorf("checkpoint list %q: %q is not a map", list.Key, part)
			}
			parent = subMap
		}
		name := parts[len(parts)-1]
		elements, _ := parent[name].(map[string]any)
		if len(elements) > list.Len {
			return errors.Errorf("checkpoint list %q has %d elements stored, but length %d", list.Key,
				len(elements), list.Len)
		}
		if list.Tensors {
			restored := make([]*tensors.Tensor, list.Len)
			for ii := range restored {
				element := elements[strconv.Itoa(ii)]
				if element == nil {
					continue
				}
				t, ok := element.(*tensors.Tensor)
				if !ok {
					return errors.Errorf("checkpoint list %q: element #%d is a %T, not a tensor", list.Key, ii,
						element)
				}
				restored[ii] = t
			}
			parent[name] = restored
			continue
		}
		restored := make([]any, list.Len)
		for ii := range restored {
			restored[ii] = elements[strconv.Itoa(ii)]
		}
		parent[name] = restored
	}
	return nil
}

// jsonDecodeTypeConvert converts the Value decoded by JSON (with json.Decoder.UseNumber) into the original
// ValueType.
//
// E.g.: numbers are decoded as json.Number, and parsed back with the precision of the given ValueType.
// Numbers of types it doesn't know are converted to float64.
func (p *serializedParam) jsonDecodeTypeConvert() error {
	var err error
	switch value := p.Value.(type) {
	case json.Number:
		p.Value, err = convertNumber(value, p.ValueType)
	case []any:
		switch p.ValueType {
		case "[]int":
			p.Value, err = convertNumbers(value, func(n json.Number) (int, error) {
				i, err := strconv.ParseInt(n.String(), 10, 64)
				return int(i), err
			})
		case "[]int64":
			p.Value, err = convertNumbers(value, func(n json.Number) (int64, error) {
				return strconv.ParseInt(n.String(), 10, 64)
			})
		case "[]float64":
			p.Value, err = convertNumbers(value, func(n json.Number) (float64, error) { return n.Float64() })
		case "[]float32":
			p.Value, err = convertNumbers(value, func(n json.Number) (float32, error) {
				f, err := strconv.ParseFloat(n.String(), 32)
				return float32(f), err
			})
		case "[]string":
			p.Value = convertAnySlice(value, func(s string) string { return s })
		default:
			p.Value = numbersToFloat64(value)
		}
	case map[string]any:
		p.Value = numbersToFloat64(value)
	}
	return errors.Wrapf(err, "checkpoint parameter %q of type %s", p.Key, p.ValueType)
}

func convertNumber(n json.Number, valueType string) (any, error) {
	switch valueType {
	case "int", "int8", "int16", "int32", "int64":
		i, err := strconv.ParseInt(n.String(), 10, 64)
		if err != nil {
			return nil, err
		}
		switch valueType {
		case "int":
			return int(i), nil
		case "int8":
			return int8(i), nil
		case "int16":
			return int16(i), nil
		case "int32":
			return int32(i), nil
		}
		return i, nil
	case "uint", "uint8", "uint16", "uint32", "uint64":
		u, err := strconv.ParseUint(n.String(), 10, 64)
		if err != nil {
			return nil, err
		}
		switch valueType {
		case "uint":
			return uint(u), nil
		case "uint8":
			return uint8(u), nil
		case "uint16":
			return uint16(u), nil
		case "uint32":
			return uint32(u), nil
		}
		return u, nil
	case "float32":
		f, err := strconv.ParseFloat(n.String(), 32)
		return float32(f), err
	}
	return n.Float64()
}

func convertNumbers[To any](values []any, fn func(json.Number) (To, error)) ([]To, error) {
	result := make([]To, len(values))
	for ii, v := range values {
		n, ok := v.(json.Number)
		if !ok {
			return nil, errors.Errorf("element #%d is a %T, not a number", ii, v)
		}
		var err error
		if result[ii], err = fn(n); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func convertAnySlice[From, To any](values []any, fn func(From) To) []To {
	result := make([]To, len(values))
	for ii, v := range values {
		from, _ := v.(From)
		result[ii] = fn(from)
	}
	return result
}

// numbersToFloat64 replaces, in place, the json.Number values in nested slices and maps by float64.
func numbersToFloat64(v any) any {
	switch value := v.(type) {
	case json.Number:
		f, _ := strconv.ParseFloat(value.String(), 64)
		return f
	case []any:
		for ii, element := range value {
			value[ii] = numbersToFloat64(element)
		}
	case map[string]any:
		for key, element := range value {
			value[key] = numbersToFloat64(element)
		}
	}
	return v
}

// SaveCheckpoint implements CheckpointIO. The worker w is not used: File always writes.
func (f *File) SaveCheckpoint(ctx context.Context, _ *distributed.Worker, state map[string]any, path string,
	opts StorageOptions) error {
	if err := checkNoStorageOptions("File", opts); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	filePath, err := fsutil.PrepareFilePath(path)
	if err != nil {
		return err
	}
	header, values, err := flattenState(state)
	if err != nil {
		return err
	}
	headerJSON, err := json.Marshal(&header)
	if err != nil {
		return errors.Wrapf(err, "failed to encode parameters of checkpoint %q", path)
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(filePath), filepath.Base(filePath)+".tmp_*")
	if err != nil {
		return errors.Wrapf(err, "failed to create checkpoint file for %q", path)
	}
	tmpPath := tmpFile.Name()
	err = f.write(tmpFile, headerJSON, values)
	if closeErr := tmpFile.Close(); err == nil && closeErr != nil {
		err = errors.Wrapf(closeErr, "failed to close checkpoint file %q", tmpPath)
	}
	if err == nil {
		err = errors.Wrapf(os.Rename(tmpPath, filePath), "failed to rename checkpoint file to %q", filePath)
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return err
	}

	collectives.RecordCheckpointOp("save")
	if klog.V(1).Enabled() {
		var size uint64
		if info, statErr := os.Stat(filePath); statErr == nil {
			size = uint64(info.Size())
		}
		klog.Infof("saved checkpoint %q: %d parameters, %d tensors, %s", filePath, len(header.Params),
			len(header.Tensors), humanize.Bytes(size))
	}
	return nil
}

func (f *File) write(w io.Writer, headerJSON []byte, values []*tensors.Tensor) error {
	buffered := bufio.NewWriter(w)
	gz, err := gzip.NewWriterLevel(buffered, f.compression)
	if err != nil {
		return errors.Wrap(err, "failed to create gzip writer")
	}
	if err = binary.Write(gz, binary.LittleEndian, uint32(len(headerJSON))); err != nil {
		return errors.Wrap(err, "failed to write checkpoint header length")
	}
	if _, err = gz.Write(headerJSON); err != nil {
		return errors.Wrap(err, "failed to write checkpoint header")
	}
	enc := gob.NewEncoder(gz)
	for _, t := range values {
		if err = t.GobSerialize(enc); err != nil {
			return err
		}
	}
	if err = gz.Close(); err != nil {
		return errors.Wrap(err, "failed to finish gzip stream")
	}
	return errors.Wrap(buffered.Flush(), "failed to write checkpoint")
}

// LoadCheckpoint implements CheckpointIO. Tensors are loaded on the host.
func (f *File) LoadCheckpoint(path string) (map[string]any, error) {
	filePath, err := fsutil.ReplaceTildeInDir(path)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open checkpoint %q", path)
	}
	defer func() { _ = file.Close() }()
	gz, err := gzip.NewReader(bufio.NewReader(file))
	if err != nil {
		return nil, errors.Wrapf(err, "checkpoint %q is not a valid gzip file", path)
	}
	var headerLen uint32
	if err = binary.Read(gz, binary.LittleEndian, &headerLen); err != nil {
		return nil, errors.Wrapf(err, "failed to read header of checkpoint %q", path)
	}
	headerJSON := make([]byte, headerLen)
	if _, err = io.ReadFull(gz, headerJSON); err != nil {
		return nil, errors.Wrapf(err, "failed to read header of checkpoint %q", path)
	}
	var header fileHeader
	headerDecoder := json.NewDecoder(bytes.NewReader(headerJSON))
	headerDecoder.UseNumber()
	if err = headerDecoder.Decode(&header); err != nil {
		return nil, errors.Wrapf(err, "failed to decode header of checkpoint %q", path)
	}
	if header.Version != fileFormatVersion {
		return nil, errors.Errorf("checkpoint %q has format version %d, only version %d is supported",
			path, header.Version, fileFormatVersion)
	}

	state := make(map[string]any, len(header.Params)+len(header.Tensors))
	for _, param := range header.Params {
		if err = param.jsonDecodeTypeConvert(); err != nil {
			return nil, errors.WithMessagef(err, "checkpoint %q", path)
		}
		if err = setNested(state, param.Key, param.Value); err != nil {
			return nil, err
		}
	}
	dec := gob.NewDecoder(gz)
	for _, st := range header.Tensors {
		t, err := tensors.GobDeserialize(dec)
		if err != nil {
			return nil, errors.WithMessagef(err, "checkpoint %q, tensor %q", path, st.Key)
		}
		if t.DType().String() != st.DType || !slices.Equal(t.Dimensions(), st.Dimensions) {
			return nil, errors.Errorf("checkpoint %q, tensor %q: indexed as %s%v but stored as %s",
				path, st.Key, st.DType, st.Dimensions, t.Shape())
		}
		if err = setNested(state, st.Key, t); err != nil {
			return nil, err
		}
	}
	if err = restoreLists(state, header.Lists); err != nil {
		return nil, errors.WithMessagef(err, "checkpoint %q", path)
	}
	klog.V(1).Infof("loaded checkpoint %q: %d parameters, %d tensors", filePath, len(header.Params),
		len(header.Tensors))
	return state, nil
}

// RemoveCheckpoint implements CheckpointIO. It removes path recursively, if it exists.
func (f *File) RemoveCheckpoint(path string) error {
	filePath, err := fsutil.ReplaceTildeInDir(path)
	if err != nil {
		return err
	}
	exists, err := fsutil.FileExists(filePath)
	if err != nil || !exists {
		return err
	}
	if err = os.RemoveAll(filePath); err != nil {
		return errors.Wrapf(err, "failed to remove checkpoint %q", path)
	}
	collectives.RecordCheckpointOp("remove")
	klog.V(1).Infof("removed checkpoint %q", filePath)
	return nil
}

// Teardown implements CheckpointIO.
func (f *File) Teardown() error { return nil }
