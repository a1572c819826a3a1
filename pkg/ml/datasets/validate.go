// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"fmt"
	"reflect"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrDatasetWithoutLength is returned by ValidateDataloaders for datasets that don't implement HasLen.
var ErrDatasetWithoutLength = errors.New(
	"the dataset must implement Len(): datasets without a known length are not supported")

// HasLength reports whether v implements HasLen. It logs a warning if the length is 0.
func HasLength(v any) bool {
	withLen, ok := v.(HasLen)
	if !ok {
		return false
	}
	if withLen.Len() == 0 {
		klog.Warningf("dataset %s returned 0 length, please make sure this was your intention", describe(v))
	}
	return true
}

// ValidateDataloaders checks that every dataset in v supports length. v can be a single dataset or any nesting
// of slices, arrays and maps of them: map keys are not checked, only values.
//
// It returns an error wrapping ErrDatasetWithoutLength for the first dataset found without a length.
func ValidateDataloaders(v any) error {
	return validate(reflect.ValueOf(v), "dataloaders")
}

func validate(value reflect.Value, path string) error {
	if value.IsValid() && value.Kind() != reflect.Interface && value.CanInterface() {
		if HasLength(value.Interface()) {
			return nil
		}
	}
	switch value.Kind() {
	case reflect.Interface:
		if !value.IsNil() {
			return validate(value.Elem(), path)
		}
	case reflect.Slice, reflect.Array:
		for ii := range value.Len() {
			if err := validate(value.Index(ii), fmt.Sprintf("%s[%d]", path, ii)); err != nil {
				return err
			}
		}
		return nil
	case reflect.Map:
		iter := value.MapRange()
		for iter.Next() {
			if err := validate(iter.Value(), fmt.Sprintf("%s[%v]", path, iter.Key())); err != nil {
				return err
			}
		}
		return nil
	}
	var leaf any
	if value.IsValid() && value.CanInterface() {
		leaf = value.Interface()
	}
	return errors.Wrapf(ErrDatasetWithoutLength, "%s is %s", path, describe(leaf))
}

func describe(v any) string {
	if ds, ok := v.(Dataset); ok {
		return fmt.Sprintf("%q (%T)", ds.Name(), v)
	}
	return fmt.Sprintf("%T", v)
}
