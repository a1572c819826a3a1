// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"strings"

	"github.com/pkg/errors"
)

// ReduceOp names the reduction applied by a reduce collective.
//
// Values are matched case-insensitively. The empty ReduceOp means a plain sum, without averaging.
type ReduceOp string

const (
	ReduceOpDefault ReduceOp = ""
	ReduceOpSum     ReduceOp = "sum"
	ReduceOpMean    ReduceOp = "mean"
	ReduceOpAvg     ReduceOp = "avg"
	ReduceOpMax     ReduceOp = "max"
	ReduceOpMin     ReduceOp = "min"
	ReduceOpProduct ReduceOp = "product"
)

// ErrUnsupportedReduceOp is returned when a reduction is requested with an operation the callee doesn't support.
var ErrUnsupportedReduceOp = errors.New("unsupported reduce operation")

// Normalized returns the lower-case version of op.
func (op ReduceOp) Normalized() ReduceOp {
	return ReduceOp(strings.ToLower(string(op)))
}

// IsSum returns whether op is a plain sum (including the default empty op).
func (op ReduceOp) IsSum() bool {
	n := op.Normalized()
	return n == ReduceOpDefault || n == ReduceOpSum
}

// IsMean returns whether op is "mean" or its alias "avg".
func (op ReduceOp) IsMean() bool {
	n := op.Normalized()
	return n == ReduceOpMean || n == ReduceOpAvg
}

// IsKnown returns whether op is one of the defined operations.
func (op ReduceOp) IsKnown() bool {
	switch op.Normalized() {
	case ReduceOpDefault, ReduceOpSum, ReduceOpMean, ReduceOpAvg, ReduceOpMax, ReduceOpMin, ReduceOpProduct:
		return true
	}
	return false
}

// String implements fmt.Stringer.
func (op ReduceOp) String() string {
	if op == ReduceOpDefault {
		return "sum (default)"
	}
	return string(op)
}

// UnsupportedReduceOpError returns an error wrapping ErrUnsupportedReduceOp that names op and the supported ones.
func UnsupportedReduceOpError(op ReduceOp, supported ...ReduceOp) error {
	names := make([]string, len(supported))
	for ii, s := range supported {
		names[ii] = "`" + string(s) + "`"
	}
	return errors.Wrapf(ErrUnsupportedReduceOp, "only %s are supported for the reduce operation, got: %q",
		strings.Join(names, ", "), string(op))
}
