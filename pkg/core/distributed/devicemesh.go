// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"fmt"
	"slices"
	"strings"

	"github.com/pkg/errors"

	"github.com/gomlx/strategies/pkg/support/sets"
)

// DeviceMesh defines the logical topology of the workers of a run: each worker (one per accelerator core) is
// a point in a multidimensional grid with named axes.
//
// The usual world mesh (see NewWorldMesh) has two axes: "host" (one entry per node) and "core" (one entry per
// process on a node). Global ranks are the row-major flat indices of the mesh.
type DeviceMesh struct {
	name       string
	axesNames  []string
	axesSizes  []int
	nameToAxis map[string]int
	numDevices int
}

const (
	// DefaultMeshName is the name given to new meshes.
	DefaultMeshName = "world"

	// HostAxis is the world mesh axis enumerating nodes.
	HostAxis = "host"

	// CoreAxis is the world mesh axis enumerating the processes (accelerator cores) of a node.
	CoreAxis = "core"
)

// IsNameValid checks whether a name is a valid identifier for a mesh name or axis name.
func IsNameValid(name string) bool {
	if name == "" {
		return false
	}
	if name[0] >= '0' && name[0] <= '9' {
		return false
	}
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			continue
		}
		return false
	}
	return true
}

// NewDeviceMesh creates a new logical topology of workers.
//
//   - axesSizes: number of workers along each mesh axis, one value per axis. Each must be >= 1.
//   - axesNames: the names of the mesh axes, one per axis. They must be valid identifiers (see IsNameValid).
func NewDeviceMesh(axesSizes []int, axesNames []string) (*DeviceMesh, error) {
	if len(axesSizes) != len(axesNames) {
		return nil, errors.Errorf("axesSizes and axesNames must have the same length, got %d and %d",
			len(axesSizes), len(axesNames))
	}
	if len(axesSizes) == 0 {
		return nil, errors.New("DeviceMesh axesSizes cannot be empty")
	}
	numDevices := 1
	nameToAxis := make(map[string]int, len(axesSizes))
	for i, name := range axesNames {
		if !IsNameValid(name) {
			return nil, errors.Errorf(
				"DeviceMesh axis name %q at index %d is not a valid identifier, it must start with a ASCII letter "+
					"and be followed only by letters, numbers or underscore", name, i)
		}
		if _, found := nameToAxis[name]; found {
			return nil, errors.Errorf("DeviceMesh axis name %q is duplicated", name)
		}
		if axesSizes[i] < 1 {
			return nil, errors.Errorf("DeviceMesh axis %q must have size >= 1, got %d", name, axesSizes[i])
		}
		nameToAxis[name] = i
		numDevices *= axesSizes[i]
	}
	return &DeviceMesh{
		name:       DefaultMeshName,
		axesNames:  slices.Clone(axesNames),
		axesSizes:  slices.Clone(axesSizes),
		nameToAxis: nameToAxis,
		numDevices: numDevices,
	}, nil
}

// NewWorldMesh returns the mesh {"host": numNodes, "core": numProcesses}.
func NewWorldMesh(numNodes, numProcesses int) (*DeviceMesh, error) {
	return NewDeviceMesh([]int{numNodes, numProcesses}, []string{HostAxis, CoreAxis})
}

// SetName of the mesh.
func (m *DeviceMesh) SetName(name string) {
	m.name = name
}

// Name returns the mesh name.
func (m *DeviceMesh) Name() string {
	return m.name
}

// NumDevices returns the total number of workers in the mesh, the world size for a world mesh.
func (m *DeviceMesh) NumDevices() int {
	return m.numDevices
}

// Rank returns the number of axes in the mesh.
func (m *DeviceMesh) Rank() int {
	return len(m.axesSizes)
}

// AxesNames returns a copy of the mesh's axis names.
func (m *DeviceMesh) AxesNames() []string {
	return slices.Clone(m.axesNames)
}

// AxesSizes returns a copy of the mesh's axesSizes.
func (m *DeviceMesh) AxesSizes() []int {
	return slices.Clone(m.axesSizes)
}

// AxisSize returns the number of workers along the given mesh axis.
func (m *DeviceMesh) AxisSize(axisName string) (int, error) {
	idx, found := m.nameToAxis[axisName]
	if !found {
		return 0, errors.Errorf("mesh axis %q not found", axisName)
	}
	return m.axesSizes[idx], nil
}

// Coordinates returns the per-axis indices of the worker with the given flat (global) rank.
func (m *DeviceMesh) Coordinates(rank int) ([]int, error) {
	if rank < 0 || rank >= m.numDevices {
		return nil, errors.Errorf("rank %d out of range for %s", rank, m)
	}
	coords := make([]int, len(m.axesSizes))
	for i := len(m.axesSizes) - 1; i >= 0; i-- {
		coords[i] = rank % m.axesSizes[i]
		rank /= m.axesSizes[i]
	}
	return coords, nil
}

// FlatIndex is the inverse of Coordinates.
func (m *DeviceMesh) FlatIndex(coords ...int) (int, error) {
	if len(coords) != len(m.axesSizes) {
		return 0, errors.Errorf("%d coordinates given for %s", len(coords), m)
	}
	flat := 0
	for i, c := range coords {
		if c < 0 || c >= m.axesSizes[i] {
			return 0, errors.Errorf("coordinate %d out of range for axis %q of %s", c, m.axesNames[i], m)
		}
		flat = flat*m.axesSizes[i] + c
	}
	return flat, nil
}

// String implements the fmt.Stringer interface.
func (m *DeviceMesh) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "DeviceMesh(%s, axesSizes={", m.name)
	for i, name := range m.axesNames {
		if i > 0 {
			sb.WriteString(", ")
		}
		_, _ = fmt.Fprintf(&sb, "%s: %d", name, m.axesSizes[i])
	}
	sb.WriteString("})")
	return sb.String()
}

// ComputeReplicaGroups returns the groups of ranks participating together in a collective operation performed
// along the given axes. The other axes split the ranks into different groups.
//
// Example:
//
//	m, _ := NewDeviceMesh([]int{2, 2}, []string{"batch", "data"})
//	m.ComputeReplicaGroups([]string{"batch"})          // -> [][]int{{0, 2}, {1, 3}}
//	m.ComputeReplicaGroups([]string{"data"})           // -> [][]int{{0, 1}, {2, 3}}
//	m.ComputeReplicaGroups([]string{"batch", "data"})  // -> [][]int{{0, 1, 2, 3}}
func (m *DeviceMesh) ComputeReplicaGroups(axes []string) ([][]int, error) {
	axisIndices := make([]int, 0, len(axes))
	seen := sets.Make[int](len(axes))
	for _, axis := range axes {
		idx, found := m.nameToAxis[axis]
		if !found {
			return nil, errors.Errorf("axis %q not found in mesh", axis)
		}
		if seen.Has(idx) {
			return nil, errors.Errorf("axis %q is duplicated: each axis can only appear once", axis)
		}
		axisIndices = append(axisIndices, idx)
		seen.Insert(idx)
	}
	var otherIndices []int
	for i := range m.axesSizes {
		if !seen.Has(i) {
			otherIndices = append(otherIndices, i)
		}
	}

	groupSize := 1
	for _, idx := range axisIndices {
		groupSize *= m.axesSizes[idx]
	}
	groups := make([][]int, m.numDevices/groupSize)
	for i := range groups {
		groups[i] = make([]int, groupSize)
	}
	// flattenAlong computes the row-major index of coords restricted to the given axes.
	flattenAlong := func(coords, along []int) int {
		idx := 0
		for _, axis := range along {
			idx = idx*m.axesSizes[axis] + coords[axis]
		}
		return idx
	}
	for rank := range m.numDevices {
		coords, _ := m.Coordinates(rank)
		groups[flattenAlong(coords, otherIndices)][flattenAlong(coords, axisIndices)] = rank
	}
	return groups, nil
}

// ReplicaGroupOf returns the group containing rank for a collective along the given axes.
// E.g. in a world mesh, ReplicaGroupOf(rank, CoreAxis) are the processes co-located with rank.
func (m *DeviceMesh) ReplicaGroupOf(rank int, axes ...string) ([]int, error) {
	groups, err := m.ComputeReplicaGroups(axes)
	if err != nil {
		return nil, err
	}
	for _, group := range groups {
		if slices.Contains(group, rank) {
			return group, nil
		}
	}
	return nil, errors.Errorf("rank %d out of range for %s", rank, m)
}
