// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/strategies/pkg/core/distributed"
)

func TestDeviceMesh(t *testing.T) {
	t.Run("NewDeviceMesh_Valid", func(t *testing.T) {
		tests := []struct {
			name      string
			shape     []int
			axisNames []string
			wantRank  int
			wantNum   int
		}{
			{name: "1D mesh", shape: []int{8}, axisNames: []string{"replica"}, wantRank: 1, wantNum: 8},
			{name: "2D mesh", shape: []int{2, 4}, axisNames: []string{"x", "y"}, wantRank: 2, wantNum: 8},
			{name: "3D mesh", shape: []int{2, 2, 2}, axisNames: []string{"x", "y", "z"}, wantRank: 3, wantNum: 8},
			{name: "single device", shape: []int{1}, axisNames: []string{"replica"}, wantRank: 1, wantNum: 1},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				mesh, err := distributed.NewDeviceMesh(tt.shape, tt.axisNames)
				require.NoError(t, err)
				assert.Equal(t, tt.wantRank, mesh.Rank())
				assert.Equal(t, tt.wantNum, mesh.NumDevices())
			})
		}
	})

	t.Run("NewDeviceMesh_Errors", func(t *testing.T) {
		tests := []struct {
			name      string
			shape     []int
			axisNames []string
			wantErr   string
		}{
			{"mismatched lengths", []int{2, 4}, []string{"x"}, "must have the same length"},
			{"empty shape", []int{}, []string{}, "axesSizes cannot be empty"},
			{"empty axis name", []int{4}, []string{""}, "is not a valid identifier"},
			{"invalid axis name", []int{4}, []string{"1x"}, "is not a valid identifier"},
			{"duplicate axis names", []int{2, 4}, []string{"x", "x"}, "axis name \"x\" is duplicated"},
			{"zero sized axis", []int{2, 0}, []string{"x", "y"}, "must have size >= 1"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				mesh, err := distributed.NewDeviceMesh(tt.shape, tt.axisNames)
				require.Error(t, err)
				assert.Nil(t, mesh)
				assert.Contains(t, err.Error(), tt.wantErr)
			})
		}
	})

	t.Run("Accessors", func(t *testing.T) {
		mesh, err := distributed.NewDeviceMesh([]int{2, 4}, []string{"x", "y"})
		require.NoError(t, err)

		names := mesh.AxesNames()
		names[0] = "modified"
		assert.Equal(t, []string{"x", "y"}, mesh.AxesNames())

		sizes := mesh.AxesSizes()
		sizes[0] = 99
		assert.Equal(t, []int{2, 4}, mesh.AxesSizes())

		size, err := mesh.AxisSize("y")
		require.NoError(t, err)
		assert.Equal(t, 4, size)
		_, err = mesh.AxisSize("z")
		require.ErrorContains(t, err, "not found")

		assert.Equal(t, "DeviceMesh(world, axesSizes={x: 2, y: 4})", mesh.String())
		mesh.SetName("grid")
		assert.Equal(t, "grid", mesh.Name())
	})

	t.Run("Coordinates", func(t *testing.T) {
		mesh, err := distributed.NewDeviceMesh([]int{2, 2, 2}, []string{"x", "y", "z"})
		require.NoError(t, err)
		want := [][]int{{0, 0, 0}, {0, 0, 1}, {0, 1, 0}, {0, 1, 1}, {1, 0, 0}, {1, 0, 1}, {1, 1, 0}, {1, 1, 1}}
		for rank, coords := range want {
			got, err := mesh.Coordinates(rank)
			require.NoError(t, err)
			assert.Equal(t, coords, got)
			flat, err := mesh.FlatIndex(coords...)
			require.NoError(t, err)
			assert.Equal(t, rank, flat)
		}
		_, err = mesh.Coordinates(8)
		require.Error(t, err)
		_, err = mesh.FlatIndex(0, 2, 0)
		require.Error(t, err)
		_, err = mesh.FlatIndex(0, 0)
		require.Error(t, err)
	})
}

func TestComputeReplicaGroups(t *testing.T) {
	t.Run("2D mesh", func(t *testing.T) {
		mesh, err := distributed.NewDeviceMesh([]int{2, 2}, []string{"batch", "data"})
		require.NoError(t, err)

		groups, err := mesh.ComputeReplicaGroups([]string{"batch"})
		require.NoError(t, err)
		assert.Equal(t, [][]int{{0, 2}, {1, 3}}, groups)

		groups, err = mesh.ComputeReplicaGroups([]string{"data"})
		require.NoError(t, err)
		assert.Equal(t, [][]int{{0, 1}, {2, 3}}, groups)

		groups, err = mesh.ComputeReplicaGroups([]string{"batch", "data"})
		require.NoError(t, err)
		assert.Equal(t, [][]int{{0, 1, 2, 3}}, groups)

		groups, err = mesh.ComputeReplicaGroups([]string{})
		require.NoError(t, err)
		assert.Equal(t, [][]int{{0}, {1}, {2}, {3}}, groups)
	})

	t.Run("errors", func(t *testing.T) {
		mesh, err := distributed.NewDeviceMesh([]int{2, 2}, []string{"batch", "data"})
		require.NoError(t, err)
		_, err = mesh.ComputeReplicaGroups([]string{"model"})
		require.ErrorContains(t, err, "not found")
		_, err = mesh.ComputeReplicaGroups([]string{"data", "data"})
		require.ErrorContains(t, err, "duplicated")
	})

	t.Run("world mesh", func(t *testing.T) {
		mesh, err := distributed.NewWorldMesh(2, 4)
		require.NoError(t, err)
		assert.Equal(t, 8, mesh.NumDevices())

		// Processes co-located on node 1.
		group, err := mesh.ReplicaGroupOf(5, distributed.CoreAxis)
		require.NoError(t, err)
		assert.Equal(t, []int{4, 5, 6, 7}, group)

		// Same local rank across nodes.
		group, err = mesh.ReplicaGroupOf(5, distributed.HostAxis)
		require.NoError(t, err)
		assert.Equal(t, []int{1, 5}, group)
	})
}
