// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package devices

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	d, err := Parse("xla:3")
	require.NoError(t, err)
	assert.Equal(t, Device{Kind: "xla", Index: 3}, d)
	assert.Equal(t, "xla:3", d.String())

	d, err = Parse("cpu")
	require.NoError(t, err)
	assert.Equal(t, Host, d)

	for _, bad := range []string{"", ":1", "xla:-1", "xla:x"} {
		_, err = Parse(bad)
		assert.Error(t, err, "Parse(%q)", bad)
	}
	assert.False(t, Device{}.Ok())
	assert.Equal(t, "<invalid device>", Device{}.String())
}
