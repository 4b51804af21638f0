// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package memory

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/ondevice/pkg/core/shapes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvertLayout(t *testing.T) {
	// N=1, H=1, W=2, C=3.
	shape := shapes.Make(dtypes.Int32, 1, 1, 2, 3)
	nhwc := []int32{0, 1, 2, 10, 11, 12}
	nchw := make([]int32, 6)
	require.NoError(t, ConvertLayout(AsBytes(nchw), LayoutNCHW, AsBytes(nhwc), LayoutNHWC, shape))
	assert.Equal(t, []int32{0, 10, 1, 11, 2, 12}, nchw)

	back := make([]int32, 6)
	require.NoError(t, ConvertLayout(AsBytes(back), LayoutNHWC, AsBytes(nchw), LayoutNCHW, shape))
	assert.Equal(t, nhwc, back)

	// Other ranks are not affected.
	vector := make([]int32, 6)
	require.NoError(t, ConvertLayout(AsBytes(vector), LayoutNCHW, AsBytes(nhwc), LayoutNHWC, shapes.Make(dtypes.Int32, 6)))
	assert.Equal(t, nhwc, vector)

	require.Error(t, ConvertLayout(AsBytes(vector[:2]), LayoutNCHW, AsBytes(nhwc), LayoutNHWC, shape))
}
