// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package memory

import (
	"github.com/gomlx/ondevice/pkg/core/shapes"
	"github.com/pkg/errors"
)

// ConvertLayout copies src, stored with srcLayout, into dst, stored with dstLayout.
//
// The shape is the logical one, with dimensions ordered as NHWC for rank-4 tensors. Only rank-4
// tensors are affected by the layout, others are copied as is.
func ConvertLayout(dst []byte, dstLayout Layout, src []byte, srcLayout Layout, shape shapes.Shape) error {
	if len(dst) != len(src) || len(src) != shape.Memory() {
		return errors.Errorf("ConvertLayout(%s): source has %d bytes and destination %d, %d expected",
			shape, len(src), len(dst), shape.Memory())
	}
	if shape.Rank() != 4 || srcLayout == dstLayout {
		copy(dst, src)
		return nil
	}
	elementSize := int(shape.DType.Size())
	n, h, w, c := shape.Dimensions[0], shape.Dimensions[1], shape.Dimensions[2], shape.Dimensions[3]
	// nhwcPos and nchwPos are element positions of (in, ih, iw, ic) in each layout.
	nhwcPos := func(in, ih, iw, ic int) int { return ((in*h+ih)*w+iw)*c + ic }
	nchwPos := func(in, ih, iw, ic int) int { return ((in*c+ic)*h+ih)*w + iw }
	for in := range n {
		for ih := range h {
			for iw := range w {
				for ic := range c {
					var from, to int
					if srcLayout == LayoutNHWC {
						from, to = nhwcPos(in, ih, iw, ic), nchwPos(in, ih, iw, ic)
					} else {
						from, to = nchwPos(in, ih, iw, ic), nhwcPos(in, ih, iw, ic)
					}
					copy(dst[to*elementSize:(to+1)*elementSize], src[from*elementSize:(from+1)*elementSize])
				}
			}
		}
	}
	return nil
}
