// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package memory

import (
	"math/rand/v2"
	"testing"

	"github.com/gomlx/ondevice/ir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLivenessPlannerReuse(t *testing.T) {
	p := NewLivenessPlanner()
	a, b, c := ir.OperandIndexOf(0), ir.OperandIndexOf(1), ir.OperandIndexOf(2)
	p.Claim(a, 100, 0, ir.InstrIndexOf(0), ir.InstrIndexOf(1))
	p.Claim(b, 100, 0, ir.InstrIndexOf(1), ir.InstrIndexOf(2))
	p.Claim(c, 100, 0, ir.InstrIndexOf(2), ir.InstrIndexOf(3))
	plan := p.Plan()

	// a and c never live together, so they share bytes; b overlaps both.
	assert.Equal(t, plan.Offsets[a], plan.Offsets[c])
	assert.NotEqual(t, plan.Offsets[a], plan.Offsets[b])
	assert.Equal(t, 112+100, plan.TotalSize)
	for _, offset := range plan.Offsets {
		assert.Zero(t, offset%DefaultAlignment)
	}
}

func TestLivenessPlannerWidensClaims(t *testing.T) {
	p := NewLivenessPlanner()
	a := ir.OperandIndexOf(0)
	p.Claim(a, 10, 0, ir.InstrIndexOf(2), ir.InstrIndexOf(3))
	p.Claim(a, 20, 64, ir.InstrIndexOf(0), ir.InstrIndexOf(2))
	plan := p.Plan()
	claim := plan.Claims[a]
	assert.Equal(t, 20, claim.Size)
	assert.Equal(t, 64, claim.Alignment)
	assert.Equal(t, ir.InstrIndexOf(0), claim.First)
	assert.Equal(t, ir.InstrIndexOf(3), claim.Last)
	assert.Equal(t, 64, plan.MaxAlignment)

	require.Panics(t, func() { p.Claim(a, 1, 0, ir.InstrIndexOf(3), ir.InstrIndexOf(2)) })
	require.Panics(t, func() { p.Claim(a, 1, 0, ir.UndefinedInstr(), ir.InstrIndexOf(2)) })
}

// TestLivenessPlannerNoAliasing checks on random lifetimes that tensors alive at the same
// instruction never share a byte.
func TestLivenessPlannerNoAliasing(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 7))
	for trial := range 50 {
		p := NewLivenessPlanner()
		numClaims := 1 + rng.IntN(40)
		for ii := range numClaims {
			first := rng.IntN(20)
			last := first + rng.IntN(8)
			alignment := []int{0, 16, 32, 64}[rng.IntN(4)]
			p.Claim(ir.OperandIndexOf(ii), rng.IntN(500), alignment, ir.InstrIndexOf(first), ir.InstrIndexOf(last))
		}
		plan := p.Plan()
		require.Len(t, plan.Offsets, numClaims)
		for operand, claim := range plan.Claims {
			offset := plan.Offsets[operand]
			require.Zero(t, offset%claim.Alignment, "trial %d: misaligned %s", trial, operand)
			require.LessOrEqual(t, offset+claim.Size, plan.TotalSize)
			for other, otherClaim := range plan.Claims {
				if other == operand || !claim.Overlaps(otherClaim) || claim.Size == 0 || otherClaim.Size == 0 {
					continue
				}
				otherOffset := plan.Offsets[other]
				disjoint := offset+claim.Size <= otherOffset || otherOffset+otherClaim.Size <= offset
				require.True(t, disjoint, "trial %d: %s [%d, %d) and %s [%d, %d) alias while both alive",
					trial, operand, offset, offset+claim.Size, other, otherOffset, otherOffset+otherClaim.Size)
			}
		}
	}
}
