// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package memory

import (
	"cmp"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/ondevice/ir"
)

// Claim is the request for Size bytes alive from instruction First to Last, inclusive.
type Claim struct {
	Operand     ir.OperandIndex
	Size        int
	Alignment   int
	First, Last ir.InstrIndex
}

// Overlaps returns whether both claims are alive at some common instruction.
func (c Claim) Overlaps(other Claim) bool {
	return !c.Last.Less(other.First) && !other.Last.Less(c.First)
}

// StaticPlan is the result of LivenessPlanner.Plan: where each static tensor lives in one arena.
type StaticPlan struct {
	Offsets      map[ir.OperandIndex]int
	Claims       map[ir.OperandIndex]Claim
	TotalSize    int
	MaxAlignment int
}

// LivenessPlanner assigns arena offsets to static tensors so that tensors alive at the same
// time never share bytes, while tensors with disjoint lifetimes may.
type LivenessPlanner struct {
	claims map[ir.OperandIndex]Claim
}

// NewLivenessPlanner creates an empty planner.
func NewLivenessPlanner() *LivenessPlanner {
	return &LivenessPlanner{claims: make(map[ir.OperandIndex]Claim)}
}

// Claim registers the lifetime of operand. Claiming an operand twice widens its interval to cover both.
func (p *LivenessPlanner) Claim(operand ir.OperandIndex, size, alignment int, first, last ir.InstrIndex) {
	if size < 0 || !first.Valid() || !last.Valid() || last.Less(first) {
		exceptions.Panicf("LivenessPlanner.Claim(%s): invalid size %d or interval [%s, %s]", operand, size, first, last)
	}
	if alignment < DefaultAlignment {
		alignment = DefaultAlignment
	}
	if previous, found := p.claims[operand]; found {
		size = max(size, previous.Size)
		alignment = max(alignment, previous.Alignment)
		if previous.First.Less(first) {
			first = previous.First
		}
		if last.Less(previous.Last) {
			last = previous.Last
		}
	}
	p.claims[operand] = Claim{Operand: operand, Size: size, Alignment: alignment, First: first, Last: last}
}

// Plan computes the offsets with a greedy first-fit: claims are placed by decreasing size, each
// at the lowest aligned offset that doesn't collide with an already placed claim whose interval
// overlaps.
func (p *LivenessPlanner) Plan() *StaticPlan {
	plan := &StaticPlan{
		Offsets:      make(map[ir.OperandIndex]int, len(p.claims)),
		Claims:       make(map[ir.OperandIndex]Claim, len(p.claims)),
		MaxAlignment: DefaultAlignment,
	}
	pending := make([]Claim, 0, len(p.claims))
	for _, claim := range p.claims {
		pending = append(pending, claim)
	}
	slices.SortFunc(pending, func(a, b Claim) int {
		if c := cmp.Compare(b.Size, a.Size); c != 0 {
			return c
		}
		if c := cmp.Compare(a.First, b.First); c != 0 {
			return c
		}
		return cmp.Compare(a.Operand, b.Operand)
	})

	type placement struct {
		claim      Claim
		start, end int
	}
	var placed []placement
	for _, claim := range pending {
		// Collisions sorted by start offset, so one forward pass finds the first gap.
		var collisions []placement
		for _, other := range placed {
			if claim.Overlaps(other.claim) && other.end > other.start {
				collisions = append(collisions, other)
			}
		}
		slices.SortFunc(collisions, func(a, b placement) int { return cmp.Compare(a.start, b.start) })
		offset := 0
		for _, other := range collisions {
			if offset+claim.Size <= other.start {
				break
			}
			offset = max(offset, alignUp(other.end, claim.Alignment))
		}
		offset = alignUp(offset, claim.Alignment)
		placed = append(placed, placement{claim: claim, start: offset, end: offset + claim.Size})
		plan.Offsets[claim.Operand] = offset
		plan.Claims[claim.Operand] = claim
		plan.TotalSize = max(plan.TotalSize, offset+claim.Size)
		plan.MaxAlignment = max(plan.MaxAlignment, claim.Alignment)
	}
	return plan
}
