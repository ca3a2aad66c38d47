package feed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

// TestNewPaginationInfo_ComputesInvariant tests the pagination arithmetic
func TestNewPaginationInfo_ComputesInvariant(t *testing.T) {
	tests := []struct {
		name       string
		page       int
		perPage    int
		totalItems int
		wantPages  int
		wantNext   bool
		wantPrev   bool
	}{
		{name: "EmptyResult_OnePage", page: 1, perPage: 50, totalItems: 0, wantPages: 1, wantNext: false, wantPrev: false},
		{name: "ExactFit", page: 1, perPage: 50, totalItems: 100, wantPages: 2, wantNext: true, wantPrev: false},
		{name: "PartialLastPage", page: 3, perPage: 50, totalItems: 101, wantPages: 3, wantNext: false, wantPrev: true},
		{name: "MiddlePage", page: 2, perPage: 10, totalItems: 35, wantPages: 4, wantNext: true, wantPrev: true},
		{name: "SingleItem", page: 1, perPage: 50, totalItems: 1, wantPages: 1, wantNext: false, wantPrev: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := NewPaginationInfo(tt.page, tt.perPage, tt.totalItems)

			assert.Equal(t, tt.wantPages, info.TotalPages)
			assert.Equal(t, tt.wantNext, info.HasNext)
			assert.Equal(t, tt.wantPrev, info.HasPrev)
			assert.Equal(t, tt.totalItems, info.TotalItems)
		})
	}
}

// TestNewPaginationInfo_Property verifies the invariant
// totalPages = max(1, ceil(totalItems/perPage)) and the derived flags for
// arbitrary inputs.
func TestNewPaginationInfo_Property(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		page := rapid.IntRange(1, 500).Draw(t, "page")
		perPage := rapid.IntRange(1, 200).Draw(t, "perPage")
		totalItems := rapid.IntRange(0, 10000).Draw(t, "totalItems")

		info := NewPaginationInfo(page, perPage, totalItems)

		wantPages := (totalItems + perPage - 1) / perPage
		if wantPages < 1 {
			wantPages = 1
		}
		if info.TotalPages != wantPages {
			t.Fatalf("totalPages = %d, want %d", info.TotalPages, wantPages)
		}
		if info.HasNext != (page < wantPages) {
			t.Fatalf("hasNext = %v for page %d of %d", info.HasNext, page, wantPages)
		}
		if info.HasPrev != (page > 1) {
			t.Fatalf("hasPrev = %v for page %d", info.HasPrev, page)
		}
	})
}
