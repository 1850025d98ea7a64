package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBoundingBox_IoU(t *testing.T) {
	a := BoundingBox{X: 0, Y: 0, Width: 10, Height: 10}

	tests := []struct {
		name string
		b    BoundingBox
		want float64
	}{
		{"identical", BoundingBox{X: 0, Y: 0, Width: 10, Height: 10}, 1},
		{"disjoint", BoundingBox{X: 20, Y: 20, Width: 5, Height: 5}, 0},
		{"touching edge", BoundingBox{X: 10, Y: 0, Width: 10, Height: 10}, 0},
		{"half overlap", BoundingBox{X: 5, Y: 0, Width: 10, Height: 10}, 50.0 / 150.0},
		{"contained quarter", BoundingBox{X: 0, Y: 0, Width: 5, Height: 5}, 0.25},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, a.IoU(tt.b), 1e-9)
			assert.InDelta(t, tt.want, tt.b.IoU(a), 1e-9, "IoU is symmetric")
		})
	}
}

func TestBoundingBox_Area(t *testing.T) {
	assert.Equal(t, 50.0, BoundingBox{Width: 10, Height: 5}.Area())
	assert.Equal(t, 0.0, BoundingBox{Width: -1, Height: 5}.Area(), "degenerate box has zero area")
	assert.Equal(t, 0.0, BoundingBox{}.Area())
}
