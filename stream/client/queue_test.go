package client

import (
	"github.com/stretchr/testify/assert"
	"testing"
)

func TestQueue(t *testing.T) {
	tests := []struct {
		name   string
		pushes [][]int
		signal bool
	}{
		{"Empty", nil, false},
		{"Single", [][]int{{1}}, true},
		{"Many", [][]int{{1, 2}, {3}, {4, 5, 6}}, true},
		{"NothingPushed", [][]int{{}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := newQueue[int]()
			var expected []int
			for _, items := range tt.pushes {
				// push never blocks, however often it is called
				q.push(items...)
				expected = append(expected, items...)
			}

			select {
			case <-q.ready():
				assert.True(t, tt.signal)
			default:
				assert.False(t, tt.signal)
			}
			assert.Equal(t, expected, q.drain())
			assert.Empty(t, q.drain())
		})
	}
}
