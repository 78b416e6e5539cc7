package idgen

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestULIDMonotonic(t *testing.T) {
	at := time.Now()
	prev := NewULID(at)
	for i := 0; i < 100; i++ {
		next := NewULID(at)
		assert.Len(t, next, 26)
		assert.Greater(t, next, prev)
		prev = next
	}
}
