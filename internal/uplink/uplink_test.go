package uplink

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffSequence(t *testing.T) {
	// 1, 1.5, 2.25, 3.375, 5.06, 7.59, 10, 10, ...
	expected := []time.Duration{
		1 * time.Second,
		1500 * time.Millisecond,
		2250 * time.Millisecond,
		3375 * time.Millisecond,
	}

	d := backoffInitial
	for i, want := range expected {
		assert.Equal(t, want, d, "step %d", i)
		d = nextBackoff(d)
	}
}

func TestBackoffCapsAtTen(t *testing.T) {
	d := backoffInitial
	for i := 0; i < 20; i++ {
		d = nextBackoff(d)
	}
	assert.Equal(t, backoffCap, d)
}
