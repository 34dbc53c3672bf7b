package acct

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPartition(t *testing.T) {
	assert.Equal(t, int64(0), Partition(999, 1000))
	assert.Equal(t, int64(1), Partition(1000, 1000))
	assert.Equal(t, int64(12), Partition(12345, 1000))
}

func TestPartition_DefaultsHashSize(t *testing.T) {
	assert.Equal(t, Partition(2500, 1000), Partition(2500, 0))
	assert.Equal(t, Partition(2500, 1000), Partition(2500, -5))
}
