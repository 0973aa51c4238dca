package randx

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHexLength(t *testing.T) {
	s := Hex(10)
	assert.Len(t, s, 10)
}

func TestHexUnique(t *testing.T) {
	a := Hex(10)
	b := Hex(10)
	assert.NotEqual(t, a, b)
}

func TestSecretLength(t *testing.T) {
	assert.Len(t, Secret(), 10)
}

func TestScratchNameUnique(t *testing.T) {
	a := ScratchName()
	b := ScratchName()
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 8)
}
