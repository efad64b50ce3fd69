package idgen

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_IsUUID(t *testing.T) {
	_, err := uuid.Parse(New())
	require.NoError(t, err)
}

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("pay_")
	assert.True(t, strings.HasPrefix(id, "pay_"))
	assert.Len(t, id, len("pay_")+32)
	assert.NotContains(t, id, "-")
	assert.NotEqual(t, id, WithPrefix("pay_"))
}

func TestDigits(t *testing.T) {
	d := Digits(11)
	assert.Len(t, d, 11)
	for _, r := range d {
		assert.True(t, r >= '0' && r <= '9', "unexpected rune %q", r)
	}
}

func TestHex(t *testing.T) {
	assert.Len(t, Hex(8), 16)
}
