package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashAndCheckPassword(t *testing.T) {
	hash, err := HashPassword("483920")
	require.NoError(t, err)

	assert.True(t, CheckPassword("483920", hash))
	assert.False(t, CheckPassword("000000", hash))
	assert.False(t, CheckPassword("483920", ""))
}
