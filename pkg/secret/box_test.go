package secret

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpen(t *testing.T) {
	b := NewBox("secret")
	sealed, err := b.Seal("hunter2")
	require.NoError(t, err)
	assert.True(t, IsSealed(sealed))
	assert.NotContains(t, sealed, "hunter2")

	plain, err := b.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", plain)

	again, err := b.Seal(sealed)
	require.NoError(t, err)
	assert.Equal(t, sealed, again)
}

func TestOpenPlain(t *testing.T) {
	plain, err := NewBox("x").Open("not-sealed")
	require.NoError(t, err)
	assert.Equal(t, "not-sealed", plain)
}

func TestOpenWrongKey(t *testing.T) {
	sealed, err := NewBox("one").Seal("pw")
	require.NoError(t, err)
	_, err = NewBox("two").Open(sealed)
	assert.ErrorIs(t, err, ErrUnseal)

	_, err = NewBox("one").Open(EncryptedPrefix + "garbage")
	assert.ErrorIs(t, err, ErrUnseal)
}

func TestSealIsRandomized(t *testing.T) {
	b := NewBox("k")
	a, err := b.Seal("same")
	require.NoError(t, err)
	c, err := b.Seal("same")
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
	assert.True(t, strings.HasPrefix(a, EncryptedPrefix))
}
