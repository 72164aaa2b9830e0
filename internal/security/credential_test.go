package security

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCipherRoundTrip(t *testing.T) {
	c, err := NewCipher("correct horse battery staple")
	require.NoError(t, err)
	assert.True(t, c.Enabled())

	sealed, err := c.Seal("Ab3!xY9@qw8#ER7$")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sealed, "sb1:"))
	assert.NotContains(t, sealed, "Ab3!xY9@")

	again, err := c.Seal("Ab3!xY9@qw8#ER7$")
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "每次加密使用新的 nonce")

	plain, err := c.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "Ab3!xY9@qw8#ER7$", plain)
}

func TestCipherPassthrough(t *testing.T) {
	c, err := NewCipher("")
	require.NoError(t, err)
	assert.False(t, c.Enabled())

	sealed, err := c.Seal("plain")
	require.NoError(t, err)
	assert.Equal(t, "plain", sealed)

	plain, err := c.Open("legacy-plaintext")
	require.NoError(t, err)
	assert.Equal(t, "legacy-plaintext", plain)
}

func TestCipherOpenErrors(t *testing.T) {
	keyed, err := NewCipher("k1")
	require.NoError(t, err)
	sealed, err := keyed.Seal("secret")
	require.NoError(t, err)

	unkeyed, _ := NewCipher("")
	_, err = unkeyed.Open(sealed)
	assert.ErrorIs(t, err, ErrCredentialKeyMissing)

	other, _ := NewCipher("k2")
	_, err = other.Open(sealed)
	assert.ErrorIs(t, err, ErrCredentialCorrupt)

	_, err = keyed.Open("sb1:not-base64!!")
	assert.ErrorIs(t, err, ErrCredentialCorrupt)

	_, err = keyed.Open("sb1:AAAA")
	assert.ErrorIs(t, err, ErrCredentialCorrupt)
}

func TestContentFilter(t *testing.T) {
	cf := NewContentFilter()

	assert.NoError(t, cf.Check("Your code", "Your code: 123456", "<p>Your code: <b>123456</b></p>"))

	err := cf.Check("hi", "", `<img src=x onerror=alert(1)>`)
	assert.ErrorIs(t, err, ErrContentRejected)

	err = cf.Check("Congratulations winner", "click here to claim your lottery prize", "")
	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Contains(t, rejected.Reason, "spam")
}
