package crypto

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCipher_StreamRoundTrip(t *testing.T) {
	c := NewCipher("secret")
	plain := []byte(strings.Repeat("hello world ", 100))

	enc, err := c.EncryptReader(bytes.NewReader(plain))
	require.NoError(t, err)
	sealed, err := io.ReadAll(enc)
	require.NoError(t, err)
	assert.Len(t, sealed, len(plain)+Overhead)
	assert.Equal(t, int64(len(sealed)), c.RemoteSize(int64(len(plain))))

	dec, err := c.DecryptReader(bytes.NewReader(sealed))
	require.NoError(t, err)
	got, err := io.ReadAll(dec)
	require.NoError(t, err)
	assert.Equal(t, plain, got)
}

func TestCipher_NilPassesThrough(t *testing.T) {
	var c *Cipher
	assert.False(t, c.Enabled())
	assert.Equal(t, int64(10), c.RemoteSize(10))

	r, err := c.EncryptReader(strings.NewReader("abc"))
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))
}

func TestCipher_NamesAreDeterministic(t *testing.T) {
	c := NewCipher("secret")
	a, err := c.SealName("report.pdf")
	require.NoError(t, err)
	b, err := c.SealName("report.pdf")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.NotContains(t, a, "/")

	plain, err := c.OpenName(a)
	require.NoError(t, err)
	assert.Equal(t, "report.pdf", plain)

	_, err = NewCipher("other").OpenName(a)
	assert.Error(t, err)
}

func TestCipher_DecryptShortInput(t *testing.T) {
	c := NewCipher("secret")
	_, err := c.DecryptReader(bytes.NewReader([]byte("short")))
	assert.Error(t, err)
}
