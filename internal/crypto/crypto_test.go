package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scatterfs/scatterfs/internal/model"
)

// Low-cost parameters so the KDF does not dominate test time.
var testParams = Params{MemoryKiB: 1024, Iterations: 1, Parallelism: 1}

func testEngine(t *testing.T, password string) *Engine {
	t.Helper()
	salt := make([]byte, SaltSize)
	for i := range salt {
		salt[i] = byte(i)
	}
	e, err := NewEngine([]byte(password), salt, testParams)
	require.NoError(t, err)
	return e
}

func TestKDFIsDeterministic(t *testing.T) {
	e1 := testEngine(t, "hunter2")
	e2 := testEngine(t, "hunter2")
	assert.Equal(t, e1.MetadataKey(), e2.MetadataKey())

	e3 := testEngine(t, "other-password")
	assert.NotEqual(t, e1.MetadataKey(), e3.MetadataKey())
}

func TestKDFSaltChangesKeys(t *testing.T) {
	saltA, err := GenerateSalt()
	require.NoError(t, err)
	saltB, err := GenerateSalt()
	require.NoError(t, err)
	require.NotEqual(t, saltA, saltB)

	e1, err := NewEngine([]byte("pw"), saltA, testParams)
	require.NoError(t, err)
	e2, err := NewEngine([]byte("pw"), saltB, testParams)
	require.NoError(t, err)
	assert.NotEqual(t, e1.MetadataKey(), e2.MetadataKey())
}

func TestNewEngineRejectsBadInput(t *testing.T) {
	_, err := NewEngine([]byte("pw"), []byte("short"), testParams)
	require.Error(t, err)

	salt := make([]byte, SaltSize)
	_, err = NewEngine([]byte("pw"), salt, Params{})
	require.Error(t, err)
}

func TestSealIsConvergent(t *testing.T) {
	e := testEngine(t, "pw")
	plaintext := []byte("the same chunk content, sealed twice")
	hash := model.HashBytes(plaintext)

	c1, err := e.SealChunk(hash, plaintext)
	require.NoError(t, err)
	c2, err := e.SealChunk(hash, plaintext)
	require.NoError(t, err)

	// Deterministic key and nonce: identical plaintext yields identical
	// ciphertext, which is what makes ciphertext-level dedup work.
	assert.Equal(t, c1, c2)
	assert.Len(t, c1, len(plaintext)+Overhead)
}

func TestSealRoundTrip(t *testing.T) {
	e := testEngine(t, "pw")
	plaintext := []byte("round trip payload")
	hash := model.HashBytes(plaintext)

	ciphertext, err := e.SealChunk(hash, plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ciphertext[:len(plaintext)])

	out, err := e.OpenChunk(hash, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, out)
}

func TestOpenDetectsTampering(t *testing.T) {
	e := testEngine(t, "pw")
	plaintext := []byte("tamper detection payload")
	hash := model.HashBytes(plaintext)

	ciphertext, err := e.SealChunk(hash, plaintext)
	require.NoError(t, err)

	ciphertext[3] ^= 0x01
	_, err = e.OpenChunk(hash, ciphertext)
	require.ErrorIs(t, err, ErrAuthenticationFailure)
}

func TestOpenBindsContentHash(t *testing.T) {
	e := testEngine(t, "pw")
	p1 := []byte("first chunk")
	p2 := []byte("second chunk")
	h1 := model.HashBytes(p1)
	h2 := model.HashBytes(p2)

	c1, err := e.SealChunk(h1, p1)
	require.NoError(t, err)

	// A ciphertext presented under the wrong hash must not open: the hash
	// selects the key and nonce and is bound as AAD.
	_, err = e.OpenChunk(h2, c1)
	require.ErrorIs(t, err, ErrAuthenticationFailure)
}

func TestDifferentMasterKeysDifferentCiphertext(t *testing.T) {
	e1 := testEngine(t, "pw-one")
	e2 := testEngine(t, "pw-two")
	plaintext := []byte("content shared across vaults")
	hash := model.HashBytes(plaintext)

	c1, err := e1.SealChunk(hash, plaintext)
	require.NoError(t, err)
	c2, err := e2.SealChunk(hash, plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, c1, c2)

	_, err = e2.OpenChunk(hash, c1)
	require.ErrorIs(t, err, ErrAuthenticationFailure)
}
