package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/finance-sync/internal/domain"
)

func testKey(b byte) *[32]byte {
	var k [32]byte
	for i := range k {
		k[i] = b
	}
	return &k
}

func TestSealerRoundTrip(t *testing.T) {
	s, err := NewSealer(testKey(1))
	require.NoError(t, err)

	box, err := s.Seal("access-sandbox-123")
	require.NoError(t, err)
	assert.NotContains(t, string(box), "access-sandbox-123")

	again, err := s.Seal("access-sandbox-123")
	require.NoError(t, err)
	assert.NotEqual(t, box, again, "nonce must differ per seal")

	got, err := s.Open(box)
	require.NoError(t, err)
	assert.Equal(t, domain.Secret("access-sandbox-123"), got)
}

func TestSealerRejectsWrongKeyAndShortInput(t *testing.T) {
	s, err := NewSealer(testKey(1))
	require.NoError(t, err)
	other, err := NewSealer(testKey(2))
	require.NoError(t, err)

	box, err := s.Seal("secret")
	require.NoError(t, err)

	_, err = other.Open(box)
	assert.Error(t, err)

	_, err = s.Open([]byte("short"))
	assert.Error(t, err)

	_, err = NewSealer(nil)
	assert.Error(t, err)
}
