package iscsi

import (
	"crypto/md5"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestCHAPConformance is property #9: for identifier=0x23, password="secret",
// challenge=0xAABBCC, CHAP_R must equal 0x + MD5(0x23 || "secret" || 0xAABBCC)
// in lowercase hex.
func TestCHAPConformance(t *testing.T) {
	challenge := []byte{0xAA, 0xBB, 0xCC}
	expectedInput := append([]byte{0x23}, append([]byte("secret"), challenge...)...)
	want := md5.Sum(expectedInput)

	got := chapResponse(0x23, "secret", challenge)
	require.Equal(t, want, got)
}

func TestCHAPResponseVariesWithChallenge(t *testing.T) {
	a := chapResponse(1, "secret", []byte{0x01})
	b := chapResponse(1, "secret", []byte{0x02})
	require.NotEqual(t, a, b)
}

func TestParseCHAPHexAcceptsOddLength(t *testing.T) {
	b, err := parseCHAPHex("0xabc")
	require.NoError(t, err)
	require.Equal(t, []byte{0x0a, 0xbc}, b)
}

func TestParseCHAPByteAcceptsHexAndDecimal(t *testing.T) {
	b, err := parseCHAPByte("0x2a")
	require.NoError(t, err)
	require.EqualValues(t, 0x2a, b)

	b2, err := parseCHAPByte("66")
	require.NoError(t, err)
	require.EqualValues(t, 66, b2)

	b3, err := parseCHAPByte("0x42")
	require.NoError(t, err)
	require.EqualValues(t, 0x42, b3)
}
