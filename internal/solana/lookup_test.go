package solana

import (
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"
)

func TestParseLookupTable(t *testing.T) {
	first := solana.MustPublicKeyFromBase58("EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v")
	second := solana.MustPublicKeyFromBase58("So11111111111111111111111111111111111111112")

	data := make([]byte, lookupTableHeaderLen)
	data = append(data, first[:]...)
	data = append(data, second[:]...)

	addresses, err := parseLookupTable(data)
	require.NoError(t, err)
	require.Len(t, addresses, 2)
	require.Equal(t, first, addresses[0])
	require.Equal(t, second, addresses[1])
}

func TestParseLookupTableEmpty(t *testing.T) {
	addresses, err := parseLookupTable(make([]byte, lookupTableHeaderLen))
	require.NoError(t, err)
	require.Empty(t, addresses)
}

func TestParseLookupTableMalformed(t *testing.T) {
	_, err := parseLookupTable(make([]byte, lookupTableHeaderLen-1))
	require.Error(t, err)

	_, err = parseLookupTable(make([]byte, lookupTableHeaderLen+17))
	require.Error(t, err)
}
