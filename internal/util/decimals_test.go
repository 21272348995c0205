package util

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestToBaseUnits(t *testing.T) {
	tests := []struct {
		name     string
		amount   string
		decimals int
		want     string
		wantErr  bool
	}{
		{name: "whole", amount: "10", decimals: 6, want: "10000000"},
		{name: "fractional", amount: "10.5", decimals: 6, want: "10500000"},
		{name: "truncates excess digits", amount: "1.1234567", decimals: 6, want: "1123456"},
		{name: "zero", amount: "0", decimals: 18, want: "0"},
		{name: "negative", amount: "-2.5", decimals: 2, want: "-250"},
		{name: "leading zeros", amount: "0.000001", decimals: 6, want: "1"},
		{name: "empty", amount: "", decimals: 6, wantErr: true},
		{name: "two dots", amount: "1.2.3", decimals: 6, wantErr: true},
		{name: "garbage", amount: "abc", decimals: 6, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ToBaseUnits(tt.amount, tt.decimals)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got.String())
		})
	}
}

func TestFromBaseUnits(t *testing.T) {
	tests := []struct {
		name     string
		amount   *big.Int
		decimals int
		want     string
	}{
		{name: "whole", amount: big.NewInt(10_000_000), decimals: 6, want: "10"},
		{name: "fractional", amount: big.NewInt(10_500_000), decimals: 6, want: "10.5"},
		{name: "sub one", amount: big.NewInt(1), decimals: 6, want: "0.000001"},
		{name: "negative", amount: big.NewInt(-250), decimals: 2, want: "-2.5"},
		{name: "nil", amount: nil, decimals: 6, want: "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, FromBaseUnits(tt.amount, tt.decimals))
		})
	}
}

func TestBaseUnitsRoundTrip(t *testing.T) {
	out, err := ToBaseUnits("123.456789", 9)
	require.NoError(t, err)
	require.Equal(t, "123.456789", FromBaseUnits(out, 9))
}
