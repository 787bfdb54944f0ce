package wallet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "lower case", input: "0xabcdef0123456789abcdef0123456789abcdef01", want: "0xabcdef0123456789abcdef0123456789abcdef01"},
		{name: "mixed case is canonicalized", input: "0xABCDEF0123456789abcdef0123456789ABCDEF01", want: "0xabcdef0123456789abcdef0123456789abcdef01"},
		{name: "surrounding whitespace", input: "  0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed\n", want: "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed"},
		{name: "missing prefix", input: "abcdef0123456789abcdef0123456789abcdef01", wantErr: true},
		{name: "too short", input: "0xabc", wantErr: true},
		{name: "too long", input: "0xabcdef0123456789abcdef0123456789abcdef0123", wantErr: true},
		{name: "non hex", input: "0xzzcdef0123456789abcdef0123456789abcdef01", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidAddress)
				assert.False(t, IsValid(tt.input))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestChecksum_EIP55Vectors(t *testing.T) {
	vectors := []string{
		"0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
		"0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359",
		"0xdbF03B407c01E7cD3CBea99509d93f8DDDC8C6FB",
		"0xD1220A0cf47c7B9Be7A2E6BA89F429762e7b9aDb",
	}
	for _, want := range vectors {
		got, err := Checksum(want)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestChecksum_RejectsInvalid(t *testing.T) {
	_, err := Checksum("0x1234")
	assert.ErrorIs(t, err, ErrInvalidAddress)
}
