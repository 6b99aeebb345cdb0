package marzban

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatTraffic(t *testing.T) {
	tests := []struct {
		bytes int64
		want  string
	}{
		{0, "0.00 B"},
		{512, "512.00 B"},
		{1024, "1.00 KB"},
		{1536, "1.50 KB"},
		{1048576, "1.00 MB"},
		{1073741824, "1.00 GB"},
		{5368709120, "5.00 GB"},
		{1099511627776, "1.00 TB"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatTraffic(tt.bytes), "bytes=%d", tt.bytes)
	}
}

func TestParseTraffic(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"0.00 B", 0},
		{"1.00 KB", 1024},
		{"1.50 KB", 1536},
		{"1.00 GB", 1073741824},
		{"  2.00 mb ", 2097152},
	}

	for _, tt := range tests {
		got, err := ParseTraffic(tt.in)
		require.NoError(t, err, "input=%q", tt.in)
		assert.Equal(t, tt.want, got, "input=%q", tt.in)
	}
}

func TestParseTrafficInvalid(t *testing.T) {
	for _, in := range []string{"", "1.00", "1.00 XB", "abc GB", "1 2 GB"} {
		_, err := ParseTraffic(in)
		assert.Error(t, err, "input=%q", in)
	}
}

func TestGigabyteConversions(t *testing.T) {
	assert.Equal(t, int64(1073741824), GBToBytes(1))
	assert.Equal(t, int64(536870912), GBToBytes(0.5))
	assert.InDelta(t, 1.0, BytesToGB(1073741824), 1e-9)
	assert.InDelta(t, 2.5, BytesToGB(GBToBytes(2.5)), 1e-9)
}
