package oraclesync

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRPCURLs(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want []string
	}{
		{"empty", "", []string{}},
		{"single", "https://a", []string{"https://a"}},
		{"commas", "https://a,https://b", []string{"https://a", "https://b"}},
		{"whitespace", "https://a https://b\nhttps://c", []string{"https://a", "https://b", "https://c"}},
		{"mixed with empties", " https://a,, https://b ,", []string{"https://a", "https://b"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, ParseRPCURLs(tc.in))
		})
	}
}

func TestConfigID(t *testing.T) {
	c := Config{}
	require.Equal(t, DefaultInstanceID, c.ID())
	c.InstanceID = "mainnet-v3"
	require.Equal(t, "mainnet-v3", c.ID())
}
