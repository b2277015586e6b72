package cmd

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apernet/corevpn/engine"
)

func TestNewAnonymizer(t *testing.T) {
	v4 := netip.MustParseAddrPort("203.0.113.9:40000")
	v6 := netip.MustParseAddrPort("[2001:db8:1:2::1]:1194")
	testCases := map[string]struct {
		mode   string
		v4, v6 string
	}{
		"none":     {mode: "", v4: "203.0.113.9:40000", v6: "[2001:db8:1:2::1]:1194"},
		"truncate": {mode: "Truncate", v4: "203.0.113.0/24", v6: "2001:db8:1::/48"},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			anon, err := newAnonymizer(tc.mode)
			require.NoError(t, err)
			assert.Equal(t, tc.v4, anon(v4))
			assert.Equal(t, tc.v6, anon(v6))
		})
	}
	t.Run("hash", func(t *testing.T) {
		anon, err := newAnonymizer("hash")
		require.NoError(t, err)
		assert.Len(t, anon(v4), 16)
		// The port does not change the hash.
		assert.Equal(t, anon(v4), anon(netip.AddrPortFrom(v4.Addr(), 1)))
		assert.NotEqual(t, anon(v4), anon(v6))
	})
	t.Run("unsupported", func(t *testing.T) {
		_, err := newAnonymizer("scramble")
		assert.Error(t, err)
	})
}

func TestFillLoggerRejectsUnknownAnonymizer(t *testing.T) {
	c := &cliConfig{Logging: cliConfigLogging{Anonymize: "scramble"}}
	var config engine.Config
	err := c.fillLogger(&config)
	var cfgErr configError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "logging.anonymize", cfgErr.Field)

	c.Logging.Ghost = true
	require.NoError(t, c.fillLogger(&config))
	assert.Equal(t, engine.NopLogger{}, config.Logger)
}
