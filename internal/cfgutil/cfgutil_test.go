package cfgutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/stretchr/testify/require"
)

// TestAmountFlag checks that amounts are parsed in the smallest unit.
func TestAmountFlag(t *testing.T) {
	t.Parallel()

	a := NewAmountFlag(1000)
	s, err := a.MarshalFlag()
	require.NoError(t, err)
	require.Equal(t, "1000", s)

	require.NoError(t, a.UnmarshalFlag(" 25000 "))
	require.Equal(t, btcutil.Amount(25000), a.Amount)

	require.Error(t, a.UnmarshalFlag("0.5"))
}

// TestRatioFlag checks decimal and fractional ratios.
func TestRatioFlag(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		value string
		want  string
		fail  bool
	}{
		{value: "3/2", want: "3/2"},
		{value: "1.25", want: "5/4"},
		{value: "2", want: "2"},
		{value: "0", fail: true},
		{value: "-1/2", fail: true},
		{value: "abc", fail: true},
	}

	for _, tc := range testCases {
		var r RatioFlag
		err := r.UnmarshalFlag(tc.value)
		if tc.fail {
			require.Error(t, err, tc.value)
			continue
		}

		require.NoError(t, err, tc.value)
		s, err := r.MarshalFlag()
		require.NoError(t, err)
		require.Equal(t, tc.want, s)
	}

	var unset RatioFlag
	s, err := unset.MarshalFlag()
	require.NoError(t, err)
	require.Empty(t, s)
}

// TestCountFlag checks that an explicit zero count is kept apart from an
// unset one.
func TestCountFlag(t *testing.T) {
	t.Parallel()

	var c CountFlag
	require.True(t, c.IsNone())

	s, err := c.MarshalFlag()
	require.NoError(t, err)
	require.Empty(t, s)

	require.NoError(t, c.UnmarshalFlag(" 0 "))
	require.Equal(t, uint32(0), c.UnwrapOr(7))

	s, err = c.MarshalFlag()
	require.NoError(t, err)
	require.Equal(t, "0", s)

	require.NoError(t, c.UnmarshalFlag("5"))
	require.Equal(t, uint32(5), c.UnwrapOr(7))

	require.Error(t, c.UnmarshalFlag("-1"))
	require.Error(t, c.UnmarshalFlag("two"))
}

// TestReadSecrets checks key file parsing and its permission check.
func TestReadSecrets(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	keyFile := filepath.Join(dir, "keys")
	content := "# funding keys\nkey1\n\n  key2  \n"
	require.NoError(t, os.WriteFile(keyFile, []byte(content), 0600))

	secrets, err := ReadSecrets(keyFile)
	require.NoError(t, err)
	require.Equal(t, []string{"key1", "key2"}, secrets)

	require.NoError(t, os.Chmod(keyFile, 0644))
	_, err = ReadSecrets(keyFile)
	require.ErrorContains(t, err, "accessible")

	empty := filepath.Join(dir, "empty")
	require.NoError(t, os.WriteFile(empty, []byte("# none\n"), 0600))
	_, err = ReadSecrets(empty)
	require.ErrorContains(t, err, "no keys")

	exists, err := FileExists(keyFile)
	require.NoError(t, err)
	require.True(t, exists)

	exists, err = FileExists(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	require.False(t, exists)
}

// TestNormalizeAddress checks that a default port is added when missing.
func TestNormalizeAddress(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		addr string
		want string
		fail bool
	}{
		{addr: "localhost", want: "localhost:8334"},
		{addr: "localhost:18334", want: "localhost:18334"},
		{addr: "::1", want: "[::1]:8334"},
		{addr: "[::1]:1", want: "[::1]:1"},
		{addr: "[::1", fail: true},
	}

	for _, tc := range testCases {
		got, err := NormalizeAddress(tc.addr, "8334")
		if tc.fail {
			require.Error(t, err, tc.addr)
			continue
		}

		require.NoError(t, err, tc.addr)
		require.Equal(t, tc.want, got, tc.addr)
	}
}
