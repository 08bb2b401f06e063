package config

import (
	"testing"
	"time"

	"github.com/effective-security/p11scan/keyusage"
	"github.com/effective-security/p11scan/p11uri"
	"github.com/effective-security/p11scan/scanner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	cfg, err := Load("testdata/p11scan.yaml")
	require.NoError(t, err)
	assert.Equal(t, "/usr/lib/softhsm/libsofthsm2.so", cfg.ModulePath)
	assert.Equal(t, "1234", cfg.Pin)
	assert.True(t, cfg.URI)
	assert.Equal(t, "0.0.0.0:8080", cfg.ListenAddr())

	d, err := cfg.Interval()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, d)

	kind, err := cfg.Kind()
	require.NoError(t, err)
	assert.Equal(t, scanner.KindCertificate, kind)

	ignore, err := cfg.IgnoreContexts()
	require.NoError(t, err)
	assert.Equal(t, []p11uri.Context{p11uri.ContextInfo}, ignore)

	opts, err := cfg.ScannerOptions()
	require.NoError(t, err)
	assert.True(t, opts.IncludeCertificate)
	assert.Equal(t, keyusage.Policy{
		keyusage.DigitalSignature: true,
		keyusage.NonRepudiation:   false,
	}, opts.Filter)
}

func TestLoad_JSON(t *testing.T) {
	t.Setenv("P11SCAN_TEST_PIN", "5678")

	cfg, err := Load("testdata/p11scan.json")
	require.NoError(t, err)
	assert.Equal(t, "/usr/lib/opensc-pkcs11.so", cfg.ModulePath)
	assert.Equal(t, "5678", cfg.Pin)
	assert.Equal(t, DefaultListen, cfg.ListenAddr())

	d, err := cfg.Interval()
	require.NoError(t, err)
	assert.Equal(t, DefaultRefreshInterval, d)

	kind, err := cfg.Kind()
	require.NoError(t, err)
	assert.Equal(t, scanner.KindCard, kind)

	opts, err := cfg.ScannerOptions()
	require.NoError(t, err)
	assert.False(t, opts.IncludeCertificate)
	assert.Empty(t, opts.Filter)
}

func TestLoad_Errors(t *testing.T) {
	tcases := []struct {
		file string
		err  string
	}{
		{"testdata/not_found.yaml", "no such file or directory"},
		{"testdata/invalid_usage.yaml", `unsupported key usage: "teleport"`},
		{"testdata/invalid_interval.yaml", "invalid refresh_interval"},
		{"testdata/missing_pin.yaml", "unable to load PIN"},
	}
	for _, tc := range tcases {
		t.Run(tc.file, func(t *testing.T) {
			_, err := Load(tc.file)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.err)
		})
	}

	_, err := Load("testdata/p11scan.json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "environment variable not set: P11SCAN_TEST_PIN")
}

func TestValidate(t *testing.T) {
	assert.NoError(t, (&Config{}).Validate())
	assert.Error(t, (&Config{Scanner: "magic"}).Validate())
	assert.Error(t, (&Config{IgnoreParents: []string{"mechanisms"}}).Validate())
	assert.Error(t, (&Config{RefreshInterval: "-1s"}).Validate())
}

func TestResolvePin(t *testing.T) {
	pin, err := ResolvePin("plain", "")
	require.NoError(t, err)
	assert.Equal(t, "plain", pin)

	pin, err = ResolvePin("file:testdata/pin.txt", "")
	require.NoError(t, err)
	assert.Equal(t, "1234", pin)

	pin, err = ResolvePin("file:pin.txt", "testdata")
	require.NoError(t, err)
	assert.Equal(t, "1234", pin)
}
