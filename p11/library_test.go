package p11

import (
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscover(t *testing.T) {
	t.Setenv(ModuleEnv, "/opt/test/libpkcs11.so")
	p, err := Discover()
	require.NoError(t, err)
	assert.Equal(t, "/opt/test/libpkcs11.so", p)

	saved := DefaultModulePaths
	defer func() { DefaultModulePaths = saved }()

	t.Setenv(ModuleEnv, "")
	DefaultModulePaths = []string{filepath.Join(t.TempDir(), "missing.so")}
	_, err = Discover()
	assert.True(t, errors.Is(err, ErrModuleNotFound))

	_, err = Load("")
	assert.True(t, errors.Is(err, ErrModuleNotFound))
}

func TestLoad_NotFound(t *testing.T) {
	path := filepath.Join(t.TempDir(), "libmissing.so")
	_, err := Load(path)
	assert.EqualError(t, err, "unable to load PKCS#11 module: "+path)
}

func TestLibrary_CloseNil(t *testing.T) {
	var lib Library
	assert.NoError(t, lib.Close())
}
