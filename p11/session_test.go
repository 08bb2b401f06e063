package p11_test

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/p11scan/internal/p11test"
	"github.com/effective-security/p11scan/p11"
	"github.com/miekg/pkcs11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newModule() *p11test.Module {
	tok := p11test.NewToken("alpha", "0001",
		p11test.KeyObject(pkcs11.CKO_PRIVATE_KEY, "key", []byte{1}, pkcs11.CKK_EC, pkcs11.CKA_SIGN),
		p11test.KeyObject(pkcs11.CKO_PUBLIC_KEY, "pub", []byte{1}, pkcs11.CKK_EC, pkcs11.CKA_VERIFY),
	)
	tok.PIN = "1234"
	tok.Objects[0].Attrs[pkcs11.CKA_PRIVATE] = []byte{1}
	return p11test.New(p11test.HardwareSlot(1, tok))
}

func TestWithSession(t *testing.T) {
	mod := newModule()

	err := p11.WithSession(mod, 1, false, "1234", func(s *p11.Session) error {
		assert.Equal(t, uint(1), s.SlotID())
		assert.False(t, s.LoggedIn())

		handles, err := s.FindClass(pkcs11.CKO_PRIVATE_KEY)
		require.NoError(t, err)
		assert.Empty(t, handles)

		handles, err = s.FindClass(pkcs11.CKO_PUBLIC_KEY)
		require.NoError(t, err)
		require.Len(t, handles, 1)

		attrs, err := s.Attributes(handles[0], pkcs11.CKA_LABEL, pkcs11.CKA_ID)
		require.NoError(t, err)
		assert.Equal(t, "pub", string(attrs[0].Value))
		assert.Equal(t, []byte{1}, attrs[1].Value)

		_, ok := s.Attribute(handles[0], pkcs11.CKA_VALUE)
		assert.False(t, ok)
		val, ok := s.Attribute(handles[0], pkcs11.CKA_VERIFY)
		assert.True(t, ok)
		assert.Equal(t, []byte{1}, val)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 0, mod.OpenSessions())

	err = p11.WithSession(mod, 1, true, "1234", func(s *p11.Session) error {
		assert.True(t, s.LoggedIn())
		handles, err := s.FindClass(pkcs11.CKO_PRIVATE_KEY)
		require.NoError(t, err)
		assert.Len(t, handles, 1)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 0, mod.OpenSessions())
	logins, logouts := mod.Logins()
	assert.Equal(t, 1, logins)
	assert.Equal(t, 1, logouts)
}

func TestWithSession_Release(t *testing.T) {
	mod := newModule()

	fail := errors.New("callback failed")
	err := p11.WithSession(mod, 1, true, "1234", func(s *p11.Session) error {
		return fail
	})
	assert.True(t, errors.Is(err, fail))
	assert.Equal(t, 0, mod.OpenSessions())
	_, logouts := mod.Logins()
	assert.Equal(t, 1, logouts)

	assert.Panics(t, func() {
		_ = p11.WithSession(mod, 1, false, "", func(s *p11.Session) error {
			panic("boom")
		})
	})
	assert.Equal(t, 0, mod.OpenSessions())
}

func TestWithSession_Errors(t *testing.T) {
	mod := newModule()

	err := p11.WithSession(mod, 1, true, "0000", func(s *p11.Session) error {
		t.Fatal("must not be called")
		return nil
	})
	var le *p11.LoginError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, uint(1), le.SlotID)
	assert.Equal(t, 0, mod.OpenSessions())

	mod.SetError("OpenSession:1", pkcs11.Error(pkcs11.CKR_SESSION_COUNT))
	err = p11.WithSession(mod, 1, false, "", func(s *p11.Session) error { return nil })
	code, ok := p11.Code(err)
	require.True(t, ok)
	assert.Equal(t, uint(pkcs11.CKR_SESSION_COUNT), code)
	mod.SetError("OpenSession:1", nil)

	mod.SetError("FindObjects", pkcs11.Error(pkcs11.CKR_DEVICE_ERROR))
	err = p11.WithSession(mod, 1, false, "", func(s *p11.Session) error {
		_, err := s.FindClass(pkcs11.CKO_PUBLIC_KEY)
		return err
	})
	assert.True(t, p11.IsProviderError(err))
	mod.SetError("FindObjects", nil)

	// search state is reset after a failure
	err = p11.WithSession(mod, 1, false, "", func(s *p11.Session) error {
		_, err := s.FindClass(pkcs11.CKO_PUBLIC_KEY)
		return err
	})
	assert.NoError(t, err)

	mod.RemoveToken(1)
	err = p11.WithSession(mod, 1, false, "", func(s *p11.Session) error { return nil })
	assert.True(t, p11.IsTokenRemoved(err))
}
