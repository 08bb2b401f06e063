package keyusage

import (
	"crypto/x509"
	"testing"

	"github.com/miekg/pkcs11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConforms(t *testing.T) {
	tcases := []struct {
		name   string
		policy Policy
		usage  Usage
		exp    bool
	}{
		{"nil policy", nil, Usage{DigitalSignature: false}, true},
		{"empty policy", Policy{}, nil, true},
		{"superset", Policy{DigitalSignature: true}, Usage{DigitalSignature: true, KeyEncipherment: true}, true},
		{"exact", Policy{DigitalSignature: true, NonRepudiation: true}, Usage{DigitalSignature: true, NonRepudiation: true}, true},
		{"missing flag", Policy{DigitalSignature: true, NonRepudiation: true}, Usage{DigitalSignature: true}, false},
		{"flag false", Policy{DigitalSignature: true}, Usage{DigitalSignature: false}, false},
		{"false flag unconstrained", Policy{DigitalSignature: false}, Usage{}, true},
		{"nil usage", Policy{KeyAgreement: true}, nil, false},
	}
	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.exp, Conforms(tc.policy, tc.usage))
			assert.Equal(t, tc.exp, tc.usage.Conforms(tc.policy))
		})
	}
}

func TestFromCertificate(t *testing.T) {
	crt := &x509.Certificate{
		KeyUsage: x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment,
	}
	u := FromCertificate(crt)
	assert.Len(t, u, 9)
	assert.True(t, u[DigitalSignature])
	assert.True(t, u[NonRepudiation])
	assert.False(t, u[KeyEncipherment])
	assert.Equal(t, []string{DigitalSignature, NonRepudiation}, u.Names())
}

func TestFromKeyAttributes(t *testing.T) {
	assert.Nil(t, FromKeyAttributes(nil))
	assert.Nil(t, FromKeyAttributes(map[uint][]byte{pkcs11.CKA_LABEL: []byte("x")}))

	u := FromKeyAttributes(map[uint][]byte{
		pkcs11.CKA_SIGN:    {1},
		pkcs11.CKA_VERIFY:  {0},
		pkcs11.CKA_DECRYPT: {0},
		pkcs11.CKA_UNWRAP:  {1},
	})
	assert.Equal(t, Usage{
		DigitalSignature: true,
		DataEncipherment: false,
		KeyEncipherment:  true,
	}, u)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy(nil)
	require.NoError(t, err)
	assert.Nil(t, p)

	p, err = ParsePolicy([]string{"digital_signature", "key encipherment=false", "Content Commitment=yes"})
	require.NoError(t, err)
	assert.Equal(t, Policy{
		DigitalSignature: true,
		KeyEncipherment:  false,
		NonRepudiation:   true,
	}, p)

	_, err = ParsePolicy([]string{"teleport"})
	assert.EqualError(t, err, `unsupported key usage: "teleport"`)

	_, err = ParsePolicy([]string{"crl_sign=maybe"})
	assert.EqualError(t, err, `invalid key usage value: "crl_sign=maybe"`)
}
