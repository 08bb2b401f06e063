// Package keyusage evaluates key usage flags of token keys and
// certificates against a requested policy.
package keyusage

import (
	"crypto/x509"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/miekg/pkcs11"
)

// Usage flag names
const (
	DigitalSignature = "digital_signature"
	NonRepudiation   = "non_repudiation"
	KeyEncipherment  = "key_encipherment"
	DataEncipherment = "data_encipherment"
	KeyAgreement     = "key_agreement"
	KeyCertSign      = "key_cert_sign"
	CRLSign          = "crl_sign"
	EncipherOnly     = "encipher_only"
	DecipherOnly     = "decipher_only"
)

// Usage is a set of named usage flags of a key or certificate
type Usage map[string]bool

// Policy is a set of required usage flags.
// Only flags set to true constrain a candidate.
type Policy map[string]bool

// Conforms returns true if usage has every flag that is true in policy.
// An empty policy accepts any usage.
func Conforms(policy Policy, usage Usage) bool {
	for flag, required := range policy {
		if required && !usage[flag] {
			return false
		}
	}
	return true
}

// Conforms returns true if u satisfies the policy
func (u Usage) Conforms(policy Policy) bool {
	return Conforms(policy, u)
}

// Names returns the sorted names of flags that are set
func (u Usage) Names() []string {
	var list []string
	for name, set := range u {
		if set {
			list = append(list, name)
		}
	}
	sort.Strings(list)
	return list
}

// certUsage maps X.509 key usage bits to flag names
var certUsage = []struct {
	bit  x509.KeyUsage
	name string
}{
	{x509.KeyUsageDigitalSignature, DigitalSignature},
	{x509.KeyUsageContentCommitment, NonRepudiation},
	{x509.KeyUsageKeyEncipherment, KeyEncipherment},
	{x509.KeyUsageDataEncipherment, DataEncipherment},
	{x509.KeyUsageKeyAgreement, KeyAgreement},
	{x509.KeyUsageCertSign, KeyCertSign},
	{x509.KeyUsageCRLSign, CRLSign},
	{x509.KeyUsageEncipherOnly, EncipherOnly},
	{x509.KeyUsageDecipherOnly, DecipherOnly},
}

// FromCertificate returns the key usage of the certificate.
// Every known flag is present in the result, set or not.
func FromCertificate(crt *x509.Certificate) Usage {
	u := make(Usage, len(certUsage))
	for _, ku := range certUsage {
		u[ku.name] = crt.KeyUsage&ku.bit != 0
	}
	return u
}

// KeyAttributes are the CKA_ attributes read by FromKeyAttributes
var KeyAttributes = []uint{
	pkcs11.CKA_SIGN,
	pkcs11.CKA_VERIFY,
	pkcs11.CKA_SIGN_RECOVER,
	pkcs11.CKA_VERIFY_RECOVER,
	pkcs11.CKA_ENCRYPT,
	pkcs11.CKA_DECRYPT,
	pkcs11.CKA_WRAP,
	pkcs11.CKA_UNWRAP,
	pkcs11.CKA_DERIVE,
}

var keyAttrUsage = map[uint]string{
	pkcs11.CKA_SIGN:           DigitalSignature,
	pkcs11.CKA_VERIFY:         DigitalSignature,
	pkcs11.CKA_SIGN_RECOVER:   NonRepudiation,
	pkcs11.CKA_VERIFY_RECOVER: NonRepudiation,
	pkcs11.CKA_ENCRYPT:        DataEncipherment,
	pkcs11.CKA_DECRYPT:        DataEncipherment,
	pkcs11.CKA_WRAP:           KeyEncipherment,
	pkcs11.CKA_UNWRAP:         KeyEncipherment,
	pkcs11.CKA_DERIVE:         KeyAgreement,
}

// FromKeyAttributes returns the usage derived from CK_BBOOL key attributes,
// or nil if none of KeyAttributes is present
func FromKeyAttributes(attrs map[uint][]byte) Usage {
	var u Usage
	for typ, name := range keyAttrUsage {
		val, ok := attrs[typ]
		if !ok {
			continue
		}
		if u == nil {
			u = make(Usage)
		}
		if len(val) > 0 && val[0] != 0 {
			u[name] = true
		} else if _, set := u[name]; !set {
			u[name] = false
		}
	}
	return u
}

// aliases accepts the names used by X.509 tooling
var aliases = map[string]string{
	"signing":            DigitalSignature,
	"digital signature":  DigitalSignature,
	"content commitment": NonRepudiation,
	"content_commitment": NonRepudiation,
	"non repudiation":    NonRepudiation,
	"key encipherment":   KeyEncipherment,
	"data encipherment":  DataEncipherment,
	"key agreement":      KeyAgreement,
	"cert sign":          KeyCertSign,
	"crl sign":           CRLSign,
	"encipher only":      EncipherOnly,
	"decipher only":      DecipherOnly,
}

var known = map[string]bool{
	DigitalSignature: true,
	NonRepudiation:   true,
	KeyEncipherment:  true,
	DataEncipherment: true,
	KeyAgreement:     true,
	KeyCertSign:      true,
	CRLSign:          true,
	EncipherOnly:     true,
	DecipherOnly:     true,
}

// ParsePolicy builds a policy from "flag" or "flag=true|false" items
func ParsePolicy(items []string) (Policy, error) {
	if len(items) == 0 {
		return nil, nil
	}
	p := make(Policy, len(items))
	for _, item := range items {
		name, val, hasVal := strings.Cut(strings.TrimSpace(item), "=")
		name = strings.ToLower(strings.TrimSpace(name))
		if alias, ok := aliases[name]; ok {
			name = alias
		}
		if !known[name] {
			return nil, errors.Errorf("unsupported key usage: %q", item)
		}
		required := true
		if hasVal {
			switch strings.ToLower(strings.TrimSpace(val)) {
			case "true", "1", "yes":
			case "false", "0", "no":
				required = false
			default:
				return nil, errors.Errorf("invalid key usage value: %q", item)
			}
		}
		p[name] = required
	}
	return p, nil
}
