package p11test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"time"

	"github.com/miekg/pkcs11"
)

// ECParamsP256 is the DER encoded OID of the P-256 curve
var ECParamsP256 = []byte{0x06, 0x08, 0x2a, 0x86, 0x48, 0xce, 0x3d, 0x03, 0x01, 0x07}

// NewCertificate returns a self-signed DER certificate with the key usage
func NewCertificate(cn string, usage x509.KeyUsage) ([]byte, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     usage,
	}
	return x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
}

// CertObject returns a certificate object holding der
func CertObject(label string, id []byte, der []byte) *Object {
	obj := &Object{
		Class: pkcs11.CKO_CERTIFICATE,
		Label: label,
		ID:    id,
		Attrs: map[uint][]byte{},
	}
	if der != nil {
		obj.Attrs[pkcs11.CKA_VALUE] = der
	}
	return obj
}

// KeyObject returns a key object of the CKO_ class with the
// listed CKA_ usage attributes set to true
func KeyObject(class uint, label string, id []byte, keyType uint, usage ...uint) *Object {
	obj := &Object{
		Class:   class,
		Label:   label,
		ID:      id,
		KeyType: keyType,
		Attrs:   map[uint][]byte{},
	}
	for _, u := range usage {
		obj.Attrs[u] = []byte{1}
	}
	if keyType == pkcs11.CKK_EC {
		obj.Attrs[pkcs11.CKA_EC_PARAMS] = ECParamsP256
	}
	return obj
}

// NewToken returns an initialized token with a default mechanism set
func NewToken(label, serial string, objects ...*Object) *Token {
	return &Token{
		Label:        label,
		Manufacturer: "Test Token Maker",
		Model:        "Model T",
		Serial:       serial,
		Flags:        pkcs11.CKF_TOKEN_INITIALIZED,
		MinPinLen:    4,
		MaxPinLen:    255,
		Objects:      objects,
		Mechanisms: map[uint]pkcs11.MechanismInfo{
			pkcs11.CKM_ECDSA: {
				MinKeySize: 256,
				MaxKeySize: 521,
				Flags:      pkcs11.CKF_HW | pkcs11.CKF_SIGN | pkcs11.CKF_VERIFY,
			},
			pkcs11.CKM_RSA_PKCS: {
				MinKeySize: 1024,
				MaxKeySize: 4096,
				Flags:      pkcs11.CKF_SIGN | pkcs11.CKF_VERIFY | pkcs11.CKF_ENCRYPT | pkcs11.CKF_DECRYPT,
			},
		},
	}
}

// HardwareSlot returns a removable hardware slot holding t
func HardwareSlot(id uint, t *Token) *Slot {
	return &Slot{
		ID:           id,
		Description:  "Test Reader " + string(rune('A'+id%26)),
		Manufacturer: "Test Reader Maker",
		Flags:        pkcs11.CKF_HW_SLOT | pkcs11.CKF_REMOVABLE_DEVICE,
		Token:        t,
	}
}

// SoftSlot returns a software slot holding t
func SoftSlot(id uint, t *Token) *Slot {
	return &Slot{
		ID:           id,
		Description:  "Soft Slot",
		Manufacturer: "Test Soft Maker",
		Token:        t,
	}
}
