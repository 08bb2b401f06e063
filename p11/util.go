package p11

import (
	"encoding/binary"
	"fmt"

	"github.com/miekg/pkcs11"
)

// Object class names used in scan trees
const (
	ClassPrivate     = "private"
	ClassPublic      = "public"
	ClassCertificate = "certificate"
	ClassSecretKey   = "secret-key"
	ClassData        = "data"
)

// ObjectClasses maps object class names to CKO_ values
var ObjectClasses = map[string]uint{
	ClassCertificate: pkcs11.CKO_CERTIFICATE,
	ClassData:        pkcs11.CKO_DATA,
	ClassPrivate:     pkcs11.CKO_PRIVATE_KEY,
	ClassPublic:      pkcs11.CKO_PUBLIC_KEY,
	ClassSecretKey:   pkcs11.CKO_SECRET_KEY,
}

// ObjectClassNames maps CKO_ values to object class names
var ObjectClassNames = map[uint]string{
	pkcs11.CKO_CERTIFICATE: ClassCertificate,
	pkcs11.CKO_DATA:        ClassData,
	pkcs11.CKO_PRIVATE_KEY: ClassPrivate,
	pkcs11.CKO_PUBLIC_KEY:  ClassPublic,
	pkcs11.CKO_SECRET_KEY:  ClassSecretKey,
}

// URITypes maps object class names to the RFC 7512 "type" attribute
var URITypes = map[string]string{
	ClassCertificate: "cert",
	ClassData:        "data",
	ClassPrivate:     "private",
	ClassPublic:      "public",
	ClassSecretKey:   "secret-key",
}

// KeyTypeNames maps CKK_ values to key type names
var KeyTypeNames = map[uint]string{
	pkcs11.CKK_RSA:            "RSA",
	pkcs11.CKK_EC:             "EC",
	pkcs11.CKK_DSA:            "DSA",
	pkcs11.CKK_DH:             "DH",
	pkcs11.CKK_AES:            "AES",
	pkcs11.CKK_DES3:           "DES3",
	pkcs11.CKK_GENERIC_SECRET: "GENERIC_SECRET",
}

var mechanismNames = map[uint]string{
	pkcs11.CKM_RSA_PKCS_KEY_PAIR_GEN: "CKM_RSA_PKCS_KEY_PAIR_GEN",
	pkcs11.CKM_RSA_PKCS:              "CKM_RSA_PKCS",
	pkcs11.CKM_RSA_X_509:             "CKM_RSA_X_509",
	pkcs11.CKM_RSA_PKCS_OAEP:         "CKM_RSA_PKCS_OAEP",
	pkcs11.CKM_RSA_PKCS_PSS:          "CKM_RSA_PKCS_PSS",
	pkcs11.CKM_SHA1_RSA_PKCS:         "CKM_SHA1_RSA_PKCS",
	pkcs11.CKM_SHA256_RSA_PKCS:       "CKM_SHA256_RSA_PKCS",
	pkcs11.CKM_SHA384_RSA_PKCS:       "CKM_SHA384_RSA_PKCS",
	pkcs11.CKM_SHA512_RSA_PKCS:       "CKM_SHA512_RSA_PKCS",
	pkcs11.CKM_SHA256_RSA_PKCS_PSS:   "CKM_SHA256_RSA_PKCS_PSS",
	pkcs11.CKM_SHA384_RSA_PKCS_PSS:   "CKM_SHA384_RSA_PKCS_PSS",
	pkcs11.CKM_SHA512_RSA_PKCS_PSS:   "CKM_SHA512_RSA_PKCS_PSS",
	pkcs11.CKM_EC_KEY_PAIR_GEN:       "CKM_EC_KEY_PAIR_GEN",
	pkcs11.CKM_ECDSA:                 "CKM_ECDSA",
	pkcs11.CKM_ECDSA_SHA1:            "CKM_ECDSA_SHA1",
	pkcs11.CKM_ECDSA_SHA256:          "CKM_ECDSA_SHA256",
	pkcs11.CKM_ECDSA_SHA384:          "CKM_ECDSA_SHA384",
	pkcs11.CKM_ECDSA_SHA512:          "CKM_ECDSA_SHA512",
	pkcs11.CKM_ECDH1_DERIVE:          "CKM_ECDH1_DERIVE",
	pkcs11.CKM_SHA_1:                 "CKM_SHA_1",
	pkcs11.CKM_SHA256:                "CKM_SHA256",
	pkcs11.CKM_SHA384:                "CKM_SHA384",
	pkcs11.CKM_SHA512:                "CKM_SHA512",
	pkcs11.CKM_AES_KEY_GEN:           "CKM_AES_KEY_GEN",
	pkcs11.CKM_AES_ECB:               "CKM_AES_ECB",
	pkcs11.CKM_AES_CBC:               "CKM_AES_CBC",
	pkcs11.CKM_AES_CBC_PAD:           "CKM_AES_CBC_PAD",
	pkcs11.CKM_AES_GCM:               "CKM_AES_GCM",
}

// MechanismName returns the CKM_ name of the mechanism,
// or its hex value for vendor and unknown mechanisms
func MechanismName(mech uint) string {
	if name, ok := mechanismNames[mech]; ok {
		return name
	}
	return fmt.Sprintf("CKM_0x%08X", mech)
}

var mechanismFlags = []struct {
	flag uint
	name string
}{
	{pkcs11.CKF_HW, "CKF_HW"},
	{pkcs11.CKF_ENCRYPT, "CKF_ENCRYPT"},
	{pkcs11.CKF_DECRYPT, "CKF_DECRYPT"},
	{pkcs11.CKF_DIGEST, "CKF_DIGEST"},
	{pkcs11.CKF_SIGN, "CKF_SIGN"},
	{pkcs11.CKF_SIGN_RECOVER, "CKF_SIGN_RECOVER"},
	{pkcs11.CKF_VERIFY, "CKF_VERIFY"},
	{pkcs11.CKF_VERIFY_RECOVER, "CKF_VERIFY_RECOVER"},
	{pkcs11.CKF_GENERATE, "CKF_GENERATE"},
	{pkcs11.CKF_GENERATE_KEY_PAIR, "CKF_GENERATE_KEY_PAIR"},
	{pkcs11.CKF_WRAP, "CKF_WRAP"},
	{pkcs11.CKF_UNWRAP, "CKF_UNWRAP"},
	{pkcs11.CKF_DERIVE, "CKF_DERIVE"},
}

// MechanismFlagNames returns the names of the CKF_ flags set on a mechanism
func MechanismFlagNames(flags uint) []string {
	var list []string
	for _, f := range mechanismFlags {
		if flags&f.flag != 0 {
			list = append(list, f.name)
		}
	}
	return list
}

// BytesToUlong converts a CK_ULONG attribute value
func BytesToUlong(bs []byte) uint {
	switch len(bs) {
	case 1:
		return uint(bs[0])
	case 2:
		return uint(binary.NativeEndian.Uint16(bs))
	case 4:
		return uint(binary.NativeEndian.Uint32(bs))
	case 8:
		return uint(binary.NativeEndian.Uint64(bs))
	}
	return 0
}

// BytesToBool converts a CK_BBOOL attribute value
func BytesToBool(bs []byte) bool {
	return len(bs) > 0 && bs[0] != 0
}
