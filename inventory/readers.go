package inventory

import (
	encoding_asn1 "encoding/asn1"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/p11scan/keyusage"
	"github.com/effective-security/p11scan/p11"
	"github.com/miekg/pkcs11"
	"golang.org/x/crypto/cryptobyte"
)

// ReadLibraryInfo reads the provider library description
func ReadLibraryInfo(ctx p11.Ctx) (*LibraryInfo, error) {
	info, err := ctx.GetInfo()
	if err != nil {
		return nil, errors.WithMessage(err, "GetInfo")
	}
	return &LibraryInfo{
		Description:     trim(info.LibraryDescription),
		Manufacturer:    trim(info.ManufacturerID),
		Version:         versionString(info.LibraryVersion),
		CryptokiVersion: versionString(info.CryptokiVersion),
	}, nil
}

// ReadSlotInfo reads the current state of a slot
func ReadSlotInfo(ctx p11.Ctx, slotID uint) (*SlotInfo, error) {
	si, err := ctx.GetSlotInfo(slotID)
	if err != nil {
		return nil, errors.WithMessagef(err, "GetSlotInfo: %d", slotID)
	}
	return &SlotInfo{
		ID:              slotID,
		Description:     trim(si.SlotDescription),
		Manufacturer:    trim(si.ManufacturerID),
		HardwareVersion: versionString(si.HardwareVersion),
		FirmwareVersion: versionString(si.FirmwareVersion),
		Hardware:        si.Flags&pkcs11.CKF_HW_SLOT != 0,
		Removable:       si.Flags&pkcs11.CKF_REMOVABLE_DEVICE != 0,
		TokenPresent:    si.Flags&pkcs11.CKF_TOKEN_PRESENT != 0,
	}, nil
}

// ReadTokenInfo reads the description of the token present in a slot
func ReadTokenInfo(ctx p11.Ctx, slotID uint) (*TokenInfo, error) {
	ti, err := ctx.GetTokenInfo(slotID)
	if err != nil {
		return nil, errors.WithMessagef(err, "GetTokenInfo: %d", slotID)
	}
	return &TokenInfo{
		Label:             trim(ti.Label),
		Manufacturer:      trim(ti.ManufacturerID),
		Model:             trim(ti.Model),
		Serial:            trim(ti.SerialNumber),
		LoginRequired:     ti.Flags&pkcs11.CKF_LOGIN_REQUIRED != 0,
		ProtectedAuthPath: ti.Flags&pkcs11.CKF_PROTECTED_AUTHENTICATION_PATH != 0,
		Initialized:       ti.Flags&pkcs11.CKF_TOKEN_INITIALIZED != 0,
		MinPinLen:         ti.MinPinLen,
		MaxPinLen:         ti.MaxPinLen,
	}, nil
}

// ReadMechanisms reads the mechanisms supported by the token in a slot
func ReadMechanisms(ctx p11.Ctx, slotID uint) ([]MechanismInfo, error) {
	mechs, err := ctx.GetMechanismList(slotID)
	if err != nil {
		return nil, errors.WithMessagef(err, "GetMechanismList: %d", slotID)
	}

	list := make([]MechanismInfo, 0, len(mechs))
	for _, m := range mechs {
		mi, err := ctx.GetMechanismInfo(slotID, []*pkcs11.Mechanism{m})
		if err != nil {
			return nil, errors.WithMessagef(err, "GetMechanismInfo: %s", p11.MechanismName(m.Mechanism))
		}
		list = append(list, MechanismInfo{
			Type:       m.Mechanism,
			Name:       p11.MechanismName(m.Mechanism),
			MinKeySize: mi.MinKeySize,
			MaxKeySize: mi.MaxKeySize,
			Flags:      p11.MechanismFlagNames(mi.Flags),
		})
	}
	return list, nil
}

// ReadKey reads the object as a record of the given class name
func ReadKey(s *p11.Session, obj pkcs11.ObjectHandle, class string) (*KeyRecord, error) {
	attrs, err := s.Attributes(obj, pkcs11.CKA_LABEL, pkcs11.CKA_ID)
	if err != nil {
		return nil, err
	}

	rec := &KeyRecord{
		Class: class,
		Type:  p11.URITypes[class],
		Label: string(attrs[0].Value),
		ID:    append([]byte{}, attrs[1].Value...),
	}

	if kt, ok := s.Attribute(obj, pkcs11.CKA_KEY_TYPE); ok {
		keyType := p11.BytesToUlong(kt)
		if name, ok := p11.KeyTypeNames[keyType]; ok {
			rec.KeyType = name
		}
		if keyType == pkcs11.CKK_EC {
			if params, ok := s.Attribute(obj, pkcs11.CKA_EC_PARAMS); ok {
				rec.Curve = CurveName(params)
			}
		}
	}

	if class != p11.ClassCertificate && class != p11.ClassData {
		usage := make(map[uint][]byte)
		for _, typ := range keyusage.KeyAttributes {
			if val, ok := s.Attribute(obj, typ); ok {
				usage[typ] = val
			}
		}
		rec.Usage = keyusage.FromKeyAttributes(usage)
	}

	return rec, nil
}

var curveNames = []struct {
	oid  encoding_asn1.ObjectIdentifier
	name string
}{
	{encoding_asn1.ObjectIdentifier{1, 2, 840, 10045, 3, 1, 7}, "P-256"},
	{encoding_asn1.ObjectIdentifier{1, 3, 132, 0, 34}, "P-384"},
	{encoding_asn1.ObjectIdentifier{1, 3, 132, 0, 35}, "P-521"},
	{encoding_asn1.ObjectIdentifier{1, 3, 132, 0, 10}, "secp256k1"},
	{encoding_asn1.ObjectIdentifier{1, 3, 101, 112}, "Ed25519"},
}

// CurveName returns the name of the curve in DER encoded CKA_EC_PARAMS,
// the dotted OID for unknown curves, or empty string if params is not an OID
func CurveName(params []byte) string {
	input := cryptobyte.String(params)
	var oid encoding_asn1.ObjectIdentifier
	if !input.ReadASN1ObjectIdentifier(&oid) {
		return ""
	}
	for _, c := range curveNames {
		if c.oid.Equal(oid) {
			return c.name
		}
	}
	return oid.String()
}

func trim(s string) string {
	return strings.TrimRight(s, " \x00")
}
