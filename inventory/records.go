package inventory

import (
	"fmt"
	"time"

	"github.com/effective-security/p11scan/keyusage"
	"github.com/miekg/pkcs11"
)

// LibraryInfo describes the loaded provider library
type LibraryInfo struct {
	Description     string
	Manufacturer    string
	Version         string
	CryptokiVersion string
}

// Tags returns the library fields of the scan tree
func (i *LibraryInfo) Tags() Tree {
	return Tree{
		"libraryDescription": i.Description,
		"manufacturerID":     i.Manufacturer,
		"libraryVersion":     i.Version,
		"cryptokiVersion":    i.CryptokiVersion,
	}
}

// SlotInfo describes a slot at the time it was read.
// It is not cached: every poll produces a new value.
type SlotInfo struct {
	ID              uint   `json:"slot_id"`
	Description     string `json:"description"`
	Manufacturer    string `json:"manufacturer"`
	HardwareVersion string `json:"hardware_version"`
	FirmwareVersion string `json:"firmware_version"`
	Hardware        bool   `json:"hardware"`
	Removable       bool   `json:"removable"`
	TokenPresent    bool   `json:"token_present"`
}

// Tags returns the slot fields of the scan tree
func (i *SlotInfo) Tags() Tree {
	return Tree{
		"slotID":          i.ID,
		"slotDescription": i.Description,
		"manufacturerID":  i.Manufacturer,
		"hardwareVersion": i.HardwareVersion,
		"firmwareVersion": i.FirmwareVersion,
		FieldHardware:     i.Hardware,
		"removable":       i.Removable,
		"tokenPresent":    i.TokenPresent,
	}
}

// TokenInfo describes a token present in a slot.
// It is stale once the token is removed.
type TokenInfo struct {
	Label             string
	Manufacturer      string
	Model             string
	Serial            string
	LoginRequired     bool
	ProtectedAuthPath bool
	Initialized       bool
	MinPinLen         uint
	MaxPinLen         uint
}

// Tags returns the token fields of the scan tree
func (i *TokenInfo) Tags() Tree {
	return Tree{
		FieldLabel:       i.Label,
		"manufacturerID": i.Manufacturer,
		"model":          i.Model,
		"serialNumber":   i.Serial,
		"login_required": i.LoginRequired,
		"protected_path": i.ProtectedAuthPath,
		"initialized":    i.Initialized,
		"min_pin_length": i.MinPinLen,
		"max_pin_length": i.MaxPinLen,
	}
}

// MechanismInfo describes a mechanism supported by a token
type MechanismInfo struct {
	Type       uint
	Name       string
	MinKeySize uint
	MaxKeySize uint
	Flags      []string
}

// Tags returns the capability fields of the mechanism
func (i *MechanismInfo) Tags() Tree {
	return Tree{
		"min_key_size": i.MinKeySize,
		"max_key_size": i.MaxKeySize,
		"flags":        append([]string{}, i.Flags...),
	}
}

// KeyRecord describes an object found on a token.
// ID is unique within one token only, and joins the private key,
// public key and certificate of one key pair.
type KeyRecord struct {
	Class   string
	Type    string
	Label   string
	ID      []byte
	KeyType string
	Curve   string
	Usage   keyusage.Usage
}

// Tags returns the object fields of the scan tree
func (r *KeyRecord) Tags() Tree {
	t := Tree{
		"object":   r.Class,
		"type":     r.Type,
		FieldLabel: r.Label,
		"id":       r.ID,
	}
	if r.KeyType != "" {
		t["key_type"] = r.KeyType
	}
	if r.Curve != "" {
		t["curve"] = r.Curve
	}
	if r.Usage != nil {
		t[FieldKeyUsage] = map[string]bool(r.Usage)
	}
	return t
}

// CertificateRecord describes a certificate and the key pair it belongs to
type CertificateRecord struct {
	KeyRecord

	KeyID     []byte
	KeyLabel  string
	Subject   string
	Issuer    string
	Serial    string
	NotBefore time.Time
	NotAfter  time.Time
	// Raw is the DER encoded certificate, set only when requested
	Raw []byte
}

// Tags returns the certificate fields of the scan tree
func (r *CertificateRecord) Tags() Tree {
	t := r.KeyRecord.Tags()
	t["key_id"] = r.KeyID
	t["key_label"] = r.KeyLabel
	if r.Subject != "" || r.Issuer != "" {
		t["subject"] = r.Subject
		t["issuer"] = r.Issuer
		t["serial"] = r.Serial
		t["not_before"] = r.NotBefore.UTC().Format(time.RFC3339)
		t["not_after"] = r.NotAfter.UTC().Format(time.RFC3339)
	}
	if r.Raw != nil {
		t["certificate"] = r.Raw
	}
	return t
}

func versionString(v pkcs11.Version) string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}
