package scanner

import (
	"context"

	"github.com/effective-security/p11scan/inventory"
	"github.com/effective-security/p11scan/p11"
)

// Basic reports the library, every slot with an initialized token,
// the token objects and the supported mechanisms
type Basic struct {
	walker
}

// NewBasic returns Basic scanner
func NewBasic(lib p11.Ctx) *Basic {
	return &Basic{
		walker: walker{lib: lib, name: string(KindBasic)},
	}
}

// NewBasicFromPath loads the provider library and returns Basic scanner.
// The caller must close the returned library.
func NewBasicFromPath(path string) (*Basic, *p11.Library, error) {
	lib, err := load(path)
	if err != nil {
		return nil, nil, err
	}
	return NewBasic(lib), lib, nil
}

// Scan returns the inventory of the library
func (s *Basic) Scan(ctx context.Context, pin string) (*inventory.Inventory, error) {
	return s.walk(ctx, true, func(slotID uint, ti *inventory.TokenInfo, login bool) (*inventory.Slot, error) {
		return s.scanSlot(slotID, ti, login, pin)
	})
}

// ScanTree returns the generic scan tree of the library
func (s *Basic) ScanTree(ctx context.Context, pin string) (inventory.Tree, error) {
	return Tree(ctx, s, pin)
}

func (s *Basic) scanSlot(slotID uint, ti *inventory.TokenInfo, login bool, pin string) (*inventory.Slot, error) {
	si, err := inventory.ReadSlotInfo(s.lib, slotID)
	if err != nil {
		return nil, err
	}
	mechs, err := inventory.ReadMechanisms(s.lib, slotID)
	if err != nil {
		return nil, err
	}

	token := inventory.Token{
		Info:       *ti,
		Mechanisms: mechs,
	}
	err = p11.WithSession(s.lib, slotID, login, pin, func(sess *p11.Session) error {
		var err error
		if token.PrivateKeys, err = readKeys(sess, p11.ClassPrivate); err != nil {
			return err
		}
		if token.PublicKeys, err = readKeys(sess, p11.ClassPublic); err != nil {
			return err
		}
		certs, err := readKeys(sess, p11.ClassCertificate)
		if err != nil {
			return err
		}
		token.Certificates = make([]inventory.CertificateRecord, len(certs))
		for i := range certs {
			token.Certificates[i] = inventory.CertificateRecord{
				KeyRecord: certs[i],
				KeyID:     certs[i].ID,
				KeyLabel:  certs[i].Label,
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &inventory.Slot{
		Info:  si,
		Token: token,
	}, nil
}
