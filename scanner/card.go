package scanner

import (
	"context"

	"github.com/effective-security/p11scan/inventory"
	"github.com/effective-security/p11scan/p11"
)

// Card reports the library and every slot with an initialized token, the token
// with its slot flags, its certificates and supported mechanisms
type Card struct {
	walker
	opts Options
}

// NewCard returns Card scanner
func NewCard(lib p11.Ctx, opts Options) *Card {
	return &Card{
		walker: walker{lib: lib, name: string(KindCard)},
		opts:   opts,
	}
}

// NewCardFromPath loads the provider library and returns Card scanner.
// The caller must close the returned library.
func NewCardFromPath(path string, opts Options) (*Card, *p11.Library, error) {
	lib, err := load(path)
	if err != nil {
		return nil, nil, err
	}
	return NewCard(lib, opts), lib, nil
}

// Scan returns the inventory of the library
func (s *Card) Scan(ctx context.Context, pin string) (*inventory.Inventory, error) {
	return s.walk(ctx, true, func(slotID uint, ti *inventory.TokenInfo, login bool) (*inventory.Slot, error) {
		return s.scanSlot(slotID, ti, login, pin)
	})
}

// ScanTree returns the generic scan tree of the library
func (s *Card) ScanTree(ctx context.Context, pin string) (inventory.Tree, error) {
	return Tree(ctx, s, pin)
}

func (s *Card) scanSlot(slotID uint, ti *inventory.TokenInfo, login bool, pin string) (*inventory.Slot, error) {
	si, err := inventory.ReadSlotInfo(s.lib, slotID)
	if err != nil {
		return nil, err
	}
	mechs, err := inventory.ReadMechanisms(s.lib, slotID)
	if err != nil {
		return nil, err
	}

	hw, removable := si.Hardware, si.Removable
	token := inventory.Token{
		Info:       *ti,
		HWSlot:     &hw,
		Removable:  &removable,
		Mechanisms: mechs,
	}
	err = p11.WithSession(s.lib, slotID, login, pin, func(sess *p11.Session) error {
		certs, err := readCertificates(sess, s.opts.IncludeCertificate)
		if err != nil {
			return err
		}
		if len(certs) > 0 {
			token.Certificates = certs
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
