package scanner

import (
	"bytes"
	"context"
	"crypto/x509"

	"github.com/effective-security/p11scan/inventory"
	"github.com/effective-security/p11scan/keyusage"
	"github.com/effective-security/p11scan/p11"
	"github.com/effective-security/xlog"
	"github.com/miekg/pkcs11"
)

// Certificate reports tokens holding certificates that conform
// to the key usage policy, grouped by the key pair they belong to.
// Tokens without such certificates are omitted.
type Certificate struct {
	walker
	opts Options
}

// NewCertificate returns Certificate scanner
func NewCertificate(lib p11.Ctx, opts Options) *Certificate {
	return &Certificate{
		walker: walker{lib: lib, name: string(KindCertificate)},
		opts:   opts,
	}
}

// NewCertificateFromPath loads the provider library and returns Certificate scanner.
// The caller must close the returned library.
func NewCertificateFromPath(path string, opts Options) (*Certificate, *p11.Library, error) {
	lib, err := load(path)
	if err != nil {
		return nil, nil, err
	}
	return NewCertificate(lib, opts), lib, nil
}

// Scan returns the inventory of the library
func (s *Certificate) Scan(ctx context.Context, pin string) (*inventory.Inventory, error) {
	return s.walk(ctx, false, func(slotID uint, ti *inventory.TokenInfo, login bool) (*inventory.Slot, error) {
		return s.scanSlot(slotID, ti, login, pin)
	})
}

// ScanTree returns the generic scan tree of the library
func (s *Certificate) ScanTree(ctx context.Context, pin string) (inventory.Tree, error) {
	return Tree(ctx, s, pin)
}

func (s *Certificate) scanSlot(slotID uint, ti *inventory.TokenInfo, login bool, pin string) (*inventory.Slot, error) {
	var certs []inventory.CertificateRecord
	err := p11.WithSession(s.lib, slotID, login, pin, func(sess *p11.Session) error {
		all, err := readCertificates(sess, s.opts.IncludeCertificate)
		if err != nil {
			return err
		}
		for _, c := range all {
			if keyusage.Conforms(s.opts.Filter, c.Usage) {
				certs = append(certs, c)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(certs) == 0 {
		logger.KV(xlog.DEBUG, "reason", "no_certificates", "slot", slotID, "token", ti.Label)
		return nil, nil
	}

	mechs, err := inventory.ReadMechanisms(s.lib, slotID)
	if err != nil {
		return nil, err
	}

	return &inventory.Slot{
		Token: inventory.Token{
			Info:         *ti,
			Compact:      true,
			Mechanisms:   mechs,
			Certificates: certs,
		},
	}, nil
}

type certGroup struct {
	keyID    []byte
	keyLabel string
	certs    []inventory.CertificateRecord
}

// readCertificates returns the parsed certificates of the token,
// grouped by key ID and key label in the order the groups were found.
// Certificates without value or with value that can not be parsed are skipped.
func readCertificates(s *p11.Session, includeRaw bool) ([]inventory.CertificateRecord, error) {
	keyLabels, err := privateKeyLabels(s)
	if err != nil {
		return nil, err
	}

	handles, err := s.FindClass(pkcs11.CKO_CERTIFICATE)
	if err != nil {
		return nil, err
	}

	var groups []*certGroup
	for _, h := range handles {
		rec, err := inventory.ReadKey(s, h, p11.ClassCertificate)
		if err != nil {
			return nil, err
		}
		der, ok := s.Attribute(h, pkcs11.CKA_VALUE)
		if !ok || len(der) == 0 {
			logger.KV(xlog.DEBUG, "reason", "no_value", "slot", s.SlotID(), "label", rec.Label)
			continue
		}
		crt, err := x509.ParseCertificate(der)
		if err != nil {
			logger.KV(xlog.WARNING, "reason", "parse", "slot", s.SlotID(), "label", rec.Label, "err", err.Error())
			continue
		}

		rec.Usage = keyusage.FromCertificate(crt)
		keyLabel, ok := keyLabels[string(rec.ID)]
		if !ok {
			keyLabel = rec.Label
		}
		cr := inventory.CertificateRecord{
			KeyRecord: *rec,
			KeyID:     rec.ID,
			KeyLabel:  keyLabel,
			Subject:   crt.Subject.String(),
			Issuer:    crt.Issuer.String(),
			Serial:    crt.SerialNumber.Text(16),
			NotBefore: crt.NotBefore,
			NotAfter:  crt.NotAfter,
		}
		if includeRaw {
			cr.Raw = append([]byte{}, der...)
		}

		var group *certGroup
		for _, g := range groups {
			if g.keyLabel == keyLabel && bytes.Equal(g.keyID, rec.ID) {
				group = g
				break
			}
		}
		if group == nil {
			group = &certGroup{keyID: rec.ID, keyLabel: keyLabel}
			groups = append(groups, group)
		}
		group.certs = append(group.certs, cr)
	}

	list := []inventory.CertificateRecord{}
	for _, g := range groups {
		list = append(list, g.certs...)
	}
	return list, nil
}

// privateKeyLabels returns labels of the private keys visible
// in the session, by key ID
func privateKeyLabels(s *p11.Session) (map[string]string, error) {
	handles, err := s.FindClass(pkcs11.CKO_PRIVATE_KEY)
	if err != nil {
		return nil, err
	}
	labels := make(map[string]string, len(handles))
	for _, h := range handles {
		attrs, err := s.Attributes(h, pkcs11.CKA_LABEL, pkcs11.CKA_ID)
		if err != nil {
			return nil, err
		}
		id := string(attrs[1].Value)
		if _, ok := labels[id]; !ok {
			labels[id] = string(attrs[0].Value)
		}
	}
	return labels, nil
}
