package cli

import (
	"bytes"
	"crypto/x509"

	"github.com/alecthomas/kong"
	"github.com/effective-security/p11scan/internal/p11test"
	"github.com/effective-security/p11scan/p11"
	"github.com/effective-security/x/ctl"
	"github.com/miekg/pkcs11"
	"github.com/stretchr/testify/suite"
)

type testSuite struct {
	suite.Suite

	ctl *Cli
	mod *p11test.Module
	// Out is the output buffer
	Out bytes.Buffer
	// loaded is the module path passed to the loader
	loaded string
}

func (s *testSuite) SetupTest() {
	s.Out.Reset()
	s.mod = s.newModule()
	s.loaded = ""

	s.ctl = &Cli{}
	s.ctl.WithErrWriter(&s.Out).
		WithWriter(&s.Out).
		WithLoader(func(path string) (p11.Module, error) {
			s.loaded = path
			return s.mod, nil
		})

	parser, err := kong.New(s.ctl,
		kong.Name("p11scan"),
		kong.Description("PKCS#11 token scanner and monitor"),
		kong.Writers(&s.Out, &s.Out),
		ctl.BoolPtrMapper,
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.Vars{})
	if err != nil {
		s.FailNow("unexpected error constructing Kong: %+v", err)
	}

	_, err = parser.Parse([]string{"--module=/test/libpkcs11.so", "--pin=1234"})
	if err != nil {
		s.FailNow("unexpected error parsing: %+v", err)
	}
}

func (s *testSuite) newModule() *p11test.Module {
	der, err := p11test.NewCertificate("sig", x509.KeyUsageDigitalSignature)
	s.Require().NoError(err)

	sig := p11test.NewToken("card", "0001",
		p11test.KeyObject(pkcs11.CKO_PRIVATE_KEY, "sig-key", []byte{1}, pkcs11.CKK_EC, pkcs11.CKA_SIGN),
		p11test.KeyObject(pkcs11.CKO_PUBLIC_KEY, "sig-pub", []byte{1}, pkcs11.CKK_EC, pkcs11.CKA_VERIFY),
		p11test.CertObject("sig", []byte{1}, der),
	)
	soft := p11test.NewToken("soft", "0002")

	return p11test.New(
		p11test.HardwareSlot(0, sig),
		p11test.SoftSlot(1, soft),
	)
}

// HasText is a helper method to assert that the out stream contains the supplied
// text somewhere
func (s *testSuite) HasText(texts ...string) {
	outStr := s.Out.String()
	for _, t := range texts {
		s.Contains(outStr, t)
	}
}

// HasNoText is a helper method to assert that the out stream does not contain the supplied
// text
func (s *testSuite) HasNoText(texts ...string) {
	outStr := s.Out.String()
	for _, t := range texts {
		s.NotContains(outStr, t)
	}
}
