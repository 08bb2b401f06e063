package p11uri

import (
	"context"
	"crypto/x509"
	"strings"
	"testing"

	"github.com/effective-security/p11scan/internal/p11test"
	"github.com/effective-security/p11scan/inventory"
	"github.com/effective-security/p11scan/scanner"
	"github.com/miekg/pkcs11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newModule(t *testing.T) *p11test.Module {
	der, err := p11test.NewCertificate("sig", x509.KeyUsageDigitalSignature)
	require.NoError(t, err)
	tok := p11test.NewToken("sig token", "0001",
		p11test.KeyObject(pkcs11.CKO_PRIVATE_KEY, "sig", []byte{1}, pkcs11.CKK_EC, pkcs11.CKA_SIGN),
		p11test.CertObject("sig", []byte{1}, der),
	)
	return p11test.New(p11test.HardwareSlot(0, tok))
}

func firstSlot(t *testing.T, tree inventory.Tree) inventory.Tree {
	slots := tree[inventory.FieldSlots].([]any)
	require.NotEmpty(t, slots)
	return slots[0].(inventory.Tree)
}

func TestAnnotator(t *testing.T) {
	mod := newModule(t)
	a := New(scanner.NewBasic(mod))

	tree, err := a.ScanTree(context.Background(), "")
	require.NoError(t, err)

	root := "pkcs11:library-description=Test%20PKCS%2311%20Library;library-manufacturer=Test%20Manufacturer;library-version=1.2"
	assert.Equal(t, root, tree[inventory.FieldURI])

	slot := firstSlot(t, tree)
	slotURI := root + ";slot-manufacturer=Test%20Reader%20Maker;slot-description=Test%20Reader%20A;slot-id=0"
	assert.Equal(t, slotURI, slot[inventory.FieldURI])

	token := slot[inventory.FieldToken].(inventory.Tree)
	tokenURI := slotURI + ";token=sig%20token;manufacturer=Test%20Token%20Maker;model=Model%20T;serial=0001"
	assert.Equal(t, tokenURI, token[inventory.FieldURI])

	certs := token[inventory.FieldCertificates].([]any)
	require.Len(t, certs, 1)
	cert := certs[0].(inventory.Tree)
	assert.Equal(t, "sig", cert[inventory.FieldLabel])
	assert.Equal(t, []byte{1}, cert["id"])
	assert.Equal(t, tokenURI+";object=certificate;id=%01;type=cert", cert[inventory.FieldURI])

	priv := token[inventory.FieldPrivateKeys].([]any)[0].(inventory.Tree)
	assert.Equal(t, tokenURI+";object=private;id=%01;type=private", priv[inventory.FieldURI])

	// nodes without a URI context
	mechs := token[inventory.FieldMechanisms].(inventory.Tree)
	assert.NotContains(t, mechs, inventory.FieldURI)
	ecdsa := mechs["CKM_ECDSA"].(inventory.Tree)
	assert.NotContains(t, ecdsa, inventory.FieldURI)
}

func TestAnnotator_Ordering(t *testing.T) {
	mod := newModule(t)
	tree, err := New(scanner.NewBasic(mod)).ScanTree(context.Background(), "")
	require.NoError(t, err)

	var check func(node inventory.Tree, parent string)
	check = func(node inventory.Tree, parent string) {
		uri, _ := node[inventory.FieldURI].(string)
		if uri != "" {
			assert.True(t, strings.HasPrefix(uri, parent), "%s must start with %s", uri, parent)
			parent = uri
		}
		for _, v := range node {
			switch v := v.(type) {
			case inventory.Tree:
				check(v, parent)
			case []any:
				for _, item := range v {
					if child, ok := item.(inventory.Tree); ok {
						check(child, parent)
					}
				}
			}
		}
	}
	check(tree, "pkcs11:")
}

func TestAnnotator_Idempotent(t *testing.T) {
	mod := newModule(t)
	a := New(scanner.NewCard(mod, scanner.Options{}), WithModulePath("/usr/lib/p11.so"))

	tree, err := a.ScanTree(context.Background(), "1234")
	require.NoError(t, err)
	once := inventory.Clone(tree)

	a.Annotate(tree, "1234")
	assert.Equal(t, once, tree)

	token := firstSlot(t, tree)[inventory.FieldToken].(inventory.Tree)
	uri := token[inventory.FieldURI].(string)
	assert.True(t, strings.HasSuffix(uri, "?pin-value=1234;module-path=/usr/lib/p11.so"), uri)
	assert.True(t, strings.HasPrefix(uri, "pkcs11:library-description=Test%20PKCS%2311%20Library;library-manufacturer=Test%20Manufacturer;library-version=1.2;slot-manufacturer="), uri)
}

func TestAnnotator_Ignore(t *testing.T) {
	mod := newModule(t)
	a := New(scanner.NewBasic(mod), WithIgnore(ContextInfo, ContextSlots))

	tree, err := a.ScanTree(context.Background(), "")
	require.NoError(t, err)
	assert.NotContains(t, tree, inventory.FieldURI)

	slot := firstSlot(t, tree)
	assert.NotContains(t, slot, inventory.FieldURI)

	token := slot[inventory.FieldToken].(inventory.Tree)
	tokenURI := "pkcs11:token=sig%20token;manufacturer=Test%20Token%20Maker;model=Model%20T;serial=0001"
	assert.Equal(t, tokenURI, token[inventory.FieldURI])

	a = New(scanner.NewBasic(mod), WithIgnore(ContextObject))
	tree, err = a.ScanTree(context.Background(), "")
	require.NoError(t, err)
	token = firstSlot(t, tree)[inventory.FieldToken].(inventory.Tree)
	cert := token[inventory.FieldCertificates].([]any)[0].(inventory.Tree)
	assert.Equal(t, token[inventory.FieldURI], cert[inventory.FieldURI])
}

func TestAnnotator_ScanError(t *testing.T) {
	mod := newModule(t)
	mod.SetError("GetSlotList", pkcs11.Error(pkcs11.CKR_GENERAL_ERROR))

	tree, err := New(scanner.NewBasic(mod)).ScanTree(context.Background(), "")
	assert.Error(t, err)
	assert.Nil(t, tree)
}

func TestAnnotate_Shapes(t *testing.T) {
	assert.Nil(t, Annotate(nil, ""))

	tree := inventory.Tree{
		"libraryDescription": 42,
		inventory.FieldURI:   "pkcs11:stale",
		inventory.FieldSlots: []any{
			"not a node",
			inventory.Tree{"slotID": uint(7), "slotDescription": nil},
		},
		"extra": []inventory.Tree{{"label": "x"}},
	}
	Annotate(tree, "a b")

	assert.Equal(t, "pkcs11:library-description=42?pin-value=a%20b", tree[inventory.FieldURI])
	slot := tree[inventory.FieldSlots].([]any)[1].(inventory.Tree)
	assert.Equal(t, "pkcs11:library-description=42;slot-id=7?pin-value=a%20b", slot[inventory.FieldURI])
	assert.NotContains(t, tree["extra"].([]inventory.Tree)[0], inventory.FieldURI)

	empty := inventory.Tree{}
	Annotate(empty, "")
	assert.Empty(t, empty)
}

func TestEscape(t *testing.T) {
	tcases := []struct {
		in  string
		exp string
	}{
		{"", ""},
		{"abc-XYZ_0.9~", "abc-XYZ_0.9~"},
		{"/usr/lib", "/usr/lib"},
		{"a b", "a%20b"},
		{"a;b=c?d&e%", "a%3Bb%3Dc%3Fd%26e%25"},
		{"é", "%C3%A9"},
	}
	for _, tc := range tcases {
		assert.Equal(t, tc.exp, escape(tc.in), tc.in)
	}

	s, ok := encode([]byte{0x01, 0xab})
	assert.True(t, ok)
	assert.Equal(t, "%01ab", s)
	s, ok = encode(true)
	assert.True(t, ok)
	assert.Equal(t, "true", s)
	_, ok = encode(3.14)
	assert.False(t, ok)
	_, ok = encode(nil)
	assert.False(t, ok)
}

func TestContext(t *testing.T) {
	assert.Equal(t, ContextObject, ContextOf(inventory.FieldCertificates))
	assert.Equal(t, ContextObject, ContextOf(inventory.FieldPublicKeys))
	assert.Equal(t, ContextObject, ContextOf(inventory.FieldPrivateKeys))
	assert.Equal(t, ContextSlots, ContextOf(inventory.FieldSlots))
	assert.Equal(t, ContextToken, ContextOf(inventory.FieldToken))
	assert.Equal(t, ContextUnknown, ContextOf(inventory.FieldMechanisms))

	assert.Equal(t, "object", ContextObject.String())
	assert.Equal(t, "Context(42)", Context(42).String())

	list, err := ParseContexts([]string{"info", " Slots "})
	require.NoError(t, err)
	assert.Equal(t, []Context{ContextInfo, ContextSlots}, list)
	_, err = ParseContext("unknown")
	assert.EqualError(t, err, `unsupported URI context: "unknown"`)
}

func TestValidateComponents(t *testing.T) {
	require.NoError(t, validateComponents(components))

	assert.Error(t, validateComponents(map[Context][]component{}))

	bad := map[Context][]component{}
	for c, list := range components {
		bad[c] = list
	}
	bad[ContextObject] = append([]component{{"id", "token"}}, bad[ContextObject]...)
	assert.Error(t, validateComponents(bad))

	bad[ContextObject] = []component{{"id", "id"}, {"id", "id2"}}
	assert.Error(t, validateComponents(bad))

	bad[ContextObject] = []component{{inventory.FieldURI, "uri"}}
	assert.Error(t, validateComponents(bad))
}
