package p11uri

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/p11scan/inventory"
)

// Context identifies the kind of scan tree node that contributes
// path attributes to a URI
type Context int

// Contexts
const (
	ContextUnknown Context = iota
	ContextInfo
	ContextSlots
	ContextToken
	ContextObject
)

var contextNames = map[Context]string{
	ContextUnknown: "unknown",
	ContextInfo:    "info",
	ContextSlots:   "slots",
	ContextToken:   "token",
	ContextObject:  "object",
}

func (c Context) String() string {
	if name, ok := contextNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Context(%d)", int(c))
}

// ParseContext returns the context by name
func ParseContext(name string) (Context, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for c, n := range contextNames {
		if c != ContextUnknown && n == name {
			return c, nil
		}
	}
	return ContextUnknown, errors.Errorf("unsupported URI context: %q", name)
}

// ParseContexts returns the contexts by names
func ParseContexts(names []string) ([]Context, error) {
	var list []Context
	for _, name := range names {
		c, err := ParseContext(name)
		if err != nil {
			return nil, err
		}
		list = append(list, c)
	}
	return list, nil
}

// ContextOf returns the context of nodes stored under the key of the parent node
func ContextOf(key string) Context {
	switch key {
	case inventory.FieldSlots:
		return ContextSlots
	case inventory.FieldToken:
		return ContextToken
	case inventory.FieldCertificates, inventory.FieldPublicKeys, inventory.FieldPrivateKeys:
		return ContextObject
	}
	return ContextUnknown
}

// component maps a scan tree field to a URI path attribute
type component struct {
	field string
	attr  string
}

// components lists the path attributes of each context,
// in the order they appear in a URI
var components = map[Context][]component{
	ContextInfo: {
		{"libraryDescription", "library-description"},
		{"manufacturerID", "library-manufacturer"},
		{"libraryVersion", "library-version"},
	},
	ContextSlots: {
		{"manufacturerID", "slot-manufacturer"},
		{"slotDescription", "slot-description"},
		{"slotID", "slot-id"},
	},
	ContextToken: {
		{inventory.FieldLabel, "token"},
		{"manufacturerID", "manufacturer"},
		{"model", "model"},
		{"serialNumber", "serial"},
	},
	ContextObject: {
		{"object", "object"},
		{"id", "id"},
		{"type", "type"},
	},
}

func init() {
	if err := validateComponents(components); err != nil {
		panic(err)
	}
}

func validateComponents(table map[Context][]component) error {
	attrs := map[string]Context{}
	for c := range contextNames {
		list, ok := table[c]
		if c == ContextUnknown {
			if ok {
				return errors.New("unknown context must not have URI components")
			}
			continue
		}
		if len(list) == 0 {
			return errors.Errorf("no URI components for context %s", c)
		}
		fields := map[string]bool{}
		for _, comp := range list {
			if comp.field == "" || comp.attr == "" {
				return errors.Errorf("empty URI component in context %s", c)
			}
			if comp.field == inventory.FieldURI {
				return errors.Errorf("%s field can not be a URI component", inventory.FieldURI)
			}
			if fields[comp.field] {
				return errors.Errorf("duplicate field %q in context %s", comp.field, c)
			}
			fields[comp.field] = true
			if prev, ok := attrs[comp.attr]; ok {
				return errors.Errorf("URI attribute %q is used by %s and %s", comp.attr, prev, c)
			}
			attrs[comp.attr] = c
		}
	}
	return nil
}
