package p11uri

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/effective-security/p11scan/inventory"
	"github.com/effective-security/p11scan/metricskey"
	"github.com/effective-security/p11scan/scanner"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/p11scan", "p11uri")

// Scheme is the URI scheme of PKCS#11 URIs
const Scheme = "pkcs11:"

// Option configures Annotator
type Option func(*Annotator)

// WithIgnore excludes the contexts from URI paths.
// Nodes of ignored contexts still receive the URI of their ancestors.
func WithIgnore(contexts ...Context) Option {
	return func(a *Annotator) {
		for _, c := range contexts {
			a.ignore[c] = true
		}
	}
}

// WithModulePath adds the module-path query attribute
func WithModulePath(path string) Option {
	return func(a *Annotator) {
		a.modulePath = path
	}
}

// Annotator adds a uri field to every library, slot, token
// and object node of scan trees
type Annotator struct {
	scanner    scanner.TreeScanner
	ignore     map[Context]bool
	modulePath string
}

// New returns Annotator of the trees produced by s.
// s may be nil when the Annotator is only used with Annotate.
func New(s scanner.TreeScanner, opts ...Option) *Annotator {
	a := &Annotator{
		scanner: s,
		ignore:  map[Context]bool{},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Annotate adds URIs to the tree with the default options
func Annotate(tree inventory.Tree, pin string) inventory.Tree {
	return New(nil).Annotate(tree, pin)
}

// ScanTree returns the annotated scan tree.
// A tree returned together with an error is annotated as well.
func (a *Annotator) ScanTree(ctx context.Context, pin string) (inventory.Tree, error) {
	tree, err := a.scanner.ScanTree(ctx, pin)
	if tree != nil {
		a.Annotate(tree, pin)
	}
	return tree, err
}

// Annotate adds URIs to the tree in place, and returns it.
// Existing uri fields are replaced.
func (a *Annotator) Annotate(tree inventory.Tree, pin string) inventory.Tree {
	if tree == nil {
		return nil
	}
	defer metricskey.PerfAnnotate.MeasureSince(time.Now(), "uri")

	a.annotate(tree, ContextInfo, nil, a.query(pin))
	return tree
}

func (a *Annotator) query(pin string) string {
	var list []string
	if pin != "" {
		list = append(list, "pin-value="+escape(pin))
	}
	if a.modulePath != "" {
		list = append(list, "module-path="+escape(a.modulePath))
	}
	if len(list) == 0 {
		return ""
	}
	return "?" + strings.Join(list, ";")
}

func (a *Annotator) annotate(node inventory.Tree, c Context, parent []string, query string) {
	path := parent
	if !a.ignore[c] {
		if own := segments(node, c); len(own) > 0 {
			path = make([]string, 0, len(parent)+len(own))
			path = append(path, parent...)
			path = append(path, own...)
		}
	}

	for key, value := range node {
		if key == inventory.FieldURI {
			continue
		}
		switch v := value.(type) {
		case inventory.Tree:
			a.annotate(v, ContextOf(key), path, query)
		case []any:
			for _, item := range v {
				if child, ok := item.(inventory.Tree); ok {
					a.annotate(child, ContextOf(key), path, query)
				}
			}
		case []inventory.Tree:
			for _, child := range v {
				a.annotate(child, ContextOf(key), path, query)
			}
		}
	}

	if c == ContextUnknown {
		return
	}
	if len(path) == 0 {
		delete(node, inventory.FieldURI)
		logger.KV(xlog.TRACE, "reason", "empty_path", "context", c)
		return
	}
	node[inventory.FieldURI] = Scheme + strings.Join(path, ";") + query
}

// segments returns the path attributes of the node, in table order
func segments(node inventory.Tree, c Context) []string {
	var list []string
	for _, comp := range components[c] {
		value, ok := node[comp.field]
		if !ok {
			continue
		}
		if s, ok := encode(value); ok {
			list = append(list, comp.attr+"="+s)
		}
	}
	return list
}

// encode returns the URI form of a scalar field value
func encode(value any) (string, bool) {
	switch v := value.(type) {
	case []byte:
		return "%" + hex.EncodeToString(v), true
	case string:
		return escape(v), true
	case bool, int, int64, uint, uint64, uint32:
		return escape(fmt.Sprint(v)), true
	}
	return "", false
}

// escape percent-encodes every byte other than unreserved characters and '/'
func escape(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if unreserved(c) {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "%%%02X", c)
	}
	return b.String()
}

func unreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	switch c {
	case '-', '.', '_', '~', '/':
		return true
	}
	return false
}
