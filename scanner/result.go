package scanner

import (
	"encoding/json"
	"iter"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/p11scan/inventory"
)

// ErrTokenNotFound is returned when no token has the requested label
var ErrTokenNotFound = errors.New("token not found")

// Result provides read access to a scan tree.
// The tree is not modified after the Result is created.
type Result struct {
	tree inventory.Tree
}

// NewResult returns Result of the scan tree
func NewResult(tree inventory.Tree) *Result {
	if tree == nil {
		tree = inventory.Tree{}
	}
	return &Result{tree: tree}
}

// HasData returns true if the scan found at least one slot
func (r *Result) HasData() bool {
	return r.Len() > 0
}

// Len returns the number of slots in the result
func (r *Result) Len() int {
	return len(r.slots())
}

// TokenLabels returns labels of all tokens, in slot order
func (r *Result) TokenLabels() iter.Seq[string] {
	return r.labels(func(inventory.Tree, inventory.Tree) bool { return true })
}

// HardwareTokenLabels returns labels of tokens in hardware slots, in slot order
func (r *Result) HardwareTokenLabels() iter.Seq[string] {
	return r.labels(func(slot, token inventory.Tree) bool {
		hw, _ := token[inventory.FieldHWSlot].(bool)
		if !hw {
			hw, _ = slot[inventory.FieldHardware].(bool)
		}
		return hw
	})
}

// HasToken returns true if a token has the label
func (r *Result) HasToken(label string) bool {
	return r.find(label) != nil
}

// Token returns a copy of the token node with the label
func (r *Result) Token(label string) (inventory.Tree, error) {
	token := r.find(label)
	if token == nil {
		return nil, errors.WithMessagef(ErrTokenNotFound, "label %q", label)
	}
	return inventory.Clone(token), nil
}

// Tree returns a copy of the scan tree
func (r *Result) Tree() inventory.Tree {
	return inventory.Clone(r.tree)
}

// MarshalJSON implements json.Marshaler
func (r *Result) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.tree)
}

func (r *Result) labels(match func(slot, token inventory.Tree) bool) iter.Seq[string] {
	return func(yield func(string) bool) {
		for _, slot := range r.slots() {
			token := tokenOf(slot)
			if token == nil || !match(slot, token) {
				continue
			}
			label, ok := token[inventory.FieldLabel].(string)
			if !ok {
				continue
			}
			if !yield(label) {
				return
			}
		}
	}
}

func (r *Result) find(label string) inventory.Tree {
	for _, slot := range r.slots() {
		token := tokenOf(slot)
		if token == nil {
			continue
		}
		if l, ok := token[inventory.FieldLabel].(string); ok && l == label {
			return token
		}
	}
	return nil
}

func (r *Result) slots() []inventory.Tree {
	switch list := r.tree[inventory.FieldSlots].(type) {
	case []inventory.Tree:
		return list
	case []any:
		res := make([]inventory.Tree, 0, len(list))
		for _, item := range list {
			if slot, ok := item.(inventory.Tree); ok {
				res = append(res, slot)
			}
		}
		return res
	}
	return nil
}

func tokenOf(slot inventory.Tree) inventory.Tree {
	token, _ := slot[inventory.FieldToken].(inventory.Tree)
	return token
}
