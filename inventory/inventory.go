package inventory

// Token is the content of a token as enumerated by a scanner
type Token struct {
	Info TokenInfo
	// Compact limits the token fields to the label and login policy
	Compact bool
	// HWSlot and Removable copy the slot flags into the token, when set
	HWSlot    *bool
	Removable *bool

	Mechanisms []MechanismInfo
	// nil lists are omitted from the tree, empty lists are kept
	PrivateKeys  []KeyRecord
	PublicKeys   []KeyRecord
	Certificates []CertificateRecord
}

// Tree returns the token node of the scan tree
func (t *Token) Tree() Tree {
	var node Tree
	if t.Compact {
		node = Tree{
			FieldLabel:             t.Info.Label,
			"token_login_required": t.Info.LoginRequired,
			"token_protected_path": t.Info.ProtectedAuthPath,
		}
	} else {
		node = t.Info.Tags()
	}
	if t.HWSlot != nil {
		node[FieldHWSlot] = *t.HWSlot
	}
	if t.Removable != nil {
		node[FieldRemovable] = *t.Removable
	}

	mechs := Tree{}
	for _, m := range t.Mechanisms {
		mechs[m.Name] = m.Tags()
	}
	node[FieldMechanisms] = mechs

	if t.PrivateKeys != nil {
		node[FieldPrivateKeys] = keyList(t.PrivateKeys)
	}
	if t.PublicKeys != nil {
		node[FieldPublicKeys] = keyList(t.PublicKeys)
	}
	if t.Certificates != nil {
		list := make([]any, len(t.Certificates))
		for i := range t.Certificates {
			list[i] = t.Certificates[i].Tags()
		}
		node[FieldCertificates] = list
	}
	return node
}

func keyList(keys []KeyRecord) []any {
	list := make([]any, len(keys))
	for i := range keys {
		list[i] = keys[i].Tags()
	}
	return list
}

// Slot is a slot holding an initialized token
type Slot struct {
	// Info is nil for scanners that omit slot metadata
	Info  *SlotInfo
	Token Token
}

// Tree returns the slot node of the scan tree
func (s *Slot) Tree() Tree {
	node := Tree{}
	if s.Info != nil {
		node = s.Info.Tags()
	}
	node[FieldToken] = s.Token.Tree()
	return node
}

// Inventory is the result of one scan. It is built fresh on every scan.
type Inventory struct {
	// Library is nil for scanners that omit library metadata
	Library *LibraryInfo
	Slots   []Slot
}

// Tree returns the generic scan tree
func (inv *Inventory) Tree() Tree {
	root := Tree{}
	if inv == nil {
		return root
	}
	if inv.Library != nil {
		root = inv.Library.Tags()
	}
	slots := make([]any, len(inv.Slots))
	for i := range inv.Slots {
		slots[i] = inv.Slots[i].Tree()
	}
	root[FieldSlots] = slots
	return root
}
