package inventory

// Tree is the generic nested shape of a scan: maps keyed by field name,
// lists of maps, and scalar values (string, bool, uint, []byte, []string)
type Tree = map[string]any

// Field names of the scan tree
const (
	FieldSlots        = "slots"
	FieldToken        = "token"
	FieldMechanisms   = "mechanisms"
	FieldPrivateKeys  = "private keys"
	FieldPublicKeys   = "public keys"
	FieldCertificates = "certificates"
	FieldLabel        = "label"
	FieldURI          = "uri"
	FieldHWSlot       = "HW_slot"
	FieldRemovable    = "removable_slot"
	FieldHardware     = "hardware"
	FieldKeyUsage     = "key_usage"
)

// Clone returns a deep copy of the tree
func Clone(t Tree) Tree {
	if t == nil {
		return nil
	}
	return cloneValue(t).(Tree)
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(val))
		for k, item := range val {
			m[k] = cloneValue(item)
		}
		return m
	case map[string]bool:
		m := make(map[string]bool, len(val))
		for k, item := range val {
			m[k] = item
		}
		return m
	case []any:
		l := make([]any, len(val))
		for i, item := range val {
			l[i] = cloneValue(item)
		}
		return l
	case []string:
		return append([]string(nil), val...)
	case []byte:
		return append([]byte(nil), val...)
	}
	return v
}
