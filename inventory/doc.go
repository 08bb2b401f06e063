// Package inventory defines the records extracted from a PKCS#11 provider
// and the readers that build them from raw attribute values.
//
// Records are typed. The generic Tree shape, consumed by the URI annotator and
// the scan result facade, is produced only by the Tree and Tags methods.
package inventory
