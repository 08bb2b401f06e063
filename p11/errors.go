package p11

import (
	"github.com/cockroachdb/errors"
	"github.com/miekg/pkcs11"
)

var (
	// ErrNoEvent is returned by a non-blocking WaitSlotEvent when no slot changed
	ErrNoEvent = pkcs11.Error(pkcs11.CKR_NO_EVENT)
	// ErrModuleNotFound is returned when no provider library could be located
	ErrModuleNotFound = errors.New("PKCS#11 module not found")
)

// Code returns the PKCS#11 status code carried by err
func Code(err error) (uint, bool) {
	var perr pkcs11.Error
	if errors.As(err, &perr) {
		return uint(perr), true
	}
	return 0, false
}

// IsProviderError returns true if err originates from the provider library
func IsProviderError(err error) bool {
	_, ok := Code(err)
	return ok
}

// IsNoEvent returns true if err reports that no slot event is available
func IsNoEvent(err error) bool {
	code, ok := Code(err)
	return ok && code == pkcs11.CKR_NO_EVENT
}

// IsTokenRemoved returns true if err reports that the token left its slot
func IsTokenRemoved(err error) bool {
	code, ok := Code(err)
	if !ok {
		return false
	}
	switch code {
	case pkcs11.CKR_TOKEN_NOT_PRESENT,
		pkcs11.CKR_DEVICE_REMOVED,
		pkcs11.CKR_TOKEN_NOT_RECOGNIZED:
		return true
	}
	return false
}
