package p11

import "github.com/miekg/pkcs11"

// Ctx is the subset of github.com/miekg/pkcs11.Ctx required to
// inventory slots, tokens and objects
type Ctx interface {
	GetInfo() (pkcs11.Info, error)
	GetSlotList(tokenPresent bool) ([]uint, error)
	GetSlotInfo(slotID uint) (pkcs11.SlotInfo, error)
	GetTokenInfo(slotID uint) (pkcs11.TokenInfo, error)
	GetMechanismList(slotID uint) ([]*pkcs11.Mechanism, error)
	GetMechanismInfo(slotID uint, m []*pkcs11.Mechanism) (pkcs11.MechanismInfo, error)
	OpenSession(slotID uint, flags uint) (pkcs11.SessionHandle, error)
	CloseSession(sh pkcs11.SessionHandle) error
	Login(sh pkcs11.SessionHandle, userType uint, pin string) error
	Logout(sh pkcs11.SessionHandle) error
	FindObjectsInit(sh pkcs11.SessionHandle, temp []*pkcs11.Attribute) error
	FindObjects(sh pkcs11.SessionHandle, max int) ([]pkcs11.ObjectHandle, bool, error)
	FindObjectsFinal(sh pkcs11.SessionHandle) error
	GetAttributeValue(sh pkcs11.SessionHandle, o pkcs11.ObjectHandle, a []*pkcs11.Attribute) ([]*pkcs11.Attribute, error)
}

// Module is a loaded provider library.
// A Module is not safe for concurrent use: exactly one caller may
// be inside a provider call at a time.
type Module interface {
	Ctx

	// Path returns the location of the loaded library
	Path() string
	// WaitSlotEvent returns the ID of the next slot whose token presence changed.
	// With nonBlocking set, it returns an error with CKR_NO_EVENT status
	// when no change is pending.
	WaitSlotEvent(nonBlocking bool) (uint, error)
	// Close finalizes the library
	Close() error
}

// Ensure compiles
var _ Ctx = (*pkcs11.Ctx)(nil)
var _ Module = (*Library)(nil)
