// Package p11test provides an in-memory PKCS#11 module for tests.
package p11test

import (
	"bytes"
	"sort"
	"strconv"
	"sync"

	"github.com/effective-security/p11scan/p11"
	"github.com/miekg/pkcs11"
)

// Object is a token object
type Object struct {
	Class   uint
	Label   string
	ID      []byte
	KeyType uint
	// Attrs holds additional attribute values, such as CKA_VALUE or CKA_SIGN
	Attrs map[uint][]byte
}

// Token is a token inserted in a slot
type Token struct {
	Label        string
	Manufacturer string
	Model        string
	Serial       string
	// Flags are CKF_ token flags, CKF_TOKEN_INITIALIZED is not implied
	Flags      uint
	MinPinLen  uint
	MaxPinLen  uint
	PIN        string
	Objects    []*Object
	Mechanisms map[uint]pkcs11.MechanismInfo
}

// Slot is a reader slot
type Slot struct {
	ID           uint
	Description  string
	Manufacturer string
	// Flags are CKF_ slot flags, CKF_TOKEN_PRESENT is derived from Token
	Flags uint
	Token *Token
}

type session struct {
	slotID   uint
	loggedIn bool
	found    []pkcs11.ObjectHandle
	finding  bool
}

// Module is an in-memory p11.Module
type Module struct {
	Info pkcs11.Info

	// OnWait overrides WaitSlotEvent when set
	OnWait func(nonBlocking bool) (uint, error)

	lock     sync.Mutex
	slots    []*Slot
	sessions map[pkcs11.SessionHandle]*session
	handles  map[pkcs11.ObjectHandle]*Object
	errs     map[string]error
	next     uint
	watch    func(nonBlocking bool) (uint, error)
	closed   bool

	logins  int
	logouts int
	opened  int
	calls   map[string]int
}

// Ensure compiles
var _ p11.Module = (*Module)(nil)

// New returns a module with the given slots
func New(slots ...*Slot) *Module {
	m := &Module{
		Info: pkcs11.Info{
			ManufacturerID:     "Test Manufacturer",
			LibraryDescription: "Test PKCS#11 Library",
			CryptokiVersion:    pkcs11.Version{Major: 2, Minor: 40},
			LibraryVersion:     pkcs11.Version{Major: 1, Minor: 2},
		},
		slots:    slots,
		sessions: make(map[pkcs11.SessionHandle]*session),
		handles:  make(map[pkcs11.ObjectHandle]*Object),
		errs:     make(map[string]error),
		calls:    make(map[string]int),
	}
	m.watch = p11.NewSlotWatcher(m)
	return m
}

// SetError makes every call to method fail with err.
// The key is either the method name, or "Method:slotID" to fail
// calls on one slot only. A nil err removes the injection.
func (m *Module) SetError(key string, err error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if err == nil {
		delete(m.errs, key)
		return
	}
	m.errs[key] = err
}

// InsertToken puts a token in the slot
func (m *Module) InsertToken(slotID uint, t *Token) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if s := m.slot(slotID); s != nil {
		s.Token = t
	}
}

// RemoveToken takes the token out of the slot and invalidates its sessions
func (m *Module) RemoveToken(slotID uint) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if s := m.slot(slotID); s != nil {
		s.Token = nil
	}
	for h, s := range m.sessions {
		if s.slotID == slotID {
			delete(m.sessions, h)
		}
	}
}

// OpenSessions returns the number of sessions not yet closed
func (m *Module) OpenSessions() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return len(m.sessions)
}

// SessionsOpened returns the number of sessions ever opened
func (m *Module) SessionsOpened() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.opened
}

// Logins returns the number of successful logins and logouts
func (m *Module) Logins() (logins, logouts int) {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.logins, m.logouts
}

// Calls returns the number of calls made to method
func (m *Module) Calls(method string) int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.calls[method]
}

// Closed returns true after Close
func (m *Module) Closed() bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.closed
}

func (m *Module) slot(slotID uint) *Slot {
	for _, s := range m.slots {
		if s.ID == slotID {
			return s
		}
	}
	return nil
}

func (m *Module) check(method string, slotID uint, hasSlot bool) error {
	m.calls[method]++
	if hasSlot {
		if err, ok := m.errs[method+":"+strconv.FormatUint(uint64(slotID), 10)]; ok {
			return err
		}
	}
	return m.errs[method]
}

func (m *Module) token(slotID uint) (*Token, error) {
	s := m.slot(slotID)
	if s == nil {
		return nil, pkcs11.Error(pkcs11.CKR_SLOT_ID_INVALID)
	}
	if s.Token == nil {
		return nil, pkcs11.Error(pkcs11.CKR_TOKEN_NOT_PRESENT)
	}
	return s.Token, nil
}

func (m *Module) session(sh pkcs11.SessionHandle) (*session, error) {
	s, ok := m.sessions[sh]
	if !ok {
		return nil, pkcs11.Error(pkcs11.CKR_SESSION_HANDLE_INVALID)
	}
	return s, nil
}

// Path returns a fixed module location
func (m *Module) Path() string {
	return "p11test"
}

// WaitSlotEvent reports token presence changes
func (m *Module) WaitSlotEvent(nonBlocking bool) (uint, error) {
	if m.OnWait != nil {
		return m.OnWait(nonBlocking)
	}
	return m.watch(nonBlocking)
}

// Close marks the module closed
func (m *Module) Close() error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.closed = true
	return m.errs["Close"]
}

// GetInfo returns the library information
func (m *Module) GetInfo() (pkcs11.Info, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if err := m.check("GetInfo", 0, false); err != nil {
		return pkcs11.Info{}, err
	}
	return m.Info, nil
}

// GetSlotList returns slot IDs
func (m *Module) GetSlotList(tokenPresent bool) ([]uint, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if err := m.check("GetSlotList", 0, false); err != nil {
		return nil, err
	}
	var list []uint
	for _, s := range m.slots {
		if !tokenPresent || s.Token != nil {
			list = append(list, s.ID)
		}
	}
	return list, nil
}

// GetSlotInfo returns the slot information
func (m *Module) GetSlotInfo(slotID uint) (pkcs11.SlotInfo, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if err := m.check("GetSlotInfo", slotID, true); err != nil {
		return pkcs11.SlotInfo{}, err
	}
	s := m.slot(slotID)
	if s == nil {
		return pkcs11.SlotInfo{}, pkcs11.Error(pkcs11.CKR_SLOT_ID_INVALID)
	}
	flags := s.Flags &^ pkcs11.CKF_TOKEN_PRESENT
	if s.Token != nil {
		flags |= pkcs11.CKF_TOKEN_PRESENT
	}
	return pkcs11.SlotInfo{
		SlotDescription: s.Description,
		ManufacturerID:  s.Manufacturer,
		Flags:           flags,
		HardwareVersion: pkcs11.Version{Major: 1},
		FirmwareVersion: pkcs11.Version{Major: 2, Minor: 1},
	}, nil
}

// GetTokenInfo returns the token information
func (m *Module) GetTokenInfo(slotID uint) (pkcs11.TokenInfo, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if err := m.check("GetTokenInfo", slotID, true); err != nil {
		return pkcs11.TokenInfo{}, err
	}
	t, err := m.token(slotID)
	if err != nil {
		return pkcs11.TokenInfo{}, err
	}
	return pkcs11.TokenInfo{
		Label:          t.Label,
		ManufacturerID: t.Manufacturer,
		Model:          t.Model,
		SerialNumber:   t.Serial,
		Flags:          t.Flags,
		MinPinLen:      t.MinPinLen,
		MaxPinLen:      t.MaxPinLen,
	}, nil
}

// GetMechanismList returns the token mechanisms ordered by type
func (m *Module) GetMechanismList(slotID uint) ([]*pkcs11.Mechanism, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if err := m.check("GetMechanismList", slotID, true); err != nil {
		return nil, err
	}
	t, err := m.token(slotID)
	if err != nil {
		return nil, err
	}
	types := make([]uint, 0, len(t.Mechanisms))
	for typ := range t.Mechanisms {
		types = append(types, typ)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	list := make([]*pkcs11.Mechanism, len(types))
	for i, typ := range types {
		list[i] = pkcs11.NewMechanism(typ, nil)
	}
	return list, nil
}

// GetMechanismInfo returns the mechanism capabilities
func (m *Module) GetMechanismInfo(slotID uint, mech []*pkcs11.Mechanism) (pkcs11.MechanismInfo, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if err := m.check("GetMechanismInfo", slotID, true); err != nil {
		return pkcs11.MechanismInfo{}, err
	}
	t, err := m.token(slotID)
	if err != nil {
		return pkcs11.MechanismInfo{}, err
	}
	if len(mech) == 0 {
		return pkcs11.MechanismInfo{}, pkcs11.Error(pkcs11.CKR_ARGUMENTS_BAD)
	}
	info, ok := t.Mechanisms[mech[0].Mechanism]
	if !ok {
		return pkcs11.MechanismInfo{}, pkcs11.Error(pkcs11.CKR_MECHANISM_INVALID)
	}
	return info, nil
}

// OpenSession opens a session on a slot with a token
func (m *Module) OpenSession(slotID uint, flags uint) (pkcs11.SessionHandle, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if err := m.check("OpenSession", slotID, true); err != nil {
		return 0, err
	}
	if _, err := m.token(slotID); err != nil {
		return 0, err
	}
	m.next++
	h := pkcs11.SessionHandle(m.next)
	m.sessions[h] = &session{slotID: slotID}
	m.opened++
	return h, nil
}

// CloseSession closes a session
func (m *Module) CloseSession(sh pkcs11.SessionHandle) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if err := m.check("CloseSession", 0, false); err != nil {
		return err
	}
	if _, err := m.session(sh); err != nil {
		return err
	}
	delete(m.sessions, sh)
	return nil
}

// Login authenticates the session with the token PIN
func (m *Module) Login(sh pkcs11.SessionHandle, userType uint, pin string) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	s, err := m.session(sh)
	if err != nil {
		return err
	}
	if err := m.check("Login", s.slotID, true); err != nil {
		return err
	}
	t, err := m.token(s.slotID)
	if err != nil {
		return err
	}
	if t.PIN != pin {
		return pkcs11.Error(pkcs11.CKR_PIN_INCORRECT)
	}
	s.loggedIn = true
	m.logins++
	return nil
}

// Logout ends the authenticated state of the session
func (m *Module) Logout(sh pkcs11.SessionHandle) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	s, err := m.session(sh)
	if err != nil {
		return err
	}
	if !s.loggedIn {
		return pkcs11.Error(pkcs11.CKR_USER_NOT_LOGGED_IN)
	}
	s.loggedIn = false
	m.logouts++
	return nil
}

// FindObjectsInit starts a search for objects matching the template
func (m *Module) FindObjectsInit(sh pkcs11.SessionHandle, temp []*pkcs11.Attribute) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	s, err := m.session(sh)
	if err != nil {
		return err
	}
	if err := m.check("FindObjectsInit", s.slotID, true); err != nil {
		return err
	}
	if s.finding {
		return pkcs11.Error(pkcs11.CKR_OPERATION_ACTIVE)
	}
	t, err := m.token(s.slotID)
	if err != nil {
		return err
	}

	s.found = nil
	for idx, obj := range t.Objects {
		if obj.Attrs[pkcs11.CKA_PRIVATE] != nil && p11.BytesToBool(obj.Attrs[pkcs11.CKA_PRIVATE]) && !s.loggedIn {
			continue
		}
		if matches(obj, temp) {
			h := pkcs11.ObjectHandle(s.slotID<<16 | uint(idx+1))
			m.handles[h] = obj
			s.found = append(s.found, h)
		}
	}
	s.finding = true
	return nil
}

// FindObjects returns the next batch of found objects
func (m *Module) FindObjects(sh pkcs11.SessionHandle, max int) ([]pkcs11.ObjectHandle, bool, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	s, err := m.session(sh)
	if err != nil {
		return nil, false, err
	}
	if err := m.check("FindObjects", s.slotID, true); err != nil {
		return nil, false, err
	}
	if !s.finding {
		return nil, false, pkcs11.Error(pkcs11.CKR_OPERATION_NOT_INITIALIZED)
	}
	n := len(s.found)
	if n > max {
		n = max
	}
	res := s.found[:n]
	s.found = s.found[n:]
	return res, len(s.found) > 0, nil
}

// FindObjectsFinal ends the search
func (m *Module) FindObjectsFinal(sh pkcs11.SessionHandle) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	s, err := m.session(sh)
	if err != nil {
		return err
	}
	s.finding = false
	s.found = nil
	return nil
}

// GetAttributeValue returns the requested attributes of an object
func (m *Module) GetAttributeValue(sh pkcs11.SessionHandle, o pkcs11.ObjectHandle, a []*pkcs11.Attribute) ([]*pkcs11.Attribute, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	s, err := m.session(sh)
	if err != nil {
		return nil, err
	}
	if err := m.check("GetAttributeValue", s.slotID, true); err != nil {
		return nil, err
	}
	obj, ok := m.handles[o]
	if !ok {
		return nil, pkcs11.Error(pkcs11.CKR_OBJECT_HANDLE_INVALID)
	}

	res := make([]*pkcs11.Attribute, len(a))
	for i, attr := range a {
		val, ok := valueOf(obj, attr.Type)
		if !ok {
			return nil, pkcs11.Error(pkcs11.CKR_ATTRIBUTE_TYPE_INVALID)
		}
		res[i] = &pkcs11.Attribute{Type: attr.Type, Value: val}
	}
	return res, nil
}

func valueOf(obj *Object, typ uint) ([]byte, bool) {
	switch typ {
	case pkcs11.CKA_CLASS:
		return ulong(obj.Class), true
	case pkcs11.CKA_LABEL:
		return []byte(obj.Label), true
	case pkcs11.CKA_ID:
		return obj.ID, true
	case pkcs11.CKA_KEY_TYPE:
		switch obj.Class {
		case pkcs11.CKO_PRIVATE_KEY, pkcs11.CKO_PUBLIC_KEY, pkcs11.CKO_SECRET_KEY:
			return ulong(obj.KeyType), true
		}
		return nil, false
	}
	val, ok := obj.Attrs[typ]
	return val, ok
}

func matches(obj *Object, temp []*pkcs11.Attribute) bool {
	for _, attr := range temp {
		val, ok := valueOf(obj, attr.Type)
		if !ok || !bytes.Equal(val, attr.Value) {
			return false
		}
	}
	return true
}

func ulong(v uint) []byte {
	return pkcs11.NewAttribute(0, v).Value
}
