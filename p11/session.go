package p11

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
	"github.com/miekg/pkcs11"
)

// findBatch is the number of handles requested per C_FindObjects call
const findBatch = 64

// LoginError is returned when the token rejects the supplied PIN
type LoginError struct {
	SlotID uint
	Err    error
}

func (e *LoginError) Error() string {
	return fmt.Sprintf("login failed on slot %d: %v", e.SlotID, e.Err)
}

// Unwrap returns the provider error
func (e *LoginError) Unwrap() error {
	return e.Err
}

// Session is an open serial session on a slot
type Session struct {
	ctx      Ctx
	slotID   uint
	handle   pkcs11.SessionHandle
	loggedIn bool
}

// WithSession opens a serial session on the slot, logs in as CKU_USER when
// login is set and pin is not empty, and calls fn with the session.
// The session is logged out and closed on every return path, including panics.
func WithSession(ctx Ctx, slotID uint, login bool, pin string, fn func(*Session) error) error {
	sh, err := ctx.OpenSession(slotID, pkcs11.CKF_SERIAL_SESSION)
	if err != nil {
		return errors.WithMessagef(err, "OpenSession on slot %d", slotID)
	}

	s := &Session{
		ctx:    ctx,
		slotID: slotID,
		handle: sh,
	}
	defer s.release()

	if login && pin != "" {
		if err = ctx.Login(sh, pkcs11.CKU_USER, pin); err != nil {
			if code, _ := Code(err); code != pkcs11.CKR_USER_ALREADY_LOGGED_IN {
				return errors.WithStack(&LoginError{SlotID: slotID, Err: err})
			}
		} else {
			s.loggedIn = true
		}
	}

	return fn(s)
}

func (s *Session) release() {
	if s.loggedIn {
		if err := s.ctx.Logout(s.handle); err != nil {
			logger.KV(xlog.WARNING, "reason", "logout", "slot", s.slotID, "err", err.Error())
		}
		s.loggedIn = false
	}
	if err := s.ctx.CloseSession(s.handle); err != nil {
		logger.KV(xlog.WARNING, "reason", "close_session", "slot", s.slotID, "err", err.Error())
	}
}

// SlotID returns the slot the session is open on
func (s *Session) SlotID() uint {
	return s.slotID
}

// LoggedIn returns true if the session is authenticated
func (s *Session) LoggedIn() bool {
	return s.loggedIn
}

// FindObjects returns handles of all objects matching the template
func (s *Session) FindObjects(template []*pkcs11.Attribute) ([]pkcs11.ObjectHandle, error) {
	if err := s.ctx.FindObjectsInit(s.handle, template); err != nil {
		return nil, errors.WithMessage(err, "FindObjectsInit")
	}

	var res []pkcs11.ObjectHandle
	var ferr error
	for {
		handles, _, err := s.ctx.FindObjects(s.handle, findBatch)
		if err != nil {
			ferr = errors.WithMessage(err, "FindObjects")
			break
		}
		if len(handles) == 0 {
			break
		}
		res = append(res, handles...)
	}

	if err := s.ctx.FindObjectsFinal(s.handle); err != nil && ferr == nil {
		ferr = errors.WithMessage(err, "FindObjectsFinal")
	}
	if ferr != nil {
		return nil, ferr
	}
	return res, nil
}

// FindClass returns handles of all objects of the CKO_ class
func (s *Session) FindClass(class uint) ([]pkcs11.ObjectHandle, error) {
	return s.FindObjects([]*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, class),
	})
}

// Attributes returns values of the requested attributes, in order.
// It fails if any of the attributes is not available.
func (s *Session) Attributes(obj pkcs11.ObjectHandle, types ...uint) ([]*pkcs11.Attribute, error) {
	template := make([]*pkcs11.Attribute, len(types))
	for i, typ := range types {
		template[i] = pkcs11.NewAttribute(typ, nil)
	}
	attrs, err := s.ctx.GetAttributeValue(s.handle, obj, template)
	if err != nil {
		return nil, errors.WithMessagef(err, "GetAttributeValue on object %d", obj)
	}
	return attrs, nil
}

// Attribute returns the value of a single attribute,
// or false if the object does not expose it
func (s *Session) Attribute(obj pkcs11.ObjectHandle, typ uint) ([]byte, bool) {
	attrs, err := s.Attributes(obj, typ)
	if err != nil || len(attrs) == 0 {
		return nil, false
	}
	return attrs[0].Value, true
}
