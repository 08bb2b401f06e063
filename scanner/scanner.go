package scanner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/p11scan/inventory"
	"github.com/effective-security/p11scan/keyusage"
	"github.com/effective-security/p11scan/metricskey"
	"github.com/effective-security/p11scan/p11"
	"github.com/effective-security/xlog"
	"go.uber.org/multierr"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/p11scan", "scanner")

// Scanner enumerates the tokens of a provider library.
// A non-nil inventory may be returned together with an error
// that aggregates the slots that were skipped.
type Scanner interface {
	Scan(ctx context.Context, pin string) (*inventory.Inventory, error)
}

// TreeScanner produces generic scan trees
type TreeScanner interface {
	ScanTree(ctx context.Context, pin string) (inventory.Tree, error)
}

// Kind names a scan strategy
type Kind string

// Supported strategies
const (
	KindBasic       Kind = "basic"
	KindCard        Kind = "card"
	KindCertificate Kind = "certificate"
)

// ParseKind returns the strategy kind by name
func ParseKind(name string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(name))); k {
	case KindBasic, KindCard, KindCertificate:
		return k, nil
	case "":
		return KindBasic, nil
	case "x509", "cert":
		return KindCertificate, nil
	}
	return "", errors.Errorf("unsupported scanner: %q", name)
}

// Options control the content of scans
type Options struct {
	// Filter is the key usage policy applied by the Certificate scanner
	Filter keyusage.Policy
	// IncludeCertificate adds the DER encoded certificate to certificate records
	IncludeCertificate bool
}

// SlotError describes a failure that caused a slot to be skipped
type SlotError struct {
	SlotID uint
	Op     string
	Err    error
}

func (e *SlotError) Error() string {
	return fmt.Sprintf("slot %d: %s: %v", e.SlotID, e.Op, e.Err)
}

// Unwrap returns the underlying error
func (e *SlotError) Unwrap() error {
	return e.Err
}

// SlotErrors returns the slot errors aggregated in err
func SlotErrors(err error) []*SlotError {
	var list []*SlotError
	for _, e := range multierr.Errors(err) {
		var se *SlotError
		if errors.As(e, &se) {
			list = append(list, se)
		}
	}
	return list
}

// New returns a scanner of the given kind
func New(kind Kind, lib p11.Ctx, opts Options) (Scanner, error) {
	switch kind {
	case KindBasic, "":
		return NewBasic(lib), nil
	case KindCard:
		return NewCard(lib, opts), nil
	case KindCertificate:
		return NewCertificate(lib, opts), nil
	}
	return nil, errors.Errorf("unsupported scanner: %q", kind)
}

// FromModulePath loads the provider library and returns a scanner of the given kind.
// The library is located with p11.Discover when path is empty.
// The caller must close the returned library.
func FromModulePath(path string, kind Kind, opts Options) (Scanner, *p11.Library, error) {
	lib, err := load(path)
	if err != nil {
		return nil, nil, err
	}
	s, err := New(kind, lib, opts)
	if err != nil {
		_ = lib.Close()
		return nil, nil, err
	}
	return s, lib, nil
}

func load(path string) (*p11.Library, error) {
	return p11.Load(path)
}

// Tree returns the generic scan tree of the scanner
func Tree(ctx context.Context, s Scanner, pin string) (inventory.Tree, error) {
	inv, err := s.Scan(ctx, pin)
	if inv == nil {
		return nil, err
	}
	return inv.Tree(), err
}

// TreeOf adapts a Scanner to TreeScanner
func TreeOf(s Scanner) TreeScanner {
	if ts, ok := s.(TreeScanner); ok {
		return ts
	}
	return treeScanner{s}
}

type treeScanner struct {
	Scanner
}

func (s treeScanner) ScanTree(ctx context.Context, pin string) (inventory.Tree, error) {
	return Tree(ctx, s.Scanner, pin)
}

// slotFunc builds the slot record of an initialized token.
// It returns nil slot when the token must be omitted.
type slotFunc func(slotID uint, ti *inventory.TokenInfo, login bool) (*inventory.Slot, error)

type walker struct {
	lib  p11.Ctx
	name string
}

// walk visits every slot with a token present, in the order reported
// by the provider. Failures local to a slot skip the slot.
func (w *walker) walk(ctx context.Context, withLibrary bool, fn slotFunc) (*inventory.Inventory, error) {
	defer metricskey.PerfScan.MeasureSince(time.Now(), w.name)

	inv := &inventory.Inventory{
		Slots: []inventory.Slot{},
	}
	if withLibrary {
		li, err := inventory.ReadLibraryInfo(w.lib)
		if err != nil {
			return nil, err
		}
		inv.Library = li
	}

	slots, err := w.lib.GetSlotList(true)
	if err != nil {
		return nil, errors.WithMessage(err, "GetSlotList")
	}

	var errs error
	// once any token requires login, sessions on all following
	// tokens of the library log in as well
	loginRequired := false
	for _, slotID := range slots {
		if err = ctx.Err(); err != nil {
			return inv, multierr.Append(errs, errors.WithStack(err))
		}

		ti, err := inventory.ReadTokenInfo(w.lib, slotID)
		if err != nil {
			errs = w.skip(errs, slotID, "token_info", err)
			continue
		}
		if ti.LoginRequired {
			loginRequired = true
		}
		if !ti.Initialized {
			logger.KV(xlog.DEBUG, "reason", "not_initialized", "scanner", w.name, "slot", slotID)
			continue
		}

		slot, err := fn(slotID, ti, loginRequired)
		if err != nil {
			errs = w.skip(errs, slotID, "token", err)
			continue
		}
		if slot != nil {
			inv.Slots = append(inv.Slots, *slot)
		}
	}

	logger.KV(xlog.DEBUG,
		"scanner", w.name,
		"slots", len(slots),
		"tokens", len(inv.Slots),
		"failed", len(multierr.Errors(errs)))

	return inv, errs
}

func (w *walker) skip(errs error, slotID uint, op string, err error) error {
	var le *p11.LoginError
	if errors.As(err, &le) {
		op = "login"
	} else if p11.IsTokenRemoved(err) {
		op = "token_removed"
	}

	logger.KV(xlog.WARNING,
		"reason", "skip_slot",
		"scanner", w.name,
		"slot", slotID,
		"op", op,
		"err", err.Error())
	metricskey.ScanSlotFailures.IncrCounter(1, w.name, op)

	return multierr.Append(errs, &SlotError{SlotID: slotID, Op: op, Err: err})
}

// readKeys returns records of all objects of the class on the token
func readKeys(s *p11.Session, class string) ([]inventory.KeyRecord, error) {
	handles, err := s.FindClass(p11.ObjectClasses[class])
	if err != nil {
		return nil, err
	}
	list := make([]inventory.KeyRecord, 0, len(handles))
	for _, h := range handles {
		rec, err := inventory.ReadKey(s, h, class)
		if err != nil {
			return nil, err
		}
		list = append(list, *rec)
	}
	return list, nil
}
