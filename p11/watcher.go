package p11

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/miekg/pkcs11"
)

// slotWatcher reports token insertion and removal by comparing
// the CKF_TOKEN_PRESENT flag of every slot between polls.
// C_WaitForSlotEvent is not used: the miekg binding discards its status,
// which makes CKR_NO_EVENT indistinguishable from an event on slot 0.
//
// Slots are assumed empty before the first poll, so tokens already
// inserted when monitoring starts are reported as events.
type slotWatcher struct {
	ctx     Ctx
	present map[uint]bool
	pending []uint
}

func newSlotWatcher(ctx Ctx) *slotWatcher {
	return &slotWatcher{
		ctx:     ctx,
		present: make(map[uint]bool),
	}
}

// NewSlotWatcher returns a function with WaitSlotEvent semantics
// over any Ctx. It is used by Module implementations that do not
// receive native slot events.
func NewSlotWatcher(ctx Ctx) func(nonBlocking bool) (uint, error) {
	return newSlotWatcher(ctx).Next
}

// Next returns the next slot with a changed token presence
func (w *slotWatcher) Next(nonBlocking bool) (uint, error) {
	for {
		if len(w.pending) == 0 {
			if err := w.poll(); err != nil {
				return 0, err
			}
		}
		if len(w.pending) > 0 {
			slotID := w.pending[0]
			w.pending = w.pending[1:]
			return slotID, nil
		}
		if nonBlocking {
			return 0, errors.WithStack(ErrNoEvent)
		}
		time.Sleep(blockingPollInterval)
	}
}

func (w *slotWatcher) poll() error {
	slots, err := w.ctx.GetSlotList(false)
	if err != nil {
		return errors.WithMessage(err, "GetSlotList")
	}

	seen := make(map[uint]bool, len(slots))
	for _, slotID := range slots {
		seen[slotID] = true
		si, err := w.ctx.GetSlotInfo(slotID)
		if err != nil {
			return errors.WithMessagef(err, "GetSlotInfo: %d", slotID)
		}
		present := si.Flags&pkcs11.CKF_TOKEN_PRESENT != 0
		if present != w.present[slotID] {
			w.present[slotID] = present
			w.pending = append(w.pending, slotID)
		}
	}

	// a reader unplugged with a token inside
	for slotID, present := range w.present {
		if !seen[slotID] {
			delete(w.present, slotID)
			if present {
				w.pending = append(w.pending, slotID)
			}
		}
	}
	return nil
}
