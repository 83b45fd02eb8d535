package poller

import (
	"time"

	"github.com/jpillora/backoff"

	"github.com/fieldgate/fieldgate/pkg/modbus"
)

// deviceState is the supervisor's per-device record: the persistent
// connection plus the failure counters that drive reconnect backoff. Each
// state is touched only by the goroutine polling its device, so no locking.
type deviceState struct {
	client modbus.Client

	failures      int
	disabledUntil time.Time
	boff          *backoff.Backoff
}

func newDeviceState(base, max time.Duration) *deviceState {
	return &deviceState{
		boff: &backoff.Backoff{
			Min:    base,
			Max:    max,
			Factor: 2,
		},
	}
}

// gate reports whether the device sits in its quarantine window.
func (st *deviceState) gate(now time.Time) bool {
	return now.Before(st.disabledUntil)
}

// connectFailed arms the next quarantine window: base * 2^(failures-1),
// capped at max.
func (st *deviceState) connectFailed(now time.Time) time.Duration {
	st.failures++
	d := st.boff.Duration()
	st.disabledUntil = now.Add(d)
	return d
}

// connected clears the failure history after a successful connect.
func (st *deviceState) connected() {
	st.failures = 0
	st.disabledUntil = time.Time{}
	st.boff.Reset()
}

// dropConnection tears the client down so the next tick redials. Called on
// any transport error and when the device leaves the active set.
func (st *deviceState) dropConnection() {
	if st.client != nil {
		_ = st.client.Close()
		st.client = nil
	}
}
