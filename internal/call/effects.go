package call

import "time"

// Sounder plays the local call-progress sounds. Implementations must make
// StopAll a no-op when nothing is playing: the machine stops sounds on every
// terminal transition without tracking what is currently audible.
type Sounder interface {
	PlayRingtone() // incoming call loop
	PlayRingback() // outgoing call loop
	StopAll()
}

// Notifier surfaces short-lived user-facing notices (declined, cancelled,
// offline, busy, connection lost, no answer) and the incoming-call alert.
// All methods are best-effort; failures are swallowed by implementations.
type Notifier interface {
	Notify(title, body string)
	Vibrate()
}

// Timer is the handle for the ring-timeout. Stop reports whether the timer
// was stopped before firing.
type Timer interface {
	Stop() bool
}

// TimerFactory schedules fn after d. Tests substitute a manual factory so
// the 30-second ring timeout can be driven without wall-clock waits.
type TimerFactory func(d time.Duration, fn func()) Timer

type realTimer struct{ t *time.Timer }

func (r realTimer) Stop() bool { return r.t.Stop() }

func afterFunc(d time.Duration, fn func()) Timer {
	return realTimer{t: time.AfterFunc(d, fn)}
}

type noopSounder struct{}

func (noopSounder) PlayRingtone() {}
func (noopSounder) PlayRingback() {}
func (noopSounder) StopAll()      {}

type noopNotifier struct{}

func (noopNotifier) Notify(string, string) {}
func (noopNotifier) Vibrate()              {}
