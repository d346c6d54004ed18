package signaling

import "sync"

// Loopback is an in-process Channel for tests and single-process setups.
// Sends are recorded for inspection; inbound traffic is injected with
// Deliver. A test acting as the server reads Sent() from one end and
// Delivers the corresponding server events to the other.
type Loopback struct {
	mu       sync.Mutex
	state    ConnState
	handlers map[string][]Handler
	stateFns []func(ConnState)
	sent     []Envelope
}

func NewLoopback() *Loopback {
	return &Loopback{
		state:    StateConnected,
		handlers: make(map[string][]Handler),
	}
}

func (l *Loopback) Send(event, to string, data any) error {
	l.mu.Lock()
	l.sent = append(l.sent, Envelope{Type: event, To: to, Data: MarshalData(data)})
	l.mu.Unlock()
	return nil
}

func (l *Loopback) Subscribe(event string, fn Handler) {
	l.mu.Lock()
	l.handlers[event] = append(l.handlers[event], fn)
	l.mu.Unlock()
}

func (l *Loopback) OnStateChange(fn func(ConnState)) {
	l.mu.Lock()
	l.stateFns = append(l.stateFns, fn)
	l.mu.Unlock()
}

func (l *Loopback) State() ConnState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Loopback) Close() error {
	l.SetState(StateDisconnected)
	return nil
}

// Deliver dispatches an inbound envelope to subscribed handlers, as if it
// arrived from the server.
func (l *Loopback) Deliver(env Envelope) {
	l.mu.Lock()
	fns := append([]Handler(nil), l.handlers[env.Type]...)
	l.mu.Unlock()
	for _, fn := range fns {
		fn(env)
	}
}

// DeliverEvent is Deliver with payload marshalling.
func (l *Loopback) DeliverEvent(event, from string, data any) {
	l.Deliver(Envelope{Type: event, From: from, Data: MarshalData(data)})
}

// SetState updates the connection state and notifies subscribers.
func (l *Loopback) SetState(s ConnState) {
	l.mu.Lock()
	l.state = s
	fns := append([]func(ConnState){}, l.stateFns...)
	l.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

// Sent returns a copy of every envelope sent so far.
func (l *Loopback) Sent() []Envelope {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Envelope(nil), l.sent...)
}

// Take drains and returns the recorded envelopes.
func (l *Loopback) Take() []Envelope {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.sent
	l.sent = nil
	return out
}
