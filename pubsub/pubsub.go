// Package pubsub carries coordination payloads between the stores that mutate shared state and
// the components that react to it, such as the presence channel bridge.
package pubsub

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// Payload is one coordination message. Type distinguishes the kinds sharing a channel.
type Payload interface {
	Type() string
}

type Listener interface {
	// Listen calls fn for every payload on chanName, in publish order. Blocks until Close.
	Listen(chanName string, fn func(p Payload)) error
	// Close stops all listeners. No callbacks fire after Listen has returned.
	Close() error
}

type Notifier interface {
	// Notify publishes p on chanName. Fails if the payload could not be queued in time.
	Notify(chanName string, p Payload) error
	Close() error
}

var notifyTimeout = 5 * time.Second

// fanout is one named channel. Payloads queue in inbox until the first listener arrives, then a
// single dispatcher hands each payload to every registered callback in turn.
type fanout struct {
	inbox   chan Payload
	drained chan struct{}

	mu      sync.Mutex
	fns     []func(p Payload)
	running bool
}

func (f *fanout) dispatch() {
	defer close(f.drained)
	for p := range f.inbox {
		f.mu.Lock()
		fns := append([]func(Payload){}, f.fns...)
		f.mu.Unlock()
		for _, fn := range fns {
			fn(p)
		}
	}
}

// PubSub is the in-process Notifier and Listener.
type PubSub struct {
	// held for reading while sending so Close never closes an inbox mid-send
	sendMu sync.RWMutex
	closed bool

	mu         sync.Mutex
	chans      map[string]*fanout
	bufferSize int
}

func NewPubSub(bufferSize int) *PubSub {
	return &PubSub{
		chans:      make(map[string]*fanout),
		bufferSize: bufferSize,
	}
}

func (ps *PubSub) fanout(chanName string) *fanout {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	f := ps.chans[chanName]
	if f == nil {
		f = &fanout{
			inbox:   make(chan Payload, ps.bufferSize),
			drained: make(chan struct{}),
		}
		ps.chans[chanName] = f
	}
	return f
}

func (ps *PubSub) Notify(chanName string, p Payload) error {
	ps.sendMu.RLock()
	defer ps.sendMu.RUnlock()
	if ps.closed {
		return fmt.Errorf("notify %s on %s: pubsub closed", p.Type(), chanName)
	}
	f := ps.fanout(chanName)
	t := time.NewTimer(notifyTimeout)
	defer t.Stop()
	select {
	case f.inbox <- p:
		return nil
	case <-t.C:
		return fmt.Errorf("notify %s on %s: timed out", p.Type(), chanName)
	}
}

func (ps *PubSub) Listen(chanName string, fn func(p Payload)) error {
	ps.sendMu.RLock()
	if ps.closed {
		ps.sendMu.RUnlock()
		return fmt.Errorf("listen on %s: pubsub closed", chanName)
	}
	f := ps.fanout(chanName)
	f.mu.Lock()
	f.fns = append(f.fns, fn)
	if !f.running {
		f.running = true
		go f.dispatch()
	}
	f.mu.Unlock()
	ps.sendMu.RUnlock()
	<-f.drained
	return nil
}

func (ps *PubSub) Close() error {
	ps.sendMu.Lock()
	defer ps.sendMu.Unlock()
	if ps.closed {
		return nil
	}
	ps.closed = true
	ps.mu.Lock()
	defer ps.mu.Unlock()
	for name, f := range ps.chans {
		close(f.inbox)
		f.mu.Lock()
		if !f.running {
			if n := len(f.inbox); n > 0 {
				logger.Warn().Str("chan", name).Int("dropped", n).Msg("closing pubsub with undelivered payloads")
			}
			close(f.drained)
		}
		f.mu.Unlock()
	}
	return nil
}

// PromNotifier counts published payloads per channel and type.
type PromNotifier struct {
	Notifier
	msgCounter *prometheus.CounterVec
}

func (p *PromNotifier) Notify(chanName string, payload Payload) error {
	p.msgCounter.WithLabelValues(chanName, payload.Type()).Inc()
	return p.Notifier.Notify(chanName, payload)
}

func (p *PromNotifier) Close() error {
	prometheus.Unregister(p.msgCounter)
	return p.Notifier.Close()
}

func NewPromNotifier(n Notifier, subsystem string) Notifier {
	p := &PromNotifier{
		Notifier: n,
		msgCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shellsync",
			Subsystem: subsystem,
			Name:      "num_payloads",
			Help:      "Number of coordination payloads published",
		}, []string{"chan", "payload_type"}),
	}
	prometheus.MustRegister(p.msgCounter)
	return p
}
