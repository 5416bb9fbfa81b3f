package plugins

import (
	"runtime/debug"
	"sync"

	"github.com/sirupsen/logrus"
)

type subscription struct {
	id uint64
	fn Observer
}

// observers is an ordered list of subscribed callbacks
type observers struct {
	mu     sync.Mutex
	nextID uint64
	subs   []subscription
	log    *logrus.Logger
}

func newObservers(log *logrus.Logger) *observers {
	return &observers{log: log}
}

// subscribe appends fn and returns a function removing it again
func (o *observers) subscribe(fn Observer) func() {
	o.mu.Lock()
	o.nextID++
	id := o.nextID
	o.subs = append(o.subs, subscription{id: id, fn: fn})
	o.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			for i, s := range o.subs {
				if s.id == id {
					o.subs = append(o.subs[:i:i], o.subs[i+1:]...)
					return
				}
			}
		})
	}
}

func (o *observers) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.subs)
}

// notify invokes every current subscriber synchronously with the same snapshot
func (o *observers) notify(state RegistryState) {
	o.mu.Lock()
	subs := make([]subscription, len(o.subs))
	copy(subs, o.subs)
	o.mu.Unlock()

	for _, s := range subs {
		o.invoke(s, state)
	}
}

func (o *observers) invoke(s subscription, state RegistryState) {
	defer func() {
		if r := recover(); r != nil {
			o.log.WithFields(logrus.Fields{
				"observer": s.id,
				"panic":    r,
				"stack":    string(debug.Stack()),
			}).Error("Registry observer panicked")
		}
	}()
	s.fn(state)
}
