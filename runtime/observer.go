package runtime

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/petal-labs/petalscript/core"
)

// Observer is any value implementing one or more of NodeStartObserver,
// NodeFinishObserver, NodeOutputObserver and EdgeFiredObserver. The engine
// only calls the callbacks an observer implements, and never lets an
// observer abort a run: a panic inside a callback is recovered, logged and
// discarded.
//
// Embed BaseObserver to implement every callback, or use ObserverFuncs.
type Observer any

// NodeStartObserver is notified before an exec node fires.
type NodeStartObserver interface {
	OnNodeStart(nodeID string)
}

// NodeFinishObserver is notified after an exec node has fired.
type NodeFinishObserver interface {
	OnNodeFinish(nodeID string)
}

// NodeOutputObserver receives the values an exec node produced.
type NodeOutputObserver interface {
	OnNodeOutput(nodeID string, outputs core.Values)
}

// EdgeFiredObserver is notified for each exec edge followed.
type EdgeFiredObserver interface {
	OnEdgeFired(srcID, srcPort, dstID, dstPort string)
}

// BaseObserver implements every callback as a no-op.
type BaseObserver struct{}

func (BaseObserver) OnNodeStart(string) {}

func (BaseObserver) OnNodeFinish(string) {}

func (BaseObserver) OnNodeOutput(string, core.Values) {}

func (BaseObserver) OnEdgeFired(string, string, string, string) {}

// ObserverFuncs adapts optional functions to an Observer. Nil fields are
// skipped.
type ObserverFuncs struct {
	NodeStart  func(nodeID string)
	NodeFinish func(nodeID string)
	NodeOutput func(nodeID string, outputs core.Values)
	EdgeFired  func(srcID, srcPort, dstID, dstPort string)
}

func (f ObserverFuncs) OnNodeStart(id string) {
	if f.NodeStart != nil {
		f.NodeStart(id)
	}
}

func (f ObserverFuncs) OnNodeFinish(id string) {
	if f.NodeFinish != nil {
		f.NodeFinish(id)
	}
}

func (f ObserverFuncs) OnNodeOutput(id string, outputs core.Values) {
	if f.NodeOutput != nil {
		f.NodeOutput(id, outputs)
	}
}

func (f ObserverFuncs) OnEdgeFired(srcID, srcPort, dstID, dstPort string) {
	if f.EdgeFired != nil {
		f.EdgeFired(srcID, srcPort, dstID, dstPort)
	}
}

// observers fans callbacks out to several observers, isolating each one.
type observers struct {
	list   []Observer
	logger *slog.Logger
}

// MultiObserver combines several observers into one that implements every
// callback. A panic in one observer does not keep the others from being
// notified.
func MultiObserver(obs ...Observer) Observer {
	o := &observers{logger: slog.Default()}
	for _, ob := range obs {
		o.add(ob)
	}
	return o
}

func (o *observers) add(obs Observer) {
	if obs != nil {
		o.list = append(o.list, obs)
	}
}

func (o *observers) OnNodeStart(id string) {
	for _, obs := range o.list {
		if ob, ok := obs.(NodeStartObserver); ok {
			o.notify("OnNodeStart", obs, func() { ob.OnNodeStart(id) })
		}
	}
}

func (o *observers) OnNodeFinish(id string) {
	for _, obs := range o.list {
		if ob, ok := obs.(NodeFinishObserver); ok {
			o.notify("OnNodeFinish", obs, func() { ob.OnNodeFinish(id) })
		}
	}
}

func (o *observers) OnNodeOutput(id string, outputs core.Values) {
	for _, obs := range o.list {
		if ob, ok := obs.(NodeOutputObserver); ok {
			o.notify("OnNodeOutput", obs, func() { ob.OnNodeOutput(id, outputs.Clone()) })
		}
	}
}

func (o *observers) OnEdgeFired(srcID, srcPort, dstID, dstPort string) {
	for _, obs := range o.list {
		if ob, ok := obs.(EdgeFiredObserver); ok {
			o.notify("OnEdgeFired", obs, func() { ob.OnEdgeFired(srcID, srcPort, dstID, dstPort) })
		}
	}
}

// notify invokes one callback and reports any panic instead of propagating it.
func (o *observers) notify(callback string, obs Observer, call func()) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Warn("observer callback failed",
				"callback", callback,
				"observer", fmt.Sprintf("%T", obs),
				"panic", r)
		}
	}()
	call()
}

// EventObserver turns observer callbacks into runtime events. The engine
// installs one automatically when an event handler or bus is configured.
type EventObserver struct {
	runID   string
	emit    EventEmitter
	now     func() time.Time
	typeOf  func(nodeID string) string
	stepOf  func() int
	started map[string]time.Time
}

// NewEventObserver creates an observer that emits events for runID.
// typeOf resolves a node id to its type name and may be nil.
func NewEventObserver(runID string, emit EventEmitter, typeOf func(string) string) *EventObserver {
	if emit == nil {
		emit = func(Event) {}
	}
	if typeOf == nil {
		typeOf = func(string) string { return "" }
	}
	return &EventObserver{
		runID:   runID,
		emit:    emit,
		now:     time.Now,
		typeOf:  typeOf,
		stepOf:  func() int { return 0 },
		started: make(map[string]time.Time),
	}
}

func (o *EventObserver) event(kind EventKind, nodeID string) Event {
	ev := NewEvent(kind, o.runID).WithStep(o.stepOf())
	ev.Time = o.now()
	if nodeID != "" {
		ev = ev.WithNode(nodeID, o.typeOf(nodeID))
	}
	return ev
}

func (o *EventObserver) OnNodeStart(nodeID string) {
	o.started[nodeID] = o.now()
	o.emit(o.event(EventNodeStarted, nodeID))
}

func (o *EventObserver) OnNodeFinish(nodeID string) {
	ev := o.event(EventNodeFinished, nodeID)
	if start, ok := o.started[nodeID]; ok {
		ev = ev.WithElapsed(ev.Time.Sub(start))
		delete(o.started, nodeID)
	}
	o.emit(ev)
}

func (o *EventObserver) OnNodeOutput(nodeID string, outputs core.Values) {
	ev := o.event(EventNodeOutput, nodeID)
	for k, v := range outputs {
		ev = ev.WithPayload(k, v)
	}
	o.emit(ev)
}

func (o *EventObserver) OnEdgeFired(srcID, srcPort, dstID, dstPort string) {
	o.emit(o.event(EventEdgeFired, srcID).
		WithPayload("source_port", srcPort).
		WithPayload("target", dstID).
		WithPayload("target_port", dstPort))
}
