/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package pingwheel amortises thousands of concurrent per-selector ping
// timeouts into a single armed timer (spec §4.3), the same way the
// teacher's subscription workers fold many per-client tickers down to one
// worker loop rather than one goroutine per client.
package pingwheel

import (
	"container/heap"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Handle identifies whatever the caller wants woken on timeout — normally a
// selector ID. The wheel never looks inside it.
type Handle any

// Notifier is the host scheduler's trampoline: Notify must never be called
// inline from within the wheel's own lock, and must not block.
type Notifier interface {
	Notify(h Handle)
}

// NotifierFunc adapts a plain function to Notifier.
type NotifierFunc func(Handle)

func (f NotifierFunc) Notify(h Handle) { f(h) }

type entry struct {
	deadline time.Time
	handle   Handle
	seq      uint64 // tiebreak for equal deadlines, and to make removal cheap
	index    int
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

var armedDeadline = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "peercore",
	Subsystem: "pingwheel",
	Name:      "armed_deadline_unix_seconds",
	Help:      "Unix timestamp of the currently armed wheel deadline, 0 if none.",
})

var registeredCount = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "peercore",
	Subsystem: "pingwheel",
	Name:      "registered_total",
	Help:      "Number of ping registrations currently held by the wheel.",
})

func init() {
	prometheus.MustRegister(armedDeadline, registeredCount)
}

// Wheel is the process-wide ping timeout scheduler (spec §4.3/§5: a
// singleton owned by the core, alongside the wire sockets).
//
// Invariants maintained at all times (spec's P1/P2): at most one host timer
// is armed, and when armed it matches the current minimum deadline in the
// heap.
type Wheel struct {
	mu       sync.Mutex
	byHandle map[Handle]*entry
	heap     entryHeap
	seq      uint64

	timer *time.Timer

	notify Notifier
}

// New constructs a Wheel that posts wake notifications through notify.
// notify.Notify is always invoked from a dedicated goroutine per firing
// batch, never from inside the wheel's lock, per spec §4.3's re-entrancy
// requirement.
func New(notify Notifier) *Wheel {
	return &Wheel{
		byHandle: make(map[Handle]*entry),
		notify:   notify,
	}
}

// Monitor registers handle to be woken at deadline. If handle was already
// registered, its deadline is updated (equivalent to forget+monitor).
func (w *Wheel) Monitor(handle Handle, deadline time.Time) {
	w.mu.Lock()
	wasHead := false
	if old, ok := w.byHandle[handle]; ok {
		wasHead = old.index == 0
		heap.Remove(&w.heap, old.index)
	}
	w.seq++
	e := &entry{deadline: deadline, handle: handle, seq: w.seq}
	heap.Push(&w.heap, e)
	w.byHandle[handle] = e
	registeredCount.Set(float64(len(w.byHandle)))
	if w.timer == nil || wasHead || e.index == 0 {
		w.rearmLocked()
	}
	w.mu.Unlock()
}

// Forget removes handle's registration, if any. Per spec §4.3's documented
// edge case, removing anything other than the current head never re-arms:
// only a head removal (or insertion that changes the head) touches the
// host timer.
func (w *Wheel) Forget(handle Handle) {
	w.mu.Lock()
	e, ok := w.byHandle[handle]
	if !ok {
		w.mu.Unlock()
		return
	}
	wasHead := e.index == 0
	heap.Remove(&w.heap, e.index)
	delete(w.byHandle, handle)
	registeredCount.Set(float64(len(w.byHandle)))
	if wasHead {
		w.rearmLocked()
	}
	w.mu.Unlock()
}

// Len reports the number of active registrations, mostly for tests.
func (w *Wheel) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.byHandle)
}

// rearmLocked must be called with mu held. It stops any existing timer and
// arms a fresh one for the current minimum deadline, or cancels outright if
// the wheel is empty.
func (w *Wheel) rearmLocked() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	if len(w.heap) == 0 {
		armedDeadline.Set(0)
		return
	}
	min := w.heap[0].deadline
	armedDeadline.Set(float64(min.Unix()))
	d := time.Until(min)
	if d < 0 {
		d = 0
	}
	w.timer = time.AfterFunc(d, w.fire)
}

// fire pops every entry whose deadline has passed and posts a wake
// notification for each via the host scheduler, then re-arms for whatever
// remains. Notify calls happen outside the lock so a notifier that
// re-enters Monitor/Forget (as a selector handling its own timeout will)
// cannot deadlock.
func (w *Wheel) fire() {
	w.mu.Lock()
	now := time.Now()
	var due []Handle
	for len(w.heap) > 0 && !w.heap[0].deadline.After(now) {
		e := heap.Pop(&w.heap).(*entry)
		delete(w.byHandle, e.handle)
		due = append(due, e.handle)
	}
	registeredCount.Set(float64(len(w.byHandle)))
	w.rearmLocked()
	w.mu.Unlock()

	for _, h := range due {
		w.notify.Notify(h)
	}
}

// Stop cancels any armed timer. The wheel may still be Monitor'd after
// Stop; a fresh timer will be armed as usual. Stop exists only to make
// deterministic shutdown in tests and in corectx.Close straightforward.
func (w *Wheel) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}
