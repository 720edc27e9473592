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

package pingwheel

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu  sync.Mutex
	got []Handle
	ch  chan Handle
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{ch: make(chan Handle, 64)}
}

func (r *recordingNotifier) Notify(h Handle) {
	r.mu.Lock()
	r.got = append(r.got, h)
	r.mu.Unlock()
	r.ch <- h
}

func TestMonitorFiresAtDeadline(t *testing.T) {
	n := newRecordingNotifier()
	w := New(n)
	w.Monitor("sel-1", time.Now().Add(20*time.Millisecond))
	select {
	case h := <-n.ch:
		require.Equal(t, Handle("sel-1"), h)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for wake")
	}
	require.Equal(t, 0, w.Len())
}

func TestForgetBeforeDeadlinePreventsWake(t *testing.T) {
	n := newRecordingNotifier()
	w := New(n)
	w.Monitor("sel-1", time.Now().Add(50*time.Millisecond))
	w.Forget("sel-1")
	select {
	case h := <-n.ch:
		t.Fatalf("unexpected wake for %v", h)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestForgetNonHeadDoesNotDisturbHead(t *testing.T) {
	n := newRecordingNotifier()
	w := New(n)
	w.Monitor("head", time.Now().Add(30*time.Millisecond))
	w.Monitor("tail", time.Now().Add(time.Hour))
	w.Forget("tail")
	select {
	case h := <-n.ch:
		require.Equal(t, Handle("head"), h)
	case <-time.After(time.Second):
		t.Fatal("head registration should still fire")
	}
}

func TestEarliestDeadlineWinsRearm(t *testing.T) {
	n := newRecordingNotifier()
	w := New(n)
	w.Monitor("late", time.Now().Add(time.Hour))
	w.Monitor("soon", time.Now().Add(20*time.Millisecond))
	select {
	case h := <-n.ch:
		require.Equal(t, Handle("soon"), h)
	case <-time.After(time.Second):
		t.Fatal("soon should fire before late")
	}
	require.Equal(t, 1, w.Len())
}

func TestMultipleSimultaneousDeadlinesAllFire(t *testing.T) {
	n := newRecordingNotifier()
	w := New(n)
	deadline := time.Now().Add(20 * time.Millisecond)
	w.Monitor("a", deadline)
	w.Monitor("b", deadline)
	w.Monitor("c", deadline)
	seen := map[Handle]bool{}
	for i := 0; i < 3; i++ {
		select {
		case h := <-n.ch:
			seen[h] = true
		case <-time.After(time.Second):
			t.Fatalf("only saw %d of 3 wakes", len(seen))
		}
	}
	require.Len(t, seen, 3)
	require.Equal(t, 0, w.Len())
}

func TestReMonitorSameHandleUpdatesDeadline(t *testing.T) {
	n := newRecordingNotifier()
	w := New(n)
	w.Monitor("sel", time.Now().Add(time.Hour))
	w.Monitor("sel", time.Now().Add(20*time.Millisecond))
	require.Equal(t, 1, w.Len())
	select {
	case h := <-n.ch:
		require.Equal(t, Handle("sel"), h)
	case <-time.After(time.Second):
		t.Fatal("updated deadline should fire promptly")
	}
}
