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

package selector

import (
	"context"
	"net"

	"github.com/cachemesh/peercore/forward"
	"github.com/cachemesh/peercore/resolve"
)

// beginResolution starts spec §4.7 step 8's resolution loop: while a
// FwdServer remains and found_paths < max_forward_tries, resolve its host
// and emit a destination per good address.
func (s *Selector) beginResolution() {
	s.mu().Lock()
	if s.destroyed {
		s.mu().Unlock()
		return
	}
	s.state = Resolving
	s.mu().Unlock()
	s.resolveNext()
}

func (s *Selector) resolveNext() {
	s.mu().Lock()
	if s.destroyed {
		s.mu().Unlock()
		return
	}
	if len(s.fwdList) == 0 || (s.cfg.ForwardMaxTries >= 0 && s.foundPaths >= s.cfg.ForwardMaxTries) {
		s.mu().Unlock()
		s.finish()
		return
	}
	head := s.fwdList[0]
	s.state = Emitting
	s.mu().Unlock()

	if head.Code == forward.CodePinned {
		s.emitDestination(nil)
		s.mu().Lock()
		s.fwdList = s.fwdList[1:]
		s.foundPaths++
		s.mu().Unlock()
		s.resolveNext()
		return
	}

	host := head.Host
	if host == "" {
		s.mu().Lock()
		s.fwdList = s.fwdList[1:]
		s.mu().Unlock()
		s.resolveNext()
		return
	}

	s.resolver.Lookup(context.Background(), host, &selectorDNSReceiver{sel: s, fwd: head})
}

// selectorDNSReceiver adapts the resolve.Receiver callbacks into the
// selector's own resolution-loop continuation.
type selectorDNSReceiver struct {
	sel *Selector
	fwd forward.FwdServer
	any bool
}

func (r *selectorDNSReceiver) NoteLookup(resolve.LookupDetails) {}

func (r *selectorDNSReceiver) NoteIP(ip net.IP) {
	s := r.sel
	s.mu().Lock()
	if s.destroyed {
		s.mu().Unlock()
		return
	}
	if s.cfg.ForwardMaxTries >= 0 && s.foundPaths >= s.cfg.ForwardMaxTries {
		s.mu().Unlock()
		return // budget already spent by an earlier IP of this or a prior FwdServer
	}
	clientIsV4 := s.request.ClientIP != nil && s.request.ClientIP.To4() != nil
	s.mu().Unlock()

	if s.request.Flags.SpoofClientIP {
		ipIsV4 := ip.To4() != nil
		if ipIsV4 != clientIsV4 {
			return // TPROXY spoofing family mismatch: skip (spec §4.7 step 8)
		}
	}

	r.any = true
	dst := &forward.Destination{
		IP:      ip,
		Port:    r.fwd.Port,
		Peer:    r.fwd.Peer,
		HasPeer: r.fwd.HasPeer,
		Code:    r.fwd.Code,
		Hint:    forward.OutgoingHint{SourceIP: net.ParseIP(s.cfg.Host)},
	}
	s.mu().Lock()
	s.foundPaths++
	s.mu().Unlock()
	s.emitDestination(dst)
}

func (r *selectorDNSReceiver) NoteIPsEnd(_ *resolve.Addresses, err error) {
	s := r.sel
	s.mu().Lock()
	if s.destroyed {
		s.mu().Unlock()
		return
	}
	if err != nil && !r.any {
		s.lastErr = err
	}
	if len(s.fwdList) > 0 {
		s.fwdList = s.fwdList[1:]
	}
	s.mu().Unlock()
	s.resolveNext()
}

// emitDestination calls the forwarder's NoteDestination. The spec §8 cap on
// the number of calls is enforced per destination by NoteIP (and by
// resolveNext's pinned-destination path), not here.
func (s *Selector) emitDestination(dst *forward.Destination) {
	s.mu().Lock()
	if s.destroyed {
		s.mu().Unlock()
		return
	}
	fwd := s.forwarder
	s.emitted++
	s.mu().Unlock()
	fwd.NoteDestination(dst)
}

// finish calls note_destinations_end exactly once, per spec §4.7 "Output":
// error is nil iff at least one destination was emitted.
func (s *Selector) finish() {
	s.mu().Lock()
	if s.destroyed || s.state == Done {
		s.mu().Unlock()
		return
	}
	s.state = Done
	emitted := s.emitted
	err := s.lastErr
	fwd := s.forwarder
	s.mu().Unlock()

	if emitted > 0 {
		err = nil
	} else if err == nil {
		err = ErrNoDestinations
	}
	fwd.NoteDestinationsEnd(err)
	s.destroy()
}

// Cancel implements spec §4.7 step 9 / §5 cancellation: the initiator has
// gone away. Any in-flight Ping Wheel registration and reqnum index entry
// are released; no further callbacks will ever be made.
func (s *Selector) Cancel() {
	s.mu().Lock()
	if s.destroyed {
		s.mu().Unlock()
		return
	}
	s.mu().Unlock()
	s.destroy()
}
