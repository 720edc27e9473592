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

package resolve

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func ips(ss ...string) []net.IPAddr {
	out := make([]net.IPAddr, len(ss))
	for i, s := range ss {
		out[i] = net.IPAddr{IP: net.ParseIP(s)}
	}
	return out
}

func TestMarkBadAdvancesCursorOnlyPastBadEntries(t *testing.T) {
	a := newAddresses(ips("1.1.1.1", "2.2.2.2", "3.3.3.3"))
	require.Equal(t, 0, a.Cursor())

	a.MarkBad(net.ParseIP("1.1.1.1"))
	require.Equal(t, 1, a.Cursor(), "cursor should skip the now-bad head entry")

	a.MarkBad(net.ParseIP("3.3.3.3")) // not at cursor, must not move it
	require.Equal(t, 1, a.Cursor())

	a.MarkBad(net.ParseIP("2.2.2.2"))
	require.Equal(t, 3, a.Cursor(), "cursor lands at end only because nothing good remains")
}

func TestMarkBadNeverSkipsAnUnexaminedGoodEntry(t *testing.T) {
	a := newAddresses(ips("1.1.1.1", "2.2.2.2", "3.3.3.3"))
	a.MarkBad(net.ParseIP("1.1.1.1"))
	require.Equal(t, 1, a.Cursor())
	require.Contains(t, a.Good(), net.ParseIP("2.2.2.2"))
	require.Contains(t, a.Good(), net.ParseIP("3.3.3.3"))
}

func TestForgetMarkingRewindsCursor(t *testing.T) {
	a := newAddresses(ips("1.1.1.1", "2.2.2.2"))
	a.MarkBad(net.ParseIP("1.1.1.1"))
	require.Equal(t, 1, a.Cursor())
	a.ForgetMarking(net.ParseIP("1.1.1.1"))
	require.Equal(t, 0, a.Cursor())
}

func TestGoodExcludesBadAllIncludesEverything(t *testing.T) {
	a := newAddresses(ips("1.1.1.1", "2.2.2.2"))
	a.MarkBad(net.ParseIP("2.2.2.2"))
	require.Len(t, a.Good(), 1)
	require.Len(t, a.All(), 2)
}

type recordingReceiver struct {
	lookups []LookupDetails
	ips     []net.IP
	ended   bool
	err     error
}

func (r *recordingReceiver) NoteLookup(d LookupDetails)         { r.lookups = append(r.lookups, d) }
func (r *recordingReceiver) NoteIP(ip net.IP)                   { r.ips = append(r.ips, ip) }
func (r *recordingReceiver) NoteIPsEnd(c *Addresses, err error) { r.ended = true; r.err = err }

func TestNewAddressesStartsAtCursorZeroAllGood(t *testing.T) {
	// a freshly built cache starts with its cursor on the first entry and
	// reports every entry as good until something is marked bad.
	a := newAddresses(ips("1.1.1.1"))
	require.Equal(t, 0, a.Cursor())
	require.Len(t, a.Good(), 1)
}
