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

package icp

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/fatih/color"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// ReplyReceiver is implemented by whatever owns reqnum allocation — the
// selector side of corectx — and is notified once per inbound datagram.
type ReplyReceiver interface {
	// OnReply is invoked with the unified reply and the peer address it
	// came from. It must not block.
	OnReply(reply Reply, from *net.UDPAddr)
}

// PeerHealthSink lets the messenger report send outcomes without importing
// the peer package (which would create an import cycle, since peer health
// decisions belong to the registry, not the wire layer).
type PeerHealthSink interface {
	// RecordSendFatal marks a non-transient send failure against addr.
	RecordSendFatal(addr *net.UDPAddr)
}

type queuedMsg struct {
	b    []byte
	addr unix.Sockaddr
	dst  *net.UDPAddr
}

// Messenger owns the shared ICP UDP socket: encode/decode, non-blocking
// send with an EAGAIN retry queue, and an at-most-once reply dispatch to
// the selector that owns a given reqnum (via recvLoop -> receivers lookup).
//
// This is a process-wide singleton per spec §5 ("Shared resources"), never
// instantiated per-selector.
type Messenger struct {
	fd int

	mu        sync.Mutex
	queue     []queuedMsg
	wake      chan struct{}
	closeOnce sync.Once
	closed    chan struct{}

	receivers ReplyReceiver
	health    PeerHealthSink
}

// NewMessenger opens the shared ICP UDP socket bound to address:port in
// non-blocking mode, following the raw-socket pattern of the teacher's
// ptp/sptp/client/connection.go:listenUDP (SO_REUSEPORT + explicit bind),
// adapted here to non-blocking so EAGAIN can be observed and queued rather
// than treated as a hard failure.
func NewMessenger(address net.IP, port int, receivers ReplyReceiver, health PeerHealthSink) (*Messenger, error) {
	domain := unix.AF_INET6
	if ip4 := address.To4(); ip4 != nil {
		domain = unix.AF_INET
	}
	fd, err := unix.Socket(domain, unix.SOCK_DGRAM, unix.IPPROTO_UDP)
	if err != nil {
		return nil, fmt.Errorf("unable to create icp socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("setting SO_REUSEPORT on icp socket: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("setting icp socket non-blocking: %w", err)
	}
	local := sockaddrFromIPPort(address, port)
	if err := unix.Bind(fd, local); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("unable to bind icp socket to %v:%d: %w", address, port, err)
	}
	m := &Messenger{
		fd:        fd,
		wake:      make(chan struct{}, 1),
		closed:    make(chan struct{}),
		receivers: receivers,
		health:    health,
	}
	go m.flushLoop()
	go m.recvLoop()
	return m, nil
}

func sockaddrFromIPPort(ip net.IP, port int) unix.Sockaddr {
	if ip4 := ip.To4(); ip4 != nil {
		var a unix.SockaddrInet4
		copy(a.Addr[:], ip4)
		a.Port = port
		return &a
	}
	var a unix.SockaddrInet6
	copy(a.Addr[:], ip.To16())
	a.Port = port
	return &a
}

// SendQuery sends b (built via BuildQuery) to addr. On EAGAIN the message
// is enqueued and retried once the socket is writable, preserving order
// per peer (spec §4.4/§7 SEND_TRANSIENT). A non-transient error is
// SEND_FATAL: the caller's peer is skipped for this round, health is
// updated, and replies_expected is not decremented (the timeout closes the
// round, per spec §9's documented trade-off).
func (m *Messenger) SendQuery(dst *net.UDPAddr, b []byte) error {
	addr := sockaddrFromIPPort(dst.IP, dst.Port)
	m.mu.Lock()
	if len(m.queue) > 0 {
		// earlier messages are still waiting: queue behind them to keep order
		m.queue = append(m.queue, queuedMsg{b: b, addr: addr, dst: dst})
		m.mu.Unlock()
		select {
		case m.wake <- struct{}{}:
		default:
		}
		return nil
	}
	m.mu.Unlock()
	err := unix.Sendto(m.fd, b, 0, addr)
	if err == nil {
		m.logSent(dst, b)
		return nil
	}
	if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
		m.mu.Lock()
		m.queue = append(m.queue, queuedMsg{b: b, addr: addr, dst: dst})
		m.mu.Unlock()
		select {
		case m.wake <- struct{}{}:
		default:
		}
		log.Debugf("icp: send to %v would block, queued (depth now unknown until flush)", dst)
		return nil
	}
	// non-transient: SEND_FATAL
	if m.health != nil {
		m.health.RecordSendFatal(dst)
	}
	return fmt.Errorf("icp: send to %v failed fatally: %w", dst, err)
}

// flushLoop drains the retry queue whenever the socket becomes writable,
// using unix.Poll for POLLOUT readiness rather than busy-looping.
func (m *Messenger) flushLoop() {
	for {
		select {
		case <-m.closed:
			return
		case <-m.wake:
		}
		for {
			m.mu.Lock()
			if len(m.queue) == 0 {
				m.mu.Unlock()
				break
			}
			head := m.queue[0]
			m.mu.Unlock()

			fds := []unix.PollFd{{Fd: int32(m.fd), Events: unix.POLLOUT}}
			if _, err := unix.Poll(fds, 1000); err != nil {
				log.Warningf("icp: poll for writability failed: %v", err)
				break
			}
			if fds[0].Revents&unix.POLLOUT == 0 {
				continue
			}
			err := unix.Sendto(m.fd, head.b, 0, head.addr)
			if err != nil {
				if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
					continue
				}
				if m.health != nil {
					m.health.RecordSendFatal(head.dst)
				}
				log.Warningf("icp: fatal send error to %v, dropping queued message: %v", head.dst, err)
			} else {
				m.logSent(head.dst, head.b)
			}
			m.mu.Lock()
			m.queue = m.queue[1:]
			m.mu.Unlock()
		}
	}
}

// recvLoop reads datagrams and dispatches decoded replies to receivers.
// Malformed datagrams are logged and dropped without billing any peer a
// reply, per spec §7 MALFORMED_PEER_MESSAGE.
func (m *Messenger) recvLoop() {
	buf := make([]byte, 65507)
	for {
		select {
		case <-m.closed:
			return
		default:
		}
		n, from, err := unix.Recvfrom(m.fd, buf, 0)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
				fds := []unix.PollFd{{Fd: int32(m.fd), Events: unix.POLLIN}}
				unix.Poll(fds, 1000)
				continue
			}
			if errors.Is(err, unix.EBADF) {
				return
			}
			log.Warningf("icp: recv error: %v", err)
			continue
		}
		h, p, err := Decode(buf[:n])
		if err != nil {
			log.Warningf("icp: %v", err)
			continue
		}
		udpAddr := sockaddrToUDPAddr(from)
		m.logReceive(udpAddr, h)
		if m.receivers != nil {
			m.receivers.OnReply(FromICP(h, p), udpAddr)
		}
	}
}

func sockaddrToUDPAddr(sa unix.Sockaddr) *net.UDPAddr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.UDPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}
	case *unix.SockaddrInet6:
		return &net.UDPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}
	default:
		return &net.UDPAddr{}
	}
}

func (m *Messenger) logSent(dst *net.UDPAddr, b []byte) {
	log.Debugf(color.GreenString("icp -> %v (%d bytes)", dst, len(b)))
}

func (m *Messenger) logReceive(from *net.UDPAddr, h Header) {
	log.Debugf(color.BlueString("icp <- %v %s reqnum=%d", from, h.Opcode, h.ReqNum))
}

// Close shuts the messenger's socket down; recv/flush loops exit promptly.
func (m *Messenger) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.closed)
		err = unix.Close(m.fd)
	})
	return err
}
