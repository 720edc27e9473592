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

// Package icp implements the wire-level ICP v2 query/reply codec and an
// HTCP reply variant, plus the UDP messenger that sends queries and
// dispatches replies back to the selector that owns a given reqnum.
package icp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
)

// Opcode identifies the kind of ICP v2 datagram.
type Opcode uint8

// Opcodes used by the core (ICP.h / icp_opcode.h in the original).
const (
	OpInvalid     Opcode = 0
	OpQuery       Opcode = 1
	OpHit         Opcode = 2
	OpMiss        Opcode = 3
	OpErr         Opcode = 4
	OpDEcho       Opcode = 10
	OpMissNoFetch Opcode = 21
	OpDenied      Opcode = 22
)

func (o Opcode) String() string {
	switch o {
	case OpInvalid:
		return "INVALID"
	case OpQuery:
		return "QUERY"
	case OpHit:
		return "HIT"
	case OpMiss:
		return "MISS"
	case OpErr:
		return "ERR"
	case OpDEcho:
		return "DECHO"
	case OpMissNoFetch:
		return "MISS_NOFETCH"
	case OpDenied:
		return "DENIED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(o))
	}
}

// Version is the only ICP version this core speaks.
const Version uint8 = 2

// HeaderSize is the fixed ICP v2 header length in bytes.
const HeaderSize = 20

// clientIPSize is the extra address field present only on QUERY datagrams.
const clientIPSize = 4

// Flag bits carried in the header's Flags field.
const (
	FlagHitObj  uint32 = 1 << 1
	FlagSrcRTT  uint32 = 1 << 2
)

// Header is the fixed 20-byte ICP v2 header.
type Header struct {
	Opcode  Opcode
	Version uint8
	Length  uint16
	ReqNum  uint32
	Flags   uint32
	Pad     uint32
	ShostID uint32
}

// ErrMalformed is returned when a datagram's declared length exceeds the
// number of bytes actually received.
var ErrMalformed = errors.New("icp: malformed datagram")

// BuildQuery encodes an ICP v2 QUERY datagram for rawURL, carrying reqnum
// and flags, with the querying client's address embedded as required by the
// wire format.
func BuildQuery(reqnum uint32, flags uint32, clientIP net.IP, rawURL string) []byte {
	urlBytes := append([]byte(rawURL), 0) // NUL-terminated
	total := HeaderSize + clientIPSize + len(urlBytes)
	b := make([]byte, total)
	h := Header{
		Opcode:  OpQuery,
		Version: Version,
		Length:  uint16(total),
		ReqNum:  reqnum,
		Flags:   flags,
	}
	putHeader(b, h)
	ip4 := clientIP.To4()
	if ip4 == nil {
		ip4 = net.IPv4zero.To4()
	}
	copy(b[HeaderSize:HeaderSize+clientIPSize], ip4)
	copy(b[HeaderSize+clientIPSize:], urlBytes)
	return b
}

// BuildReply encodes a non-QUERY ICP v2 datagram (HIT/MISS/ERR/...).
func BuildReply(op Opcode, reqnum uint32, flags uint32, rawURL string) []byte {
	urlBytes := append([]byte(rawURL), 0)
	total := HeaderSize + len(urlBytes)
	b := make([]byte, total)
	h := Header{
		Opcode:  op,
		Version: Version,
		Length:  uint16(total),
		ReqNum:  reqnum,
		Flags:   flags,
	}
	putHeader(b, h)
	copy(b[HeaderSize:], urlBytes)
	return b
}

func putHeader(b []byte, h Header) {
	b[0] = byte(h.Opcode)
	b[1] = h.Version
	binary.BigEndian.PutUint16(b[2:4], h.Length)
	binary.BigEndian.PutUint32(b[4:8], h.ReqNum)
	binary.BigEndian.PutUint32(b[8:12], h.Flags)
	binary.BigEndian.PutUint32(b[12:16], h.Pad)
	binary.BigEndian.PutUint32(b[16:20], h.ShostID)
}

func getHeader(b []byte) Header {
	return Header{
		Opcode:  Opcode(b[0]),
		Version: b[1],
		Length:  binary.BigEndian.Uint16(b[2:4]),
		ReqNum:  binary.BigEndian.Uint32(b[4:8]),
		Flags:   binary.BigEndian.Uint32(b[8:12]),
		Pad:     binary.BigEndian.Uint32(b[12:16]),
		ShostID: binary.BigEndian.Uint32(b[16:20]),
	}
}

// Payload is the decoded body of an ICP v2 datagram.
type Payload struct {
	ClientIP net.IP // only set for QUERY
	URL      string
}

// Decode parses an ICP v2 datagram. It fails with ErrMalformed when the
// header's declared Length exceeds the number of bytes actually received,
// per spec §4.4.
func Decode(b []byte) (Header, Payload, error) {
	if len(b) < HeaderSize {
		return Header{}, Payload{}, fmt.Errorf("%w: %d bytes, need at least %d", ErrMalformed, len(b), HeaderSize)
	}
	h := getHeader(b)
	if int(h.Length) > len(b) {
		return Header{}, Payload{}, fmt.Errorf("%w: header declares %d bytes, got %d", ErrMalformed, h.Length, len(b))
	}
	if int(h.Length) < HeaderSize {
		return Header{}, Payload{}, fmt.Errorf("%w: header declares %d bytes, less than the %d-byte header", ErrMalformed, h.Length, HeaderSize)
	}
	body := b[HeaderSize:h.Length]
	var p Payload
	if h.Opcode == OpQuery {
		if len(body) < clientIPSize {
			return Header{}, Payload{}, fmt.Errorf("%w: query missing client-ip field", ErrMalformed)
		}
		p.ClientIP = net.IP(append([]byte(nil), body[:clientIPSize]...))
		body = body[clientIPSize:]
	}
	p.URL = trimNUL(body)
	return h, p, nil
}

func trimNUL(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
