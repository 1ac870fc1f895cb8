// Package drdynvc implements the Dynamic Virtual Channel Protocol (MS-RDPEDYC)
// wire format carried on the "drdynvc" static channel: a one-byte header with
// packed Cmd/Sp/cbChId bitfields followed by variable-width fields.
package drdynvc

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Static channel name for DRDYNVC
const ChannelName = "drdynvc"

// Command IDs (MS-RDPEDYC 2.2.1)
const (
	CmdCreate     uint8 = 0x01 // DYNVC_CREATE_REQ / _RSP
	CmdDataFirst  uint8 = 0x02 // DYNVC_DATA_FIRST
	CmdData       uint8 = 0x03 // DYNVC_DATA
	CmdClose      uint8 = 0x04 // DYNVC_CLOSE
	CmdCapability uint8 = 0x05 // DYNVC_CAPS_VERSION
)

// Capability versions
const (
	CapsVersion1 uint16 = 0x0001
)

// Header represents the common DRDYNVC PDU header byte.
type Header struct {
	CbChID uint8 // width code of the ChannelId field
	Sp     uint8 // command-specific; length width for DATA_FIRST
	Cmd    uint8 // command identifier
}

// Serialize encodes the header byte
func (h *Header) Serialize() byte {
	return (h.CbChID & 0x03) | ((h.Sp & 0x03) << 2) | ((h.Cmd & 0x0F) << 4)
}

// Deserialize decodes the header byte
func (h *Header) Deserialize(b byte) {
	h.CbChID = b & 0x03
	h.Sp = (b >> 2) & 0x03
	h.Cmd = (b >> 4) & 0x0F
}

// AppendVarUint appends val in the smallest variable-width encoding and
// returns the width code for the containing header (0=1 byte, 1=2 bytes,
// 3=4 bytes; all little-endian). Width code 2 is never emitted.
func AppendVarUint(buf []byte, val uint32) ([]byte, uint8) {
	switch {
	case val <= 0xFF:
		return append(buf, byte(val)), 0
	case val <= 0xFFFF:
		return binary.LittleEndian.AppendUint16(buf, uint16(val)), 1
	default:
		return binary.LittleEndian.AppendUint32(buf, val), 3
	}
}

// ReadVarUint reads a variable-width unsigned integer using the given width
// code and returns the value and the remaining bytes. Width code 2 is
// reserved but tolerated as a 4-byte read.
func ReadVarUint(data []byte, w uint8) (uint32, []byte, error) {
	switch w {
	case 0:
		if len(data) < 1 {
			return 0, nil, fmt.Errorf("variable uint: need 1 byte, have %d", len(data))
		}
		return uint32(data[0]), data[1:], nil
	case 1:
		if len(data) < 2 {
			return 0, nil, fmt.Errorf("variable uint: need 2 bytes, have %d", len(data))
		}
		return uint32(binary.LittleEndian.Uint16(data[:2])), data[2:], nil
	default:
		if len(data) < 4 {
			return 0, nil, fmt.Errorf("variable uint: need 4 bytes, have %d", len(data))
		}
		return binary.LittleEndian.Uint32(data[:4]), data[4:], nil
	}
}

// BeginPDU starts a PDU: it reserves the header byte, appends the channel id,
// and back-patches the header with the command and the chosen id width.
// DATA_FIRST emitters stamp the length width afterwards via AppendLength.
func BeginPDU(cmd uint8, channelID uint32, capacity int) []byte {
	buf := make([]byte, 1, capacity)
	buf, cb := AppendVarUint(buf, channelID)
	buf[0] = ((cmd & 0x0F) << 4) | (cb & 0x03)
	return buf
}

// AppendLength appends the DATA_FIRST total-length field and stamps its
// width into the Sp bits of the header byte.
func AppendLength(buf []byte, total uint32) []byte {
	buf, cb := AppendVarUint(buf, total)
	buf[0] |= (cb & 0x03) << 2
	return buf
}

// EncodeCreateRequest encodes a DYNVC_CREATE_REQ carrying the channel id and
// the NUL-terminated channel name.
func EncodeCreateRequest(channelID uint32, name string) []byte {
	buf := BeginPDU(CmdCreate, channelID, 1+4+len(name)+1)
	buf = append(buf, name...)
	return append(buf, 0)
}

// EncodeClose encodes a DYNVC_CLOSE for the given channel id.
func EncodeClose(channelID uint32) []byte {
	return BeginPDU(CmdClose, channelID, 8)
}

// EncodeCaps encodes a DYNVC_CAPS announcement: header byte, one pad byte,
// and the version in little-endian.
func EncodeCaps(version uint16) []byte {
	buf := make([]byte, 4)
	buf[0] = CmdCapability << 4
	binary.LittleEndian.PutUint16(buf[2:], version)
	return buf
}

// PDU is a decoded DRDYNVC message. Fields beyond Cmd and ChannelID are
// populated per command: Version for capability, Length for DATA_FIRST,
// Data for the remaining body of create/data/data-first PDUs.
type PDU struct {
	Cmd       uint8
	ChannelID uint32
	Version   uint16
	Length    uint32
	Data      []byte
}

// Decode parses one DRDYNVC PDU. The body of a create PDU stays raw in Data
// because the command is shared between requests and responses; use
// CreationStatus or CreateName depending on direction.
func Decode(data []byte) (*PDU, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("empty PDU")
	}

	var h Header
	h.Deserialize(data[0])
	rest := data[1:]
	p := &PDU{Cmd: h.Cmd}

	if h.Cmd == CmdCapability {
		if len(rest) < 3 {
			return nil, fmt.Errorf("capability PDU too short: %d bytes", len(rest))
		}
		p.Version = binary.LittleEndian.Uint16(rest[1:3])
		return p, nil
	}

	id, rest, err := ReadVarUint(rest, h.CbChID)
	if err != nil {
		return nil, fmt.Errorf("channel id: %w", err)
	}
	p.ChannelID = id

	switch h.Cmd {
	case CmdDataFirst:
		total, rest, err := ReadVarUint(rest, h.Sp)
		if err != nil {
			return nil, fmt.Errorf("total length: %w", err)
		}
		p.Length = total
		p.Data = rest
	case CmdCreate, CmdData, CmdClose:
		p.Data = rest
	default:
		return nil, fmt.Errorf("unknown command 0x%02x", h.Cmd)
	}

	return p, nil
}

// CreationStatus reads the signed creation status of a create response.
func (p *PDU) CreationStatus() (int32, error) {
	if len(p.Data) < 4 {
		return 0, fmt.Errorf("creation status: need 4 bytes, have %d", len(p.Data))
	}
	return int32(binary.LittleEndian.Uint32(p.Data[:4])), nil
}

// CreateName returns the channel name of a create request.
func (p *PDU) CreateName() string {
	if i := bytes.IndexByte(p.Data, 0); i >= 0 {
		return string(p.Data[:i])
	}
	return string(p.Data)
}
