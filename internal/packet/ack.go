package packet

import (
	"encoding/binary"

	"github.com/mqttcore/broker/pkg/er"
)

// PubackPacket completes the QoS 1 handshake.
type PubackPacket struct {
	PacketID uint16
}

// NewPubAck builds a PUBACK for the given packet id.
func NewPubAck(packetID uint16) *PubackPacket {
	return &PubackPacket{PacketID: packetID}
}

// Encode converts the PUBACK packet to bytes.
func (p *PubackPacket) Encode() []byte {
	return []byte{
		byte(PUBACK),
		0x02,
		byte(p.PacketID >> 8),
		byte(p.PacketID & 0xFF),
	}
}

// Parse parses a PUBACK packet from raw bytes.
func (p *PubackPacket) Parse(raw []byte) error {
	if len(raw) != 4 {
		return &er.Err{Context: "Puback", Message: er.ErrInvalidPubackPacket}
	}
	if Type(raw[0]) != PUBACK {
		return &er.Err{Context: "Puback", Message: er.ErrInvalidPubackPacket}
	}
	if raw[1] != 0x02 {
		return &er.Err{Context: "Puback, Remaining Length", Message: er.ErrInvalidPacketLength}
	}
	p.PacketID = binary.BigEndian.Uint16(raw[2:4])
	if p.PacketID == 0 {
		return &er.Err{Context: "Puback, PacketID", Message: er.ErrInvalidPacketID}
	}
	return nil
}

// PubrecPacket is the first half of the QoS 2 handshake's receiver leg:
// "I have stored your PUBLISH".
type PubrecPacket struct {
	PacketID uint16
}

// NewPubRec builds a PUBREC for the given packet id.
func NewPubRec(packetID uint16) *PubrecPacket {
	return &PubrecPacket{PacketID: packetID}
}

// Encode converts the PUBREC packet to bytes.
func (p *PubrecPacket) Encode() []byte {
	return []byte{
		byte(PUBREC),
		0x02,
		byte(p.PacketID >> 8),
		byte(p.PacketID & 0xFF),
	}
}

// Parse parses a PUBREC packet from raw bytes.
func (p *PubrecPacket) Parse(raw []byte) error {
	if len(raw) != 4 {
		return &er.Err{Context: "Pubrec", Message: er.ErrInvalidPubrecPacket}
	}
	if Type(raw[0]) != PUBREC {
		return &er.Err{Context: "Pubrec", Message: er.ErrInvalidPubrecPacket}
	}
	if raw[1] != 0x02 {
		return &er.Err{Context: "Pubrec, Remaining Length", Message: er.ErrInvalidPacketLength}
	}
	p.PacketID = binary.BigEndian.Uint16(raw[2:4])
	if p.PacketID == 0 {
		return &er.Err{Context: "Pubrec, PacketID", Message: er.ErrInvalidPacketID}
	}
	return nil
}

// PubrelPacket releases a stored QoS 2 message for delivery.
type PubrelPacket struct {
	PacketID uint16
	DUP      bool
}

// NewPubRel builds a PUBREL for the given packet id.
func NewPubRel(packetID uint16, dup bool) *PubrelPacket {
	return &PubrelPacket{PacketID: packetID, DUP: dup}
}

// Encode converts the PUBREL packet to bytes. The fixed header's
// reserved bits are always 0010, per the MQTT 3.1.1 spec.
func (p *PubrelPacket) Encode() []byte {
	return []byte{
		byte(PUBREL) | 0x02,
		0x02,
		byte(p.PacketID >> 8),
		byte(p.PacketID & 0xFF),
	}
}

// Parse parses a PUBREL packet from raw bytes.
func (p *PubrelPacket) Parse(raw []byte) error {
	if len(raw) != 4 {
		return &er.Err{Context: "Pubrel", Message: er.ErrInvalidPubrelPacket}
	}
	if Type(raw[0]) != PUBREL {
		return &er.Err{Context: "Pubrel", Message: er.ErrInvalidPubrelPacket}
	}
	if (raw[0] & 0x0F) != 0x02 {
		return &er.Err{Context: "Pubrel, Fixed Header", Message: er.ErrInvalidPubrelFlags}
	}
	if raw[1] != 0x02 {
		return &er.Err{Context: "Pubrel, Remaining Length", Message: er.ErrInvalidPacketLength}
	}
	p.PacketID = binary.BigEndian.Uint16(raw[2:4])
	if p.PacketID == 0 {
		return &er.Err{Context: "Pubrel, PacketID", Message: er.ErrInvalidPacketID}
	}
	return nil
}

// PubcompPacket completes the QoS 2 handshake.
type PubcompPacket struct {
	PacketID uint16
}

// NewPubComp builds a PUBCOMP for the given packet id.
func NewPubComp(packetID uint16) *PubcompPacket {
	return &PubcompPacket{PacketID: packetID}
}

// Encode converts the PUBCOMP packet to bytes.
func (p *PubcompPacket) Encode() []byte {
	return []byte{
		byte(PUBCOMP),
		0x02,
		byte(p.PacketID >> 8),
		byte(p.PacketID & 0xFF),
	}
}

// Parse parses a PUBCOMP packet from raw bytes.
func (p *PubcompPacket) Parse(raw []byte) error {
	if len(raw) != 4 {
		return &er.Err{Context: "Pubcomp", Message: er.ErrInvalidPubcompPacket}
	}
	if Type(raw[0]) != PUBCOMP {
		return &er.Err{Context: "Pubcomp", Message: er.ErrInvalidPubcompPacket}
	}
	if raw[1] != 0x02 {
		return &er.Err{Context: "Pubcomp, Remaining Length", Message: er.ErrInvalidPacketLength}
	}
	p.PacketID = binary.BigEndian.Uint16(raw[2:4])
	if p.PacketID == 0 {
		return &er.Err{Context: "Pubcomp, PacketID", Message: er.ErrInvalidPacketID}
	}
	return nil
}
