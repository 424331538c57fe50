package packet

import "github.com/mqttcore/broker/pkg/er"

// Parse determines the packet type from the fixed header and decodes
// the matching variant.
func Parse(raw []byte) (*ParsedPacket, error) {
	if len(raw) < 1 {
		return nil, &er.Err{
			Context: "Parse",
			Message: er.ErrShortBuffer,
		}
	}

	packetType := Type(raw[0])
	result := &ParsedPacket{
		Type: packetType,
		Raw:  raw,
	}

	switch packetType {
	case CONNECT:
		p := &ConnectPacket{}
		if err := p.Parse(raw); err != nil {
			return nil, err
		}
		result.Connect = p

	case PUBLISH:
		p := &PublishPacket{}
		if err := p.Parse(raw); err != nil {
			return nil, err
		}
		result.Publish = p

	case SUBSCRIBE:
		p := &SubscribePacket{}
		if err := p.Parse(raw); err != nil {
			return nil, err
		}
		result.Subscribe = p

	case UNSUBSCRIBE:
		p := &UnsubscribePacket{}
		if err := p.ParseUnsubscribe(raw); err != nil {
			return nil, err
		}
		result.Unsubscribe = p

	case PUBACK:
		p := &PubackPacket{}
		if err := p.Parse(raw); err != nil {
			return nil, err
		}
		result.Puback = p

	case PUBREC:
		p := &PubrecPacket{}
		if err := p.Parse(raw); err != nil {
			return nil, err
		}
		result.Pubrec = p

	case PUBREL:
		p := &PubrelPacket{}
		if err := p.Parse(raw); err != nil {
			return nil, err
		}
		result.Pubrel = p

	case PUBCOMP:
		p := &PubcompPacket{}
		if err := p.Parse(raw); err != nil {
			return nil, err
		}
		result.Pubcomp = p

	case PINGREQ:
		p := &PingreqPacket{}
		if err := p.ParsePingreq(raw); err != nil {
			return nil, err
		}
		result.Pingreq = p

	case DISCONNECT:
		p := &DisconnectPacket{}
		if err := p.Parse(raw); err != nil {
			return nil, err
		}
		result.Disconnect = p

	default:
		return nil, &er.Err{
			Context: "Parse",
			Message: er.ErrInvalidPacketType,
		}
	}

	return result, nil
}
