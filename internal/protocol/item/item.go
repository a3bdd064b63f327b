package item

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const HeaderLen = 4

var (
	ErrShortItemHeader = errors.New("item: short item header")
	ErrShortItemValue  = errors.New("item: short item value")
	ErrItemTooLarge    = errors.New("item: value exceeds 65535 bytes")
)

// Item type IDs from PS3.8 9.3.2.
const (
	TypeApplicationContext    uint8 = 0x10
	TypePresentationContextRQ uint8 = 0x20
	TypePresentationContextAC uint8 = 0x21
	TypeAbstractSyntax        uint8 = 0x30
	TypeTransferSyntax        uint8 = 0x40
	TypeUserInformation       uint8 = 0x50
	TypeMaxLength             uint8 = 0x51
	TypeImplementationClass   uint8 = 0x52
	TypeImplementationVersion uint8 = 0x55
)

// Item is one decoded variable item.
type Item struct {
	Type  uint8
	Value []byte
}

func EncodeItem(it Item) ([]byte, error) {
	if len(it.Value) > 0xFFFF {
		return nil, ErrItemTooLarge
	}
	buf := make([]byte, HeaderLen+len(it.Value))
	buf[0] = it.Type
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(it.Value)))
	copy(buf[4:], it.Value)
	return buf, nil
}

func DecodeItems(payload []byte) ([]Item, error) {
	items := make([]Item, 0)
	i := 0
	for i < len(payload) {
		if len(payload)-i < HeaderLen {
			return nil, ErrShortItemHeader
		}
		typeID := payload[i]
		l := int(binary.BigEndian.Uint16(payload[i+2 : i+4]))
		i += HeaderLen
		if len(payload)-i < l {
			return nil, ErrShortItemValue
		}
		val := make([]byte, l)
		copy(val, payload[i:i+l])
		i += l
		items = append(items, Item{Type: typeID, Value: val})
	}
	return items, nil
}

func EncodeItems(items []Item) ([]byte, error) {
	out := make([]byte, 0)
	for _, it := range items {
		b, err := EncodeItem(it)
		if err != nil {
			return nil, fmt.Errorf("item 0x%02x: %w", it.Type, err)
		}
		out = append(out, b...)
	}
	return out, nil
}

func GetItem(items []Item, typeID uint8) (Item, bool) {
	for _, it := range items {
		if it.Type == typeID {
			return it, true
		}
	}
	return Item{}, false
}

func UID(typeID uint8, v string) Item {
	return Item{Type: typeID, Value: []byte(v)}
}

func U32(typeID uint8, v uint32) Item {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return Item{Type: typeID, Value: b}
}

func U32FromBytes(b []byte) (uint32, error) {
	if len(b) != 4 {
		return 0, fmt.Errorf("item: invalid u32 length: %d", len(b))
	}
	return binary.BigEndian.Uint32(b), nil
}
