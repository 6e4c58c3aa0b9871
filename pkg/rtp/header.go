package rtp

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/pion/rtp"
)

// Константы для валидации пакетов согласно RFC 3550
const (
	MinRTPPacketSize   = 12 // Минимальный размер RTP заголовка
	ExpectedRTPVersion = 2  // RFC 3550: RTP version должна быть 2

	extensionBit       = 0x10
	csrcCountMask      = 0x0F
	extensionHeaderLen = 4
)

// ErrParse базовая ошибка разбора входящего RTP пакета
var ErrParse = errors.New("некорректный RTP пакет")

// ParseError описывает причину отбраковки пакета
type ParseError struct {
	Size   int
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%d байт): %s: %v", ErrParse, e.Size, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s (%d байт): %s", ErrParse, e.Size, e.Reason)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Is позволяет сравнивать любую ParseError с ErrParse через errors.Is
func (e *ParseError) Is(target error) bool { return target == ErrParse }

// Packet разобранный RTP пакет. Payload ссылается на исходный буфер после
// заголовка, CSRC списка и расширения.
type Packet struct {
	rtp.Header
	Payload []byte
}

// ParseHeader разбирает фиксированный заголовок RTP, CSRC список и расширение.
// Пакет отбрасывается целиком при любой ошибке.
func ParseHeader(data []byte) (*Packet, error) {
	if len(data) < MinRTPPacketSize {
		return nil, &ParseError{Size: len(data), Reason: fmt.Sprintf("пакет короче %d байт", MinRTPPacketSize)}
	}

	// pion не проверяет версию, поэтому смотрим на старшие биты сами
	if version := data[0] >> 6; version != ExpectedRTPVersion {
		return nil, &ParseError{
			Size:   len(data),
			Reason: fmt.Sprintf("неподдерживаемая версия RTP: %d (ожидается %d)", version, ExpectedRTPVersion),
		}
	}

	var packet rtp.Packet
	err := packet.Unmarshal(data)
	if err == nil {
		return &Packet{Header: packet.Header, Payload: packet.Payload}, nil
	}
	if data[0]&extensionBit == 0 {
		return nil, &ParseError{Size: len(data), Reason: "ошибка демаршалинга заголовка", Err: err}
	}

	// pion строго разбирает элементы RFC 8285. Содержимое расширения нам не
	// нужно, достаточно чтобы блок помещался в пакет по объявленной длине.
	return parseOpaqueExtension(data, err)
}

// parseOpaqueExtension пропускает блок расширения целиком, не разбирая элементы
func parseOpaqueExtension(data []byte, cause error) (*Packet, error) {
	offset := MinRTPPacketSize + 4*int(data[0]&csrcCountMask)
	if len(data) < offset+extensionHeaderLen {
		return nil, &ParseError{Size: len(data), Reason: "ошибка демаршалинга заголовка", Err: cause}
	}

	profile := binary.BigEndian.Uint16(data[offset:])
	end := offset + extensionHeaderLen + 4*int(binary.BigEndian.Uint16(data[offset+2:]))
	if end > len(data) {
		return nil, &ParseError{Size: len(data), Reason: "расширение выходит за границу пакета", Err: cause}
	}

	fixed := make([]byte, offset)
	copy(fixed, data[:offset])
	fixed[0] &^= extensionBit

	var header rtp.Header
	if _, err := header.Unmarshal(fixed); err != nil {
		return nil, &ParseError{Size: len(data), Reason: "ошибка демаршалинга заголовка", Err: err}
	}
	header.Extension = true
	header.ExtensionProfile = profile

	payload := data[end:]
	if header.Padding {
		if len(payload) == 0 {
			return nil, &ParseError{Size: len(data), Reason: "padding без payload"}
		}
		padding := int(payload[len(payload)-1])
		if padding == 0 || padding > len(payload) {
			return nil, &ParseError{Size: len(data), Reason: fmt.Sprintf("неверная длина padding: %d", padding)}
		}
		payload = payload[:len(payload)-padding]
	}

	return &Packet{Header: header, Payload: payload}, nil
}
