package rtp

import (
	"encoding/binary"
	"strings"
)

// Имена кодеков, которые понимает декодер
const (
	CodecPCMU = "PCMU" // G.711 μ-law, payload type 0
)

const (
	mulawBias      = 0x84 // 132, смещение G.711
	mulawSignBit   = 0x80
	mulawQuantMask = 0x0F
	mulawSegMask   = 0x70
	mulawSegShift  = 4
)

// mulawTable таблица расширения μ-law -> PCM16, строится один раз при старте процесса
var mulawTable [256]int16

func init() {
	for i := 0; i < 256; i++ {
		mulawTable[i] = expandMulaw(byte(i))
	}
}

// expandMulaw расширяет один байт G.711 μ-law в 16-битный линейный отсчет
func expandMulaw(b byte) int16 {
	u := ^b

	t := (int32(u&mulawQuantMask) << 3) + mulawBias
	t <<= (u & mulawSegMask) >> mulawSegShift

	sample := t - mulawBias
	if u&mulawSignBit != 0 {
		sample = -sample
	}

	if sample > 32767 {
		return 32767
	}
	if sample < -32768 {
		return -32768
	}
	return int16(sample)
}

// MulawSample возвращает линейное значение для одного μ-law байта
func MulawSample(b byte) int16 {
	return mulawTable[b]
}

// DecodeMulaw декодирует буфер G.711 μ-law в PCM16 little-endian.
// Длина результата всегда ровно вдвое больше входа.
func DecodeMulaw(payload []byte) []byte {
	out := make([]byte, len(payload)*2)
	for i, b := range payload {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(MulawSample(b)))
	}
	return out
}

// DecodePayload декодирует payload согласно имени кодека.
//
// Реализован только PCMU. Для любого другого кодека payload возвращается без
// изменений: это известное ограничение, а не ошибка.
func DecodePayload(codec string, payload []byte) []byte {
	if strings.EqualFold(codec, CodecPCMU) {
		return DecodeMulaw(payload)
	}
	return payload
}

// IsSupportedCodec сообщает, умеет ли декодер нормализовать кодек в PCM16
func IsSupportedCodec(codec string) bool {
	return strings.EqualFold(codec, CodecPCMU)
}
