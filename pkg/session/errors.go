package session

import (
	"errors"

	"github.com/samber/oops"
)

var (
	// ErrPortExhausted все порты диапазона заняты
	ErrPortExhausted = errors.New("нет свободных RTP портов")

	// ErrInvalidRequest запрос на старт без идентификатора звонка
	ErrInvalidRequest = errors.New("некорректный запрос на старт звонка")

	// ErrManagerClosed менеджер уже остановлен
	ErrManagerClosed = errors.New("менеджер сессий закрыт")
)

// errorBuilder общая точка построения структурированных ошибок пакета
func errorBuilder(callID string) oops.OopsErrorBuilder {
	return oops.In("session").With("call_id", callID)
}
