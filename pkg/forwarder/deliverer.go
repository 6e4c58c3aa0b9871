// Package forwarder пересылает декодированное PCM16 аудио звонка сервису
// транскрипции.
//
// На каждый звонок запускается один Pipeline: он забирает фрагменты из
// ограниченной очереди сессии и передает их Deliverer. Ошибки доставки
// учитываются и пропускаются, повторов нет.
package forwarder

import (
	"context"
	"errors"
	"fmt"
)

// ErrDelivery базовая ошибка доставки фрагмента
var ErrDelivery = errors.New("ошибка доставки аудио")

// Deliverer передает один фрагмент PCM16 сервису транскрипции.
//
// Deliver вызывается последовательно из горутины звонка, StopCall ждет его
// возврата. После отмены ctx реализация обязана вернуться без задержки.
type Deliverer interface {
	Deliver(ctx context.Context, callID string, pcm []byte) error
}

// DeliveryError сервис транскрипции ответил кодом вне 2xx
type DeliveryError struct {
	CallID     string
	StatusCode int
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("%s: звонок %s, статус %d", ErrDelivery, e.CallID, e.StatusCode)
}

// Is позволяет сравнивать DeliveryError с ErrDelivery
func (e *DeliveryError) Is(target error) bool { return target == ErrDelivery }

// NopDeliverer отбрасывает аудио. Используется, когда адрес сервиса не задан.
type NopDeliverer struct{}

func (NopDeliverer) Deliver(context.Context, string, []byte) error { return nil }

// DelivererFunc адаптер обычной функции к Deliverer
type DelivererFunc func(ctx context.Context, callID string, pcm []byte) error

func (f DelivererFunc) Deliver(ctx context.Context, callID string, pcm []byte) error {
	return f(ctx, callID, pcm)
}
