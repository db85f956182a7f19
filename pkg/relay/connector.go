// Package relay реализует ядро медиа-релея SFU: fan-out транслятор,
// per-peer менеджер потоков и мультиплексированные входные/выходные
// очереди поверх абстрактного коннектора (§4.8-4.9 спецификации).
//
// Нет прямого прообраза в teacher-репозитории на уровне пакета (у
// arzzra-soft_phone нет конференц-транслятора), но форма API заимствована у
// pkg/rtp.SessionManager (реестр сессий с общим мьютексом) и у
// transport_common.go (общие константы буфера/таймаутов).
package relay

import (
	"fmt"
	"time"
)

// DataInput — push-style источник входящих байтовых буферов одного peer'а
// (§6 "Connector contract"). Реализация вызывает TransferHandler всякий раз,
// когда доступны новые данные; Read затем извлекает один пакет.
type DataInput interface {
	SetTransferHandler(h func())
	Read(buf []byte) (n int, err error)
}

// DataOutput — приёмник исходящих байтовых буферов одного peer'а.
type DataOutput interface {
	Write(buf []byte) (n int, err error)
}

// Connector — абстракция над четырьмя потоками одного peer'а: данные и
// управление, каждый в обе стороны (§6). Relay никогда не владеет
// коннектором — вызывающий код предоставляет его и отвечает за сетевой ввод/вывод.
type Connector interface {
	DataInput() DataInput
	DataOutput() DataOutput
	ControlInput() DataInput
	ControlOutput() DataOutput
	Close() error
}

// PacketCache — контракт внешнего хранилища "sequence number → буфер с
// временем добавления", используемого терминатором для решений о ретрансмите
// (§6).
type PacketCache interface {
	Get(ssrc uint32, seq uint16) (buf []byte, addedAt time.Time, ok bool)
}

// RemoteBitrateEstimator — контракт внешнего оценщика пропускной
// способности (§6). LatestEstimateBps возвращает -1, если оценки нет.
type RemoteBitrateEstimator interface {
	LatestEstimateBps() int64
	ObservedSSRCs() map[uint32]struct{}
}

// Общие константы плоскости данных relay, аналог DefaultBufferSize и
// соседних констант в pkg/rtp/transport_common.go.
const (
	// DefaultMinTransferSize — минимальный размер пулового буфера,
	// которым MuxInput читает один пакет источника (§4.9).
	DefaultMinTransferSize = 2048

	// DefaultMuxQueueCapacity — ёмкость ограниченной FIFO входного и
	// выходного мультиплексора (§4.9, §5).
	DefaultMuxQueueCapacity = 256

	// ReadPollInterval — верхняя граница ожидания на Read(), чтобы close()
	// гарантированно наблюдался (§5 "Suspension points").
	ReadPollInterval = 100 * time.Millisecond
)

// errShortBuffer воспроизводит сообщение источника "Length N insufficient;
// must be at least M" (§4.9) для Read() с буфером короче длины пакета.
func errShortBuffer(have, need int) error {
	return fmt.Errorf("relay: длина буфера %d недостаточна; требуется как минимум %d", have, need)
}
