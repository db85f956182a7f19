package relay

import (
	"log"
	"sync"
)

// taggedPacket — один буфер, помеченный идентификатором его источника или
// назначения (§4.9: "tags it with source_k_desc").
type taggedPacket struct {
	desc    string
	pt      uint8
	hasPT   bool
	excluded string // peer-id, которому эта копия не предназначена (MuxOutput)
	buf     []byte
}

// MuxInput — fan-in N push-style источников данных (§4.9). Источники не
// регистрируются заранее: каждый передаёт свои данные через Offer, а mux
// помечает их источником и кладёт в ограниченную FIFO. Отдельная горутина-пушер извлекает записи из FIFO и вызывает
// пользовательский обработчик, который в свою очередь вызывает Read.
type MuxInput struct {
	mu       sync.Mutex
	queue    chan taggedPacket
	handler  func()
	pending  taggedPacket
	hasOne   bool
	closed   bool
	closeCh  chan struct{}
	dropped  uint64
}

// NewMuxInput создаёт входной мультиплексор с ограниченной ёмкостью FIFO cap.
func NewMuxInput(cap int) *MuxInput {
	if cap <= 0 {
		cap = DefaultMuxQueueCapacity
	}
	m := &MuxInput{
		queue:   make(chan taggedPacket, cap),
		closeCh: make(chan struct{}),
	}
	go m.pump()
	return m
}

// SetTransferHandler регистрирует пользовательский обработчик, вызываемый
// пушер-горутиной при поступлении каждого пакета.
func (m *MuxInput) SetTransferHandler(h func()) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

// Offer кладёт сырой буфер от source в FIFO, копируя его (источник может
// переиспользовать свой буфер сразу после вызова). При переполнении FIFO
// старейшая запись отбрасывается и пишется предупреждение (§5
// "resource-exhausted").
func (m *MuxInput) Offer(source string, pt uint8, hasPT bool, buf []byte) {
	cp := append([]byte(nil), buf...)
	pkt := taggedPacket{desc: source, pt: pt, hasPT: hasPT, buf: cp}
	select {
	case m.queue <- pkt:
	default:
		select {
		case old := <-m.queue:
			_ = old
			m.dropped++
			log.Printf("relay: MuxInput очередь переполнена, отброшен самый старый пакет от %s", old.desc)
		default:
		}
		select {
		case m.queue <- pkt:
		default:
		}
	}
}

// pump — горутина-пушер: ждёт на FIFO и вызывает пользовательский
// обработчик один раз на пакет (§4.9, §5 "never call user code while holding
// locks").
func (m *MuxInput) pump() {
	for {
		select {
		case pkt := <-m.queue:
			m.mu.Lock()
			m.pending = pkt
			m.hasOne = true
			h := m.handler
			m.mu.Unlock()
			if h != nil {
				h()
			}
		case <-m.closeCh:
			return
		}
	}
}

// Read извлекает самый недавно переданный обработчику пакет в buf. Если
// buf короче длины пакета, возвращает ошибку "Length N insufficient..."
// (§4.9) и не потребляет запись.
func (m *MuxInput) Read(buf []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasOne {
		return 0, nil
	}
	pkt := m.pending
	if len(buf) < len(pkt.buf) {
		return 0, errShortBuffer(len(buf), len(pkt.buf))
	}
	n := copy(buf, pkt.buf)
	m.hasOne = false
	return n, nil
}

// Close останавливает пушер-горутину. Пакеты в полёте могут быть потеряны
// (§5 "Cancellation and teardown").
func (m *MuxInput) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()
	close(m.closeCh)
}

// muxDestination — один адресат MuxOutput: peer-id (для исключения
// источника из фан-аута) и функция записи.
type muxDestination struct {
	peerID string
	write  func(buf []byte) (int, error)
}

// MuxOutput — fan-out на M адресатов (§4.9). Write кладёт глубокую копию в
// очередь; единственная горутина-писатель извлекает записи и вызывает
// каждый адресат, пропуская excludedPeer. PT-переписывание выполняется
// вызывающим кодом (Translator) до постановки в очередь — каждому адресату
// уже передан нужный буфер (§4.8 п.4).
type MuxOutput struct {
	mu      sync.Mutex
	dests   []muxDestination
	queue   chan taggedPacket
	closeCh chan struct{}
	dropped uint64
}

// NewMuxOutput создаёт выходной мультиплексор с ограниченной ёмкостью FIFO.
func NewMuxOutput(cap int) *MuxOutput {
	if cap <= 0 {
		cap = DefaultMuxQueueCapacity
	}
	m := &MuxOutput{
		queue:   make(chan taggedPacket, cap),
		closeCh: make(chan struct{}),
	}
	go m.drain()
	return m
}

// AddDestination регистрирует один адресат фан-аута.
func (m *MuxOutput) AddDestination(peerID string, write func(buf []byte) (int, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dests = append(m.dests, muxDestination{peerID: peerID, write: write})
}

// RemoveDestination отменяет регистрацию адресата по peer-id.
func (m *MuxOutput) RemoveDestination(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, d := range m.dests {
		if d.peerID == peerID {
			m.dests = append(m.dests[:i], m.dests[i+1:]...)
			return
		}
	}
}

// Write ставит buf в очередь для фан-аута ко всем адресатам, кроме
// excludedPeer (§4.8 "never written to S's data output"). На переполнении
// самая старая запись отбрасывается (§5).
func (m *MuxOutput) Write(buf []byte, excludedPeer string) {
	cp := append([]byte(nil), buf...)
	pkt := taggedPacket{excluded: excludedPeer, buf: cp}
	select {
	case m.queue <- pkt:
		return
	default:
	}
	select {
	case <-m.queue:
		m.dropped++
		log.Printf("relay: MuxOutput очередь переполнена, отброшен самый старый пакет")
	default:
	}
	select {
	case m.queue <- pkt:
	default:
	}
}

// drain — единственная горутина-писатель: извлекает из очереди и пишет
// каждому неисключённому адресату (§4.9, §5 "preserve order").
func (m *MuxOutput) drain() {
	for {
		select {
		case pkt := <-m.queue:
			m.mu.Lock()
			dests := append([]muxDestination(nil), m.dests...)
			m.mu.Unlock()
			for _, d := range dests {
				if d.peerID == pkt.excluded {
					continue
				}
				if _, err := d.write(pkt.buf); err != nil {
					log.Printf("relay: запись адресату %s завершилась ошибкой: %v", d.peerID, err)
				}
			}
		case <-m.closeCh:
			return
		}
	}
}

// Close останавливает горутину-писатель. Пакеты, оставшиеся в очереди, не
// записываются.
func (m *MuxOutput) Close() {
	close(m.closeCh)
}
