// Package rtcpterm реализует периодический терминатор RTCP (§4.10,
// компонент J): каждые 500 мс строит compound RR(+REMB) пакет из
// статистики приёма и инжектирует его в исходящий конвейер потока;
// обрабатывает входящие NACK (решения о ретрансмите по правилу 0.9·rtt) и
// делегирует FIR/PLI транслятору.
//
// Грунтовано на тикер-паттерне pkg/rtp/health_monitor.go (периодическая
// проверка состояния по таймеру) и на структуре периодической отправки
// отчётов pkg/rtp/rtcp_session.go (interval-based RTCP report loop).
// Решения по NACK считаются в простой структуре Counters под мьютексом;
// Prometheus-метрик пакет не регистрирует.
package rtcpterm

import (
	"context"
	"log"
	"sync"
	"time"

	softrtp "github.com/arzzra/soft_phone/pkg/rtp"
)

// TickInterval — фиксированный период терминатора (§4.10: "500 ms").
const TickInterval = 500 * time.Millisecond

// MaxBlocksPerRR — предел RFC 3550 на число reception-report блоков в одной
// RR (5-битное поле RC).
const MaxBlocksPerRR = 31

// ReceiveStats — внешний сборщик статистики приёма по треку (§4.10 п.2,
// "external collaborator"), потребляемый здесь без владения им.
type ReceiveStats interface {
	// Snapshot возвращает текущий блок приёмного отчёта для данного SSRC.
	Snapshot(ssrc uint32) (softrtp.ReceptionReport, bool)
	// TrackedSSRCs возвращает множество SSRC, за которыми ведётся наблюдение.
	TrackedSSRCs() []uint32
}

// RetransmitSender отправляет один кэшированный пакет повторно (§4.10
// "RTX transformer").
type RetransmitSender interface {
	Retransmit(buf []byte) error
}

// FeedbackSender делегирует FIR/PLI транслятору (§4.10 "send_fir").
type FeedbackSender interface {
	SendFIR(sourceSSRC uint32)
}

// PacketCache — тот же контракт, что и relay.PacketCache (§6), повторён
// здесь, чтобы rtcpterm не создавал циклическую зависимость на пакет relay.
type PacketCache interface {
	Get(ssrc uint32, seq uint16) (buf []byte, addedAt time.Time, ok bool)
}

// Counters собирает атомарные счётчики решений по NACK (§4.10).
type Counters struct {
	mu                      sync.Mutex
	PacketsRetransmitted    uint64
	PacketsNotRetransmitted uint64
	PacketsMissingFromCache uint64
}

func (c *Counters) incRetransmitted() {
	c.mu.Lock()
	c.PacketsRetransmitted++
	c.mu.Unlock()
}
func (c *Counters) incNotRetransmitted() {
	c.mu.Lock()
	c.PacketsNotRetransmitted++
	c.mu.Unlock()
}
func (c *Counters) incMissingFromCache() {
	c.mu.Lock()
	c.PacketsMissingFromCache++
	c.mu.Unlock()
}

// Terminator — периодический RTCP терминатор для один поток/сессию (§4.10).
type Terminator struct {
	localSSRC func() (uint32, bool)
	stats     ReceiveStats
	cache     PacketCache
	rtx       RetransmitSender
	fb        FeedbackSender
	rtt       func() time.Duration
	estimate  func() int64 // remote bitrate estimate, -1 = none

	inject func([]byte) // compound RTCP написан в исходящий конвейер потока

	Counters Counters

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config собирает внешние коллабораторы терминатора, аналогично
// teacher'овскому *SessionConfig / *RTCPSessionConfig паттерну
// (именованные поля конфигурации, нулевые значения = "не настроено").
type Config struct {
	LocalSSRC              func() (uint32, bool)
	Stats                  ReceiveStats
	Cache                  PacketCache
	Retransmit             RetransmitSender
	FeedbackSender         FeedbackSender
	RTT                    func() time.Duration
	RemoteBitrateEstimate  func() int64
	Inject                 func([]byte)
}

// New создаёт терминатор, но не запускает периодический тик — вызвать Start.
func New(cfg Config) *Terminator {
	return &Terminator{
		localSSRC: cfg.LocalSSRC,
		stats:     cfg.Stats,
		cache:     cfg.Cache,
		rtx:       cfg.Retransmit,
		fb:        cfg.FeedbackSender,
		rtt:       cfg.RTT,
		estimate:  cfg.RemoteBitrateEstimate,
		inject:    cfg.Inject,
	}
}

// Start запускает периодический scheduler на TickInterval (§5: "a single
// periodic scheduler that fires each terminator's tick").
func (t *Terminator) Start(ctx context.Context) {
	t.ctx, t.cancel = context.WithCancel(ctx)
	t.wg.Add(1)
	go t.loop()
}

// Stop останавливает scheduler и ждёт завершения текущего тика.
func (t *Terminator) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
}

func (t *Terminator) loop() {
	defer t.wg.Done()
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			t.tick()
		}
	}
}

// tick builds and injects one compound RTCP packet (§4.10 steps 1-5).
func (t *Terminator) tick() {
	ssrc, ok := t.localSSRC()
	if !ok {
		return
	}

	var blocks []softrtp.ReceptionReport
	if t.stats != nil {
		for _, s := range t.stats.TrackedSSRCs() {
			if rr, ok := t.stats.Snapshot(s); ok {
				blocks = append(blocks, rr)
			}
		}
	}

	var packets []softrtp.RTCPPacket
	for _, chunk := range chunkBlocks(blocks, MaxBlocksPerRR) {
		rr := softrtp.NewReceiverReport(ssrc)
		for _, b := range chunk {
			rr.AddReceptionReport(b)
		}
		packets = append(packets, rr)
	}
	if len(packets) == 0 {
		rr := softrtp.NewReceiverReport(ssrc)
		packets = append(packets, rr)
	}

	if t.estimate != nil {
		if bps := t.estimate(); bps >= 0 {
			ssrcs := make([]uint32, len(blocks))
			for i, b := range blocks {
				ssrcs[i] = b.SSRC
			}
			packets = append(packets, &softrtp.REMBPacket{
				SenderSSRC: ssrc,
				SSRCs:      ssrcs,
				BitrateBps: uint64(bps),
			})
		}
	}

	compound, err := softrtp.AssembleCompound(packets)
	if err != nil {
		log.Printf("rtcpterm: не удалось собрать compound RTCP: %v", err)
		return
	}
	if t.inject != nil {
		t.inject(compound)
	}
}

// chunkBlocks splits blocks into groups of at most max (§4.10 step 3, RFC
// 3550's 31-block RR limit), preserving order and using every block exactly
// once.
func chunkBlocks(blocks []softrtp.ReceptionReport, max int) [][]softrtp.ReceptionReport {
	if len(blocks) == 0 {
		return nil
	}
	var out [][]softrtp.ReceptionReport
	for len(blocks) > 0 {
		n := max
		if n > len(blocks) {
			n = len(blocks)
		}
		out = append(out, blocks[:n])
		blocks = blocks[n:]
	}
	return out
}

// HandleNack applies the NACK retransmit decision rule of §4.10: for each
// lost sequence, a cache hit old enough (≥ min(0.9·rtt, rtt-5ms)) is
// retransmitted; a too-recent cache hit and a cache miss are each counted
// separately.
func (t *Terminator) HandleNack(pkt *softrtp.NackPacket, now time.Time) {
	if t.cache == nil || t.rtx == nil {
		return
	}
	rtt := time.Duration(0)
	if t.rtt != nil {
		rtt = t.rtt()
	}
	threshold := rtt * 9 / 10
	if alt := rtt - 5*time.Millisecond; alt < threshold {
		threshold = alt
	}

	for _, seq := range pkt.LostSequenceNumbers() {
		buf, addedAt, ok := t.cache.Get(pkt.MediaSSRC, seq)
		if !ok {
			t.Counters.incMissingFromCache()
			continue
		}
		if now.Sub(addedAt) >= threshold {
			if err := t.rtx.Retransmit(buf); err != nil {
				log.Printf("rtcpterm: ретрансмит seq=%d не удался: %v", seq, err)
				continue
			}
			t.Counters.incRetransmitted()
		} else {
			t.Counters.incNotRetransmitted()
		}
	}
}

// HandleFIR and HandlePLI delegate to the translator's feedback-message
// sender (§4.10 "FIR / PLI").
func (t *Terminator) HandleFIR(pkt *softrtp.FIRPacket) {
	if t.fb == nil {
		return
	}
	t.fb.SendFIR(pkt.MediaSSRC)
}

func (t *Terminator) HandlePLI(pkt *softrtp.PLIPacket) {
	if t.fb == nil {
		return
	}
	t.fb.SendFIR(pkt.MediaSSRC)
}
