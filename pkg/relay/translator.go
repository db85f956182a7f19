package relay

import (
	"log"
	"sync"

	"github.com/arzzra/soft_phone/pkg/fec"
	softrtp "github.com/arzzra/soft_phone/pkg/rtp"
	"github.com/google/uuid"
)

// Translator — fan-out ядро конференции (§4.8, компонент I). Генерализует
// реестр сессий pkg/rtp.SessionManager (общий мьютекс над картой сессий) на
// copy-on-write список равноправных peer'ов, как того требует §5: "attach/
// detach takes a global mutex, dispersal reads a snapshot".
type Translator struct {
	SessionID string

	mu    sync.Mutex
	peers []*Peer // copy-on-write snapshot; replaced wholesale on attach/detach

	metrics *Metrics

	// OnLocalRTCP получает копию каждого разобранного RTCP под-пакета,
	// принятого от любого peer'а, прежде чем (или независимо от того,
	// будет ли) он разослан остальным (§4.8 п.5 "Feed a copy to the local
	// RTCP terminator"). Как правило устанавливается вызывающим кодом,
	// разбирающим pkt по типу и делегирующим rtcpterm.Terminator.HandleNack/
	// HandleFIR/HandlePLI.
	OnLocalRTCP func(peerID string, pkt softrtp.RTCPPacket)
}

// NewTranslator создаёт транслятор для одной конференц-сессии.
func NewTranslator(metrics *Metrics) *Translator {
	if metrics == nil {
		metrics = NewMetrics("", "")
	}
	return &Translator{SessionID: uuid.New().String(), metrics: metrics}
}

// inputReadBufferSize — размер пулового буфера для одного чтения из
// push-style источника коннектора (§4.9, DefaultMinTransferSize).
const inputReadBufferSize = DefaultMinTransferSize

// wireConnectorInput подключает push-style data/control входы коннектора к
// диспетчеру транслятора (§4.8 п.1 "wire them into the shared multiplexed
// input ... streams"): при каждом сигнале "данные доступны" обработчик
// читает один пакет и передаёт его в DispatchRTP/DispatchRTCP.
func (t *Translator) wireConnectorInput(p *Peer, c Connector) {
	if di := c.DataInput(); di != nil {
		di.SetTransferHandler(func() {
			buf := make([]byte, inputReadBufferSize)
			n, err := di.Read(buf)
			if err != nil || n == 0 {
				return
			}
			t.DispatchRTP(p, buf[:n])
		})
	}

	ci := c.ControlInput()
	if ci == nil {
		return
	}
	ci.SetTransferHandler(func() {
		buf := make([]byte, inputReadBufferSize)
		n, err := ci.Read(buf)
		if err != nil || n == 0 {
			return
		}
		packets, err := softrtp.ParseCompound(buf[:n])
		if err != nil {
			t.metrics.incDropped("invalid-packet")
			return
		}
		t.DispatchRTCP(p, packets, func(pkt softrtp.RTCPPacket) {
			if t.OnLocalRTCP != nil {
				t.OnLocalRTCP(p.ID, pkt)
			}
		})
	})
}

// snapshot возвращает текущий срез peer'ов без удержания мьютекса во время
// диспергирования (§5 "dispersal reads a snapshot").
func (t *Translator) snapshot() []*Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peers
}

// Attach регистрирует нового peer'а, привязывает его коннектор и открывает
// четыре под-потока (§4.8 п.1). Peer начинает получать копии фан-аута сразу.
func (t *Translator) Attach(p *Peer, c Connector) {
	out := NewMuxOutput(DefaultMuxQueueCapacity)
	ctrlOut := NewMuxOutput(DefaultMuxQueueCapacity)
	p.Attach(c, out, ctrlOut)
	t.wireConnectorInput(p, c)

	t.mu.Lock()
	defer t.mu.Unlock()
	next := make([]*Peer, 0, len(t.peers)+1)
	next = append(next, t.peers...)
	next = append(next, p)
	t.peers = next
}

// Detach удаляет peer'а из списка и отвязывает его коннектор (§4.8 п.1).
func (t *Translator) Detach(peerID string) {
	t.mu.Lock()
	next := make([]*Peer, 0, len(t.peers))
	for _, p := range t.peers {
		if p.ID == peerID {
			p.Detach()
			continue
		}
		next = append(next, p)
	}
	t.peers = next
	t.mu.Unlock()
}

// DispatchRTP implements the RTP dispersal algorithm (§4.8 п.4) for one
// incoming buffer from peer src.
func (t *Translator) DispatchRTP(src *Peer, buf []byte) {
	if !src.Direction.CanReceive() {
		t.metrics.incDropped("direction")
		return
	}
	if !softrtp.RTPIsValid(buf, 0, len(buf)) {
		t.metrics.incDropped("invalid-packet")
		return
	}
	ssrc, err := softrtp.RTPSSRC(buf, 0, len(buf))
	if err != nil {
		t.metrics.incDropped("invalid-packet")
		return
	}
	pt, _, err := softrtp.RTPPayloadType(buf, 0, len(buf))
	if err != nil {
		t.metrics.incDropped("invalid-packet")
		return
	}

	// FEC ingest (§2, §4.5): packets whose PT matches src's negotiated
	// ULPFEC/FlexFEC-03 payload type are terminated here rather than
	// dispersed as media. Recovered media packets are fed back through
	// this same dispatch so cross-talk/claim/format rules still apply to
	// them as if they had arrived off the wire.
	if kind, ok := src.fecKind(pt); ok {
		recovered := t.ingestFEC(src, kind, ssrc, buf)
		for _, mp := range recovered {
			t.DispatchRTP(src, mp.Raw)
		}
		return
	}
	src.fecFeedMedia(ssrc, buf)

	peers := t.snapshot()
	if !src.ClaimsSSRC(ssrc) {
		if claimedByOther(peers, src, ssrc) {
			// Another peer already owns this SSRC: drop to prevent
			// cross-talk (§4.8 п.4).
			t.metrics.incDropped("cross-talk")
			return
		}
		src.ClaimSSRC(ssrc)
	}

	format, hasFormat := src.FormatForPT(pt)

	for _, dst := range peers {
		if dst == src {
			continue
		}
		if !dst.Attached() {
			continue
		}
		if !dst.Direction.CanSend() {
			continue
		}
		out := buf
		if hasFormat {
			if destPT, ok := dst.PTForFormat(format.Name); ok && destPT != pt {
				out = append([]byte(nil), buf...)
				if err := softrtp.RTPSetPayloadType(out, 0, len(out), destPT); err != nil {
					log.Printf("relay: не удалось переписать PT для %s: %v", dst.ID, err)
					out = buf
				}
			}
		}
		dst.mu.RLock()
		w := dst.out
		dst.mu.RUnlock()
		if w != nil {
			w.Write(out, src.ID)
		}
	}
}

// ingestFEC feeds one FEC packet from src into its per-SSRC receiver and
// sweeps for newly recoverable media (§4.5). ssrc is the FEC packet's own
// SSRC, which under the common same-SSRC ULPFEC convention also identifies
// the media stream it protects.
func (t *Translator) ingestFEC(src *Peer, kind fec.FECKind, ssrc uint32, buf []byte) []fec.MediaPacket {
	r := src.fecReceiverFor(ssrc)
	var err error
	if kind == fec.KindULPFEC {
		err = r.ProcessULPFEC(buf)
	} else {
		err = r.ProcessFlexFEC(buf)
	}
	if err != nil {
		t.metrics.incDropped("invalid-packet")
		return nil
	}
	return r.Recover()
}

// claimedByOther reports whether some peer other than src already claims
// ssrc (§3 "claimed by at most one peer at a time").
func claimedByOther(peers []*Peer, src *Peer, ssrc uint32) bool {
	for _, p := range peers {
		if p == src {
			continue
		}
		if p.ClaimsSSRC(ssrc) {
			return true
		}
	}
	return false
}

// DispatchRTCP implements the RTCP dispersal rule (§4.8 п.5): same
// cross-talk exclusion, plus payload-specific feedback whose source_ssrc is
// not a receive-SSRC of the destination is filtered out. onLocal receives a
// copy for the local RTCP terminator regardless of fan-out outcome.
func (t *Translator) DispatchRTCP(src *Peer, packets []softrtp.RTCPPacket, onLocal func(softrtp.RTCPPacket)) {
	peers := t.snapshot()
	for _, pkt := range packets {
		if onLocal != nil {
			onLocal(pkt)
		}
		for _, dst := range peers {
			if dst == src || !dst.Attached() {
				continue
			}
			if mediaSSRC, ok := sourceSSRCOf(pkt); ok {
				if !dst.ClaimsSSRC(mediaSSRC) {
					continue
				}
			}
			raw, err := pkt.Marshal()
			if err != nil {
				t.metrics.incDropped("invalid-packet")
				continue
			}
			dst.mu.RLock()
			w := dst.ctrlOut
			dst.mu.RUnlock()
			if w != nil {
				w.Write(raw, src.ID)
			}
		}
	}
}

// sourceSSRCOf extracts the media SSRC a payload-specific feedback packet
// refers to, if pkt carries one (§4.8 п.5).
func sourceSSRCOf(pkt softrtp.RTCPPacket) (uint32, bool) {
	switch p := pkt.(type) {
	case *softrtp.PLIPacket:
		return p.MediaSSRC, true
	case *softrtp.FIRPacket:
		return p.MediaSSRC, true
	case *softrtp.NackPacket:
		return p.MediaSSRC, true
	default:
		return 0, false
	}
}
