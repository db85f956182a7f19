package relay

import (
	"strconv"
	"sync"

	"github.com/arzzra/soft_phone/pkg/fec"
	softrtp "github.com/arzzra/soft_phone/pkg/rtp"
)

// Format — упрощённый дескриптор кодека/профиля, которым peer'ы
// договариваются при сопоставлении payload type (§3 "pt_to_format").
type Format struct {
	Name      string
	ClockRate uint32
}

// sendStream — сущность send-стрима, идентифицируемая парой (data_source,
// stream_index) и разделяемая несколькими peer'ами по счётчику ссылок (§3
// "Send stream entity"). Базовый объект отправки стартует при первой
// ссылке, останавливается при последней, закрывается при обнулении счётчика.
type sendStream struct {
	dataSource  string
	streamIndex int
	refCount    int
}

// Peer — менеджер потоков одного участника конференции (§3 "Stream manager
// entity", компонент H). Генерализует подход teacher-пакета к одной сессии
// (pkg/rtp.Session) на множество равноправных участников фан-аута.
type Peer struct {
	ID        string
	Direction softrtp.Direction

	mu           sync.RWMutex
	ptToFormat   map[uint8]Format
	receiveSSRCs map[uint32]struct{}
	listeners    []ReceiveStreamListener

	connector Connector
	out       *MuxOutput
	ctrlOut   *MuxOutput

	sendStreams map[string]*sendStream

	// FEC negotiation (§2 "the FEC layer lives between the wire and the
	// translator for endpoints whose negotiated profile includes it").
	// Zero value (ulpFECPT == flexFECPT == 0 and no entry in ptToFormat)
	// means this peer negotiated no FEC, matching RTP PT 0 being reserved
	// and therefore never a real negotiated value.
	ulpFECPT, flexFECPT uint8
	ulpMaskLen          int
	fecReceivers        map[uint32]*fec.Receiver
}

// ReceiveStreamListener наблюдает за жизненным циклом принимаемых потоков
// peer'а (§3 "listeners").
type ReceiveStreamListener interface {
	OnReceiveStreamStarted(ssrc uint32)
	OnReceiveStreamEnded(ssrc uint32)
}

// NewPeer создаёт нового участника с заданным направлением. Коннектор
// изначально не привязан — peer считается wire-detached (§3 invariant:
// "эмитирует никаких пакетов, все пакеты для него отбрасываются молча").
func NewPeer(id string, direction softrtp.Direction) *Peer {
	return &Peer{
		ID:           id,
		Direction:    direction,
		ptToFormat:   make(map[uint8]Format),
		receiveSSRCs: make(map[uint32]struct{}),
		sendStreams:  make(map[string]*sendStream),
	}
}

// Attach привязывает коннектор к peer'у, регистрирует его data/control
// output как единственный адресат в соответствующих MuxOutput (§4.9:
// "a fan-out over M destinations") и открывает четыре под-потока (§4.8 п.1).
func (p *Peer) Attach(c Connector, out, ctrlOut *MuxOutput) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connector = c
	p.out = out
	p.ctrlOut = ctrlOut
	out.AddDestination(p.ID, c.DataOutput().Write)
	ctrlOut.AddDestination(p.ID, c.ControlOutput().Write)
}

// Detach отвязывает коннектор; после этого peer не эмитирует пакетов, а
// входящие для него пакеты отбрасываются молча (§3 invariant).
func (p *Peer) Detach() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.out != nil {
		p.out.RemoveDestination(p.ID)
	}
	if p.ctrlOut != nil {
		p.ctrlOut.RemoveDestination(p.ID)
	}
	p.connector = nil
	p.out = nil
	p.ctrlOut = nil
}

// Attached сообщает, привязан ли peer к коннектору.
func (p *Peer) Attached() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connector != nil
}

// AddFormat регистрирует сопоставление payload type → формат для этого
// peer'а (§4.8 п.2).
func (p *Peer) AddFormat(pt uint8, f Format) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ptToFormat[pt] = f
}

// FormatForPT возвращает формат, зарегистрированный для pt, если есть.
func (p *Peer) FormatForPT(pt uint8) (Format, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	f, ok := p.ptToFormat[pt]
	return f, ok
}

// PTForFormat ищет payload type, которым этот peer обозначает format
// (обратный поиск по ptToFormat, используемый транслятором при переписи PT
// на стороне назначения, §4.8 п.4).
func (p *Peer) PTForFormat(name string) (uint8, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for pt, f := range p.ptToFormat {
		if f.Name == name {
			return pt, true
		}
	}
	return 0, false
}

// EnableFEC подключает FEC-приём (§4.5) для этого peer'а: ulpFECPT и
// flexFECPT — payload type, которым peer помечает ULPFEC/FlexFEC-03 пакеты
// (0, если соответствующий вид не согласован), maskLen — ширина ULPFEC
// маски в байтах (2 или 6, см. NewReceiver). Каждая защищаемая media SSRC
// получает собственный fec.Receiver при первом появлении.
func (p *Peer) EnableFEC(ulpFECPT, flexFECPT uint8, maskLen int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ulpFECPT = ulpFECPT
	p.flexFECPT = flexFECPT
	p.ulpMaskLen = maskLen
	p.fecReceivers = make(map[uint32]*fec.Receiver)
}

// fecKind сообщает, является ли pt payload type'ом ULPFEC или FlexFEC-03
// этого peer'а, если FEC вообще согласован.
func (p *Peer) fecKind(pt uint8) (fec.FECKind, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	switch {
	case p.ulpFECPT != 0 && pt == p.ulpFECPT:
		return fec.KindULPFEC, true
	case p.flexFECPT != 0 && pt == p.flexFECPT:
		return fec.KindFlexFEC03, true
	default:
		return 0, false
	}
}

// fecReceiverFor возвращает (создавая при необходимости) приёмник FEC для
// указанной media SSRC этого peer'а. Возвращает nil, если FEC не согласован.
func (p *Peer) fecReceiverFor(mediaSSRC uint32) *fec.Receiver {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fecReceivers == nil {
		return nil
	}
	r, ok := p.fecReceivers[mediaSSRC]
	if !ok {
		r = fec.NewReceiver(mediaSSRC, p.ulpMaskLen)
		p.fecReceivers[mediaSSRC] = r
	}
	return r
}

// fecFeedMedia передаёт обычный media-пакет в приёмник FEC для ssrc, если
// этот peer вообще согласовал FEC (EnableFEC был вызван). Приёмник для ssrc
// создаётся лениво при первом увиденном пакете (FEC или медиа) для неё —
// FEC-пакет, защищающий серию, обычно приходит уже после нескольких
// media-пакетов (см. fec.Sender), так что буферизация не может ждать его
// появления, иначе более ранние потери окажутся невосстановимыми.
func (p *Peer) fecFeedMedia(ssrc uint32, raw []byte) {
	p.mu.RLock()
	enabled := p.ulpFECPT != 0 || p.flexFECPT != 0
	p.mu.RUnlock()
	if !enabled {
		return
	}
	_ = p.fecReceiverFor(ssrc).ProcessMedia(raw)
}

// ClaimsSSRC сообщает, числится ли ssrc среди наблюдаемых receive-SSRC этого
// peer'а.
func (p *Peer) ClaimsSSRC(ssrc uint32) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.receiveSSRCs[ssrc]
	return ok
}

// ClaimSSRC регистрирует ssrc как принадлежащий этому peer'у. Вызывающий
// код (Translator) отвечает за соблюдение инварианта "не более одного
// владельца" (§3).
func (p *Peer) ClaimSSRC(ssrc uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, existed := p.receiveSSRCs[ssrc]; !existed {
		p.receiveSSRCs[ssrc] = struct{}{}
		for _, l := range p.listeners {
			l.OnReceiveStreamStarted(ssrc)
		}
	}
}

// AddListener регистрирует наблюдателя за принимаемыми потоками.
func (p *Peer) AddListener(l ReceiveStreamListener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, l)
}

// acquireSendStream увеличивает счётчик ссылок send-стрима (dataSource,
// streamIndex), создавая его при первом обращении (§3 "Send stream
// entity").
func (p *Peer) acquireSendStream(dataSource string, streamIndex int) *sendStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := sendStreamKey(dataSource, streamIndex)
	s, ok := p.sendStreams[key]
	if !ok {
		s = &sendStream{dataSource: dataSource, streamIndex: streamIndex}
		p.sendStreams[key] = s
	}
	s.refCount++
	return s
}

// releaseSendStream уменьшает счётчик ссылок и удаляет запись, когда он
// достигает нуля (§3 "closes when the last reference closes").
func (p *Peer) releaseSendStream(dataSource string, streamIndex int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := sendStreamKey(dataSource, streamIndex)
	s, ok := p.sendStreams[key]
	if !ok {
		return
	}
	s.refCount--
	if s.refCount <= 0 {
		delete(p.sendStreams, key)
	}
}

func sendStreamKey(dataSource string, streamIndex int) string {
	return dataSource + "#" + strconv.Itoa(streamIndex)
}
