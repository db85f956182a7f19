package relay

import (
	"encoding/binary"
	"testing"

	"github.com/arzzra/soft_phone/pkg/fec"
	softrtp "github.com/arzzra/soft_phone/pkg/rtp"
)

// buildFECMediaRTP строит минимальный media RTP пакет (12-байтный заголовок
// без расширений) с заданным payload для тестов FEC-конвейера.
func buildFECMediaRTP(seq uint16, ts uint32, ssrc uint32, pt uint8, payload []byte) []byte {
	buf := make([]byte, 12+len(payload))
	buf[0] = 2 << 6
	buf[1] = pt
	binary.BigEndian.PutUint16(buf[2:4], seq)
	binary.BigEndian.PutUint32(buf[4:8], ts)
	binary.BigEndian.PutUint32(buf[8:12], ssrc)
	copy(buf[12:], payload)
	return buf
}

// TestTranslatorRecoversLostMediaViaULPFEC проверяет сквозной путь §2/§4.5:
// медиа-пакет теряется на стороне отправителя, но получатель всё равно
// видит его, восстановленный из ULPFEC транслятором до обычного фан-аута.
func TestTranslatorRecoversLostMediaViaULPFEC(t *testing.T) {
	const (
		mediaSSRC = 0x5000
		mediaPT   = 100
		fecPT     = 97
	)
	sender, err := fec.NewSender(mediaSSRC, fecPT, 3)
	if err != nil {
		t.Fatalf("NewSender: %v", err)
	}

	payloads := [][]byte{{10, 10}, {20, 20}, {30, 30}}
	var rewritten [][]byte
	var fecPkt *fec.ULPFECPacket
	for i, pl := range payloads {
		raw := buildFECMediaRTP(uint16(i), uint32(i)*160, mediaSSRC, mediaPT, pl)
		out, pkt, err := sender.Process(raw)
		if err != nil {
			t.Fatalf("Process: %v", err)
		}
		rewritten = append(rewritten, out)
		if pkt != nil {
			fecPkt = pkt
		}
	}
	if fecPkt == nil {
		t.Fatalf("ожидался завершённый FEC пакет после 3 медиа-пакетов")
	}
	fecRaw, err := fecPkt.Marshal()
	if err != nil {
		t.Fatalf("Marshal FEC: %v", err)
	}

	tr := NewTranslator(nil)
	a, _ := attachedPeer(t, tr, "A", softrtp.DirectionSendRecv)
	a.AddFormat(mediaPT, Format{Name: "VP8"})
	a.EnableFEC(fecPT, 0, 2)
	b, cb := attachedPeer(t, tr, "B", softrtp.DirectionSendRecv)
	b.AddFormat(mediaPT, Format{Name: "VP8"})

	// Индекс 1 "теряется" по дороге к транслятору — подаём только 0 и 2.
	tr.DispatchRTP(a, rewritten[0])
	tr.DispatchRTP(a, rewritten[2])
	tr.DispatchRTP(a, fecRaw)

	waitForWrites(t, cb, 3)

	seqs := make(map[uint16]bool)
	for _, raw := range cb.sent {
		seqs[binary.BigEndian.Uint16(raw[2:4])] = true
	}
	for _, want := range []uint16{0, 1, 2} {
		if !seqs[want] {
			t.Errorf("получатель B не увидел seq=%d (ожидалось восстановление из FEC)", want)
		}
	}
}

// TestTranslatorIgnoresFECWithoutNegotiation проверяет, что FEC-пакеты от
// peer'а без EnableFEC разносятся как обычные (неизвестные) данные и не
// ломают обычный фан-аут — т.е. EnableFEC обязателен для перехвата §2.
func TestTranslatorIgnoresFECWithoutNegotiation(t *testing.T) {
	tr := NewTranslator(nil)
	a, _ := attachedPeer(t, tr, "A", softrtp.DirectionSendRecv)
	b, cb := attachedPeer(t, tr, "B", softrtp.DirectionSendRecv)
	_ = b

	raw := buildFECMediaRTP(1, 160, 0x6000, 97, []byte{1, 2, 3})
	tr.DispatchRTP(a, raw)

	waitForWrites(t, cb, 1)
}
