package relay

import (
	"encoding/binary"
	"testing"
	"time"

	softrtp "github.com/arzzra/soft_phone/pkg/rtp"
)

// memConnector — in-memory Connector для тестов: Write просто накапливает
// буферы в срезе, доступном тесту напрямую.
type memConnector struct {
	sent [][]byte
}

func (c *memConnector) DataInput() DataInput     { return nil }
func (c *memConnector) ControlInput() DataInput  { return nil }
func (c *memConnector) Close() error             { return nil }
func (c *memConnector) DataOutput() DataOutput   { return c }
func (c *memConnector) ControlOutput() DataOutput { return c }
func (c *memConnector) Write(buf []byte) (int, error) {
	c.sent = append(c.sent, append([]byte(nil), buf...))
	return len(buf), nil
}

func buildTestRTP(seq uint16, ssrc uint32, pt uint8) []byte {
	buf := make([]byte, 12)
	buf[0] = 2 << 6
	buf[1] = pt
	binary.BigEndian.PutUint16(buf[2:4], seq)
	binary.BigEndian.PutUint32(buf[8:12], ssrc)
	return buf
}

func attachedPeer(t *testing.T, tr *Translator, id string, dir softrtp.Direction) (*Peer, *memConnector) {
	t.Helper()
	p := NewPeer(id, dir)
	c := &memConnector{}
	tr.Attach(p, c)
	return p, c
}

// waitForWrites polls until the connector has received n packets or the
// deadline elapses; the translator's mux writer runs on its own goroutine.
func waitForWrites(t *testing.T, c *memConnector, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(c.sent) >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("таймаут ожидания %d записей, получено %d", n, len(c.sent))
}

func TestDispersalNeverWritesBackToSource(t *testing.T) {
	tr := NewTranslator(nil)
	a, ca := attachedPeer(t, tr, "A", softrtp.DirectionSendRecv)
	b, cb := attachedPeer(t, tr, "B", softrtp.DirectionSendRecv)
	a.AddFormat(96, Format{Name: "VP8"})
	b.AddFormat(96, Format{Name: "VP8"})

	for _, seq := range []uint16{100, 101, 102} {
		tr.DispatchRTP(a, buildTestRTP(seq, 0x11111111, 96))
	}

	waitForWrites(t, cb, 3)
	if len(ca.sent) != 0 {
		t.Errorf("источник A получил %d копий своих же пакетов, ожидалось 0", len(ca.sent))
	}
	for i, want := range []uint16{100, 101, 102} {
		got := binary.BigEndian.Uint16(cb.sent[i][2:4])
		if got != want {
			t.Errorf("пакет %d: seq=%d, want %d", i, got, want)
		}
		if cb.sent[i][1] != 96 {
			t.Errorf("пакет %d: PT=%d, want 96 (общий формат, без перезаписи)", i, cb.sent[i][1])
		}
	}
}

func TestDispersalRewritesPTPreservingMarker(t *testing.T) {
	tr := NewTranslator(nil)
	a, _ := attachedPeer(t, tr, "A", softrtp.DirectionSendRecv)
	b, cb := attachedPeer(t, tr, "B", softrtp.DirectionSendRecv)
	c, cc := attachedPeer(t, tr, "C", softrtp.DirectionSendRecv)
	a.AddFormat(96, Format{Name: "VP8"})
	b.AddFormat(98, Format{Name: "VP8"})
	// C advertises no VP8 mapping.

	raw := buildTestRTP(1, 0x22222222, 96)
	raw[1] |= 0x80 // marker bit set
	tr.DispatchRTP(a, raw)

	waitForWrites(t, cb, 1)
	waitForWrites(t, cc, 1)

	if pt := cb.sent[0][1] & 0x7F; pt != 98 {
		t.Errorf("B: PT=%d, want 98", pt)
	}
	if cb.sent[0][1]&0x80 == 0 {
		t.Errorf("B: marker bit должен сохраниться через перезапись PT")
	}
	if pt := cc.sent[0][1] & 0x7F; pt != 96 {
		t.Errorf("C (нет формата VP8): PT=%d, want 96 неизменным", pt)
	}
	_ = c
}

func TestDirectionGateRecvOnlyNeverSends(t *testing.T) {
	tr := NewTranslator(nil)
	a, _ := attachedPeer(t, tr, "A", softrtp.DirectionSendRecv)
	_, cRecvOnly := attachedPeer(t, tr, "R", softrtp.DirectionRecvOnly)

	tr.DispatchRTP(a, buildTestRTP(1, 0x33333333, 96))
	time.Sleep(20 * time.Millisecond)
	if len(cRecvOnly.sent) != 0 {
		t.Errorf("recvonly peer не должен получать фан-аут записей как назначение тестового вызова, получено %d", len(cRecvOnly.sent))
	}
}

func TestDirectionGateSendOnlyNeverClaimsSSRC(t *testing.T) {
	tr := NewTranslator(nil)
	sendOnly, _ := attachedPeer(t, tr, "S", softrtp.DirectionSendOnly)
	other, _ := attachedPeer(t, tr, "O", softrtp.DirectionSendRecv)

	tr.DispatchRTP(sendOnly, buildTestRTP(1, 0x44444444, 96))
	if sendOnly.ClaimsSSRC(0x44444444) {
		t.Errorf("sendonly peer не должен получать право приёма своего же пакета: direction запрещает receive, пакет должен быть отброшен до привязки SSRC")
	}
	_ = other
}

func TestCrossTalkExclusion(t *testing.T) {
	tr := NewTranslator(nil)
	a, _ := attachedPeer(t, tr, "A", softrtp.DirectionSendRecv)
	b, _ := attachedPeer(t, tr, "B", softrtp.DirectionSendRecv)

	tr.DispatchRTP(a, buildTestRTP(1, 0x55555555, 96))
	time.Sleep(10 * time.Millisecond)
	if !a.ClaimsSSRC(0x55555555) {
		t.Fatalf("A должен был захватить SSRC первым")
	}

	tr.DispatchRTP(b, buildTestRTP(1, 0x55555555, 96))
	if b.ClaimsSSRC(0x55555555) {
		t.Errorf("B не должен захватывать SSRC, уже принадлежащий A")
	}
}
