package relay

import (
	"testing"

	softrtp "github.com/arzzra/soft_phone/pkg/rtp"
)

func TestPeerDetachedByDefault(t *testing.T) {
	p := NewPeer("p1", softrtp.DirectionSendRecv)
	if p.Attached() {
		t.Errorf("новый peer не должен быть привязан к коннектору")
	}
}

func TestPeerAddFormatAndLookup(t *testing.T) {
	p := NewPeer("p1", softrtp.DirectionSendRecv)
	p.AddFormat(96, Format{Name: "VP8", ClockRate: 90000})

	f, ok := p.FormatForPT(96)
	if !ok || f.Name != "VP8" {
		t.Fatalf("FormatForPT(96) = %+v, %v", f, ok)
	}
	pt, ok := p.PTForFormat("VP8")
	if !ok || pt != 96 {
		t.Fatalf("PTForFormat(VP8) = %d, %v", pt, ok)
	}
	if _, ok := p.FormatForPT(97); ok {
		t.Errorf("FormatForPT(97) не должен находить запись")
	}
}

func TestPeerClaimSSRCOnce(t *testing.T) {
	p := NewPeer("p1", softrtp.DirectionSendRecv)
	if p.ClaimsSSRC(1) {
		t.Fatalf("новый peer не должен иметь claims")
	}
	p.ClaimSSRC(1)
	if !p.ClaimsSSRC(1) {
		t.Errorf("ClaimSSRC должен зарегистрировать SSRC")
	}
	// Повторный вызов не должен паниковать или дублировать listener события.
	p.ClaimSSRC(1)
}

func TestPeerSendStreamRefCounting(t *testing.T) {
	p := NewPeer("p1", softrtp.DirectionSendRecv)
	s1 := p.acquireSendStream("cam", 0)
	s2 := p.acquireSendStream("cam", 0)
	if s1 != s2 {
		t.Fatalf("повторное acquire для того же (dataSource, streamIndex) должно вернуть тот же объект")
	}
	if s1.refCount != 2 {
		t.Errorf("refCount = %d, want 2", s1.refCount)
	}
	p.releaseSendStream("cam", 0)
	if _, ok := p.sendStreams["cam#0"]; !ok {
		t.Errorf("стрим не должен удаляться, пока есть ссылки")
	}
	p.releaseSendStream("cam", 0)
	if _, ok := p.sendStreams["cam#0"]; ok {
		t.Errorf("стрим должен быть удалён при refCount=0")
	}
}
