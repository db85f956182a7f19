// Package clockest оценивает соответствие между NTP-временем удалённого
// отправителя и его RTP timestamp по последовательным Sender Report (D в
// карте компонентов спецификации, §4.4).
//
// Основано на вспомогательных функциях NTPTimestamp/NTPTimestampToTime из
// github.com/arzzra/soft_phone/pkg/rtp (pkg/rtp/rtcp.go), которые уже
// реализуют конвертацию между time.Time и 64-битным NTP форматом RFC 3550.
package clockest

import (
	"fmt"
	"sync"

	softrtp "github.com/arzzra/soft_phone/pkg/rtp"
)

// ErrNoFrequency возвращается, когда для SSRC ещё не накоплено достаточно
// семплов, чтобы оценить частоту тактирования.
var ErrNoFrequency = fmt.Errorf("clockest: частота тактирования неизвестна")

// VideoClockRate — частота RTP timestamp для видео потоков согласно
// профилю RFC 3551; всегда используется напрямую, без оценки по дельте SR.
const VideoClockRate = 90000

// MediaKind различает аудио/видео для выбора способа оценки частоты.
type MediaKind int

const (
	MediaAudio MediaKind = iota
	MediaVideo
)

// sample — последний известный (системное время, RTP timestamp) для SSRC.
type sample struct {
	systemMs     int64
	rtpTimestamp uint32
	frequencyHz  float64
	hasFrequency bool
	suspect      bool
	capturedMs   int64
}

// Estimator хранит по одному семплу на каждый наблюдаемый SSRC.
type Estimator struct {
	mu      sync.Mutex
	samples map[uint32]*sample
}

// New создаёт пустой Estimator.
func New() *Estimator {
	return &Estimator{samples: make(map[uint32]*sample)}
}

// Observe регистрирует новый Sender Report для ssrc. localMs — локальное
// время приёма (в миллисекундах), используемое как точка отсчёта для
// последующей экстраполяции через Estimate.
//
// Частота: для видео всегда 90000 Гц; для остальных типов — по дельте
// между этим и предыдущим семплом, если таковой есть, иначе неизвестна.
// Реальные отправители иногда присылают немонотонные RTP timestamp,
// из-за чего оценённая частота выходит отрицательной или ниже 1 кГц —
// такие семплы не отбрасываются, а помечаются как подозрительные (suspect).
func (e *Estimator) Observe(ssrc uint32, kind MediaKind, ntpTime uint64, rtpTimestamp uint32, localMs int64) {
	systemMs := softrtp.NTPTimestampToTime(ntpTime).UnixMilli()

	e.mu.Lock()
	defer e.mu.Unlock()

	prev := e.samples[ssrc]
	next := &sample{
		systemMs:     systemMs,
		rtpTimestamp: rtpTimestamp,
		capturedMs:   localMs,
	}

	switch {
	case kind == MediaVideo:
		next.frequencyHz = VideoClockRate
		next.hasFrequency = true
	case prev != nil:
		dSys := systemMs - prev.systemMs
		dRTP := int64(int32(rtpTimestamp - prev.rtpTimestamp))
		if dSys != 0 {
			freq := float64(dRTP) / (float64(dSys) / 1000.0)
			next.frequencyHz = freq
			next.hasFrequency = true
			next.suspect = freq < 1000 || freq < 0
		}
	}

	// Семпл заменяется целиком, как того требует §4.4 — не усредняется
	// со старым значением.
	e.samples[ssrc] = next
}

// Estimate проецирует последний семпл на момент localMs и возвращает
// ожидаемые (rtpTimestamp, systemMs) на этот момент.
func (e *Estimator) Estimate(ssrc uint32, localMs int64) (rtpTimestamp uint32, systemMs int64, err error) {
	e.mu.Lock()
	s, ok := e.samples[ssrc]
	e.mu.Unlock()
	if !ok || !s.hasFrequency {
		return 0, 0, ErrNoFrequency
	}
	elapsedMs := localMs - s.capturedMs
	deltaTicks := int64(s.frequencyHz * float64(elapsedMs) / 1000.0)
	return uint32(int64(s.rtpTimestamp) + deltaTicks), s.systemMs + elapsedMs, nil
}

// RTPToRemoteSystemMs экстраполирует системное время удалённой стороны,
// соответствующее заданному RTP timestamp, линейно через частоту
// тактирования.
func (e *Estimator) RTPToRemoteSystemMs(ssrc uint32, rtpTimestamp uint32) (int64, error) {
	e.mu.Lock()
	s, ok := e.samples[ssrc]
	e.mu.Unlock()
	if !ok || !s.hasFrequency || s.frequencyHz == 0 {
		return 0, ErrNoFrequency
	}
	deltaTicks := int64(int32(rtpTimestamp - s.rtpTimestamp))
	deltaMs := float64(deltaTicks) / s.frequencyHz * 1000.0
	return s.systemMs + int64(deltaMs), nil
}

// RemoteSystemMsToRTP — обратное преобразование: системное время (в мс,
// шкала удалённой стороны) в соответствующий RTP timestamp.
func (e *Estimator) RemoteSystemMsToRTP(ssrc uint32, systemMs int64) (uint32, error) {
	e.mu.Lock()
	s, ok := e.samples[ssrc]
	e.mu.Unlock()
	if !ok || !s.hasFrequency || s.frequencyHz == 0 {
		return 0, ErrNoFrequency
	}
	deltaMs := systemMs - s.systemMs
	deltaTicks := int64(s.frequencyHz * float64(deltaMs) / 1000.0)
	return uint32(int64(s.rtpTimestamp) + deltaTicks), nil
}

// Suspect сообщает, помечен ли последний семпл SSRC как подозрительный
// (немонотонный RTP timestamp дал частоту < 1 кГц или отрицательную).
func (e *Estimator) Suspect(ssrc uint32) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.samples[ssrc]
	return ok && s.suspect
}

// Forget удаляет семпл SSRC, например при отключении пира.
func (e *Estimator) Forget(ssrc uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.samples, ssrc)
}
