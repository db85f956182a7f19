package relay

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// udpStream реализует DataInput/DataOutput (§6 "Connector contract") поверх
// одного UDP-сокета с фиксированным remote-адресом. Грунтовано на UDP-цикле
// чтения SilvaMendes-go-rtpengine/rtpengine.go (ReadFromUDP в горутине,
// логирование ошибок без разрушения сессии) — в teacher-репозитории
// (arzzra-soft_phone) эквивалентный код жил в transport_udp.go, который это
// ядро заменяет единой Connector-абстракцией (§4.8, §9 "collapse both to a
// single model").
type udpStream struct {
	conn   *net.UDPConn
	remote *net.UDPAddr

	mu      sync.Mutex
	handler func()
	pending []byte
	closed  chan struct{}
}

func newUDPStream(conn *net.UDPConn, remote *net.UDPAddr) *udpStream {
	s := &udpStream{conn: conn, remote: remote, closed: make(chan struct{})}
	go s.readLoop()
	return s
}

// readLoop реализует push-style источник §4.9: на каждый принятый датаграмм
// вызывает обработчик, зарегистрированный через SetTransferHandler. Опрос
// ограничен ReadPollInterval, чтобы close() гарантированно наблюдался (§5
// "Suspension points").
func (s *udpStream) readLoop() {
	buf := make([]byte, DefaultMinTransferSize)
	for {
		select {
		case <-s.closed:
			return
		default:
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(ReadPollInterval))
		n, _, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-s.closed:
			default:
			}
			continue
		}
		s.mu.Lock()
		s.pending = append([]byte(nil), buf[:n]...)
		h := s.handler
		s.mu.Unlock()
		if h != nil {
			h()
		}
	}
}

func (s *udpStream) SetTransferHandler(h func()) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

func (s *udpStream) Read(buf []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return 0, nil
	}
	if len(buf) < len(s.pending) {
		return 0, errShortBuffer(len(buf), len(s.pending))
	}
	n := copy(buf, s.pending)
	s.pending = nil
	return n, nil
}

func (s *udpStream) Write(buf []byte) (int, error) {
	if s.remote == nil {
		return 0, fmt.Errorf("relay: udpStream без адреса назначения")
	}
	return s.conn.WriteToUDP(buf, s.remote)
}

func (s *udpStream) close() {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
}

// UDPConnector реализует Connector (§6) поверх двух пар UDP-сокетов: один
// для данных (RTP), один для управления (RTCP), каждый в обе стороны по
// одному локальному сокету с фиксированным remote-адресом.
type UDPConnector struct {
	dataConn, ctrlConn     *net.UDPConn
	dataStream, ctrlStream *udpStream
}

// NewUDPConnector открывает локальные сокеты dataLocal/ctrlLocal и
// привязывает их к remote-адресам одного peer'а.
func NewUDPConnector(dataLocal, ctrlLocal, dataRemote, ctrlRemote string) (*UDPConnector, error) {
	dataConn, ctrlConn, err := openPair(dataLocal, ctrlLocal)
	if err != nil {
		return nil, err
	}
	dRemote, err := net.ResolveUDPAddr("udp", dataRemote)
	if err != nil {
		dataConn.Close()
		ctrlConn.Close()
		return nil, fmt.Errorf("relay: неверный data remote адрес: %w", err)
	}
	cRemote, err := net.ResolveUDPAddr("udp", ctrlRemote)
	if err != nil {
		dataConn.Close()
		ctrlConn.Close()
		return nil, fmt.Errorf("relay: неверный control remote адрес: %w", err)
	}
	return &UDPConnector{
		dataConn:   dataConn,
		ctrlConn:   ctrlConn,
		dataStream: newUDPStream(dataConn, dRemote),
		ctrlStream: newUDPStream(ctrlConn, cRemote),
	}, nil
}

func openPair(dataLocal, ctrlLocal string) (*net.UDPConn, *net.UDPConn, error) {
	dAddr, err := net.ResolveUDPAddr("udp", dataLocal)
	if err != nil {
		return nil, nil, fmt.Errorf("relay: неверный data local адрес: %w", err)
	}
	dConn, err := net.ListenUDP("udp", dAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("relay: не удалось открыть data сокет: %w", err)
	}
	cAddr, err := net.ResolveUDPAddr("udp", ctrlLocal)
	if err != nil {
		dConn.Close()
		return nil, nil, fmt.Errorf("relay: неверный control local адрес: %w", err)
	}
	cConn, err := net.ListenUDP("udp", cAddr)
	if err != nil {
		dConn.Close()
		return nil, nil, fmt.Errorf("relay: не удалось открыть control сокет: %w", err)
	}
	return dConn, cConn, nil
}

func (u *UDPConnector) DataInput() DataInput      { return u.dataStream }
func (u *UDPConnector) DataOutput() DataOutput    { return u.dataStream }
func (u *UDPConnector) ControlInput() DataInput   { return u.ctrlStream }
func (u *UDPConnector) ControlOutput() DataOutput { return u.ctrlStream }

// Close освобождает оба сокета этого peer'а (§6 "close() releases its four
// streams").
func (u *UDPConnector) Close() error {
	u.dataStream.close()
	u.ctrlStream.close()
	err1 := u.dataConn.Close()
	err2 := u.ctrlConn.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
