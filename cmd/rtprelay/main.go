// Command rtprelay запускает конференц-транслятор ядра (pkg/relay) поверх
// UDP-коннекторов: каждый участник конференции описывается парой
// локальных/удалённых адресов данных и управления, а транслятор
// разносит RTP между всеми привязанными участниками, переписывая PT.
// Принятые NACK/FIR/PLI только журналируются через OnLocalRTCP;
// периодический терминатор (pkg/rtcpterm) здесь не создаётся.
//
// Грунтовано на структуре запуска SilvaMendes-go-rtpengine/rtpengine.go
// (разбор конфигурации, zerolog, цикл до сигнала) и на слоистой
// конфигурации pkg/rtpconfig (env surface §6 этого ядра).
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/arzzra/soft_phone/pkg/relay"
	softrtp "github.com/arzzra/soft_phone/pkg/rtp"
	"github.com/arzzra/soft_phone/pkg/rtpconfig"
)

// peerSpec описывает один участник конференции как четыре UDP-адреса:
// "id=dataLocal/ctrlLocal/dataRemote/ctrlRemote".
type peerSpec struct {
	id                                          string
	dataLocal, ctrlLocal, dataRemote, ctrlRemote string
}

func parsePeerSpec(s string) (peerSpec, bool) {
	idAndRest := strings.SplitN(s, "=", 2)
	if len(idAndRest) != 2 {
		return peerSpec{}, false
	}
	parts := strings.Split(idAndRest[1], "/")
	if len(parts) != 4 {
		return peerSpec{}, false
	}
	return peerSpec{id: idAndRest[0], dataLocal: parts[0], ctrlLocal: parts[1], dataRemote: parts[2], ctrlRemote: parts[3]}, true
}

func main() {
	var peerFlags stringSliceFlag
	flag.Var(&peerFlags, "peer", "участник конференции: id=dataLocal/ctrlLocal/dataRemote/ctrlRemote (повторяемый флаг)")
	metricsAddr := flag.String("metrics-addr", ":9095", "адрес для /metrics и /healthz")
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	log.Logger = logger

	cfg := rtpconfig.NewFromEnvironment()
	defer cfg.Close()
	if path, ok := cfg.Get(rtpconfig.EnvConfigFileName); ok {
		if err := cfg.LoadDefaultsFile(path); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("не удалось загрузить defaults-файл, продолжаем без него")
		} else if err := cfg.WatchFile(); err != nil {
			log.Warn().Err(err).Msg("не удалось запустить слежение за defaults-файлом")
		}
	}

	metrics := relay.NewMetrics("rtprelay", "translator")
	translator := relay.NewTranslator(metrics)

	if len(peerFlags) < 2 {
		log.Fatal().Msg("необходимо указать хотя бы два --peer для трансляции между ними")
	}

	var connectors []*relay.UDPConnector
	for _, raw := range peerFlags {
		spec, ok := parsePeerSpec(raw)
		if !ok {
			log.Fatal().Str("peer", raw).Msg("неверный формат --peer, ожидается id=dataLocal/ctrlLocal/dataRemote/ctrlRemote")
		}
		conn, err := relay.NewUDPConnector(spec.dataLocal, spec.ctrlLocal, spec.dataRemote, spec.ctrlRemote)
		if err != nil {
			log.Fatal().Err(err).Str("peer", spec.id).Msg("не удалось открыть UDP-коннектор участника")
		}
		connectors = append(connectors, conn)

		p := relay.NewPeer(spec.id, softrtp.DirectionSendRecv)
		p.AddFormat(96, relay.Format{Name: "VP8", ClockRate: 90000})
		p.AddFormat(111, relay.Format{Name: "opus", ClockRate: 48000})
		translator.Attach(p, conn)
		log.Info().Str("peer", spec.id).Str("data_local", spec.dataLocal).Str("data_remote", spec.dataRemote).Msg("участник привязан к трансляции")
	}

	translator.OnLocalRTCP = func(peerID string, pkt softrtp.RTCPPacket) {
		switch fb := pkt.(type) {
		case *softrtp.NackPacket:
			log.Debug().Str("peer", peerID).Int("lost", len(fb.LostSequenceNumbers())).Msg("NACK получен")
		case *softrtp.FIRPacket:
			log.Debug().Str("peer", peerID).Msg("FIR получен")
		case *softrtp.PLIPacket:
			log.Debug().Str("peer", peerID).Msg("PLI получен")
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: *metricsAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP-сервер метрик завершился с ошибкой")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	log.Info().Str("session", translator.SessionID).Int("peers", len(peerFlags)).Msg("rtprelay запущен")
	<-ctx.Done()

	log.Info().Msg("остановка rtprelay")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	for _, c := range connectors {
		_ = c.Close()
	}
}

// stringSliceFlag собирает повторяемый флаг -peer в срез строк, как принято
// в CLI-обвязках пакета (flag.Value с Append-семантикой).
type stringSliceFlag []string

func (s *stringSliceFlag) String() string { return strings.Join(*s, ",") }
func (s *stringSliceFlag) Set(v string) error {
	*s = append(*s, v)
	return nil
}
