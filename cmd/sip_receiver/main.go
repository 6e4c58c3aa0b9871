package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/arzzra/sip_receiver/pkg/api"
	"github.com/arzzra/sip_receiver/pkg/config"
	"github.com/arzzra/sip_receiver/pkg/forwarder"
	"github.com/arzzra/sip_receiver/pkg/metrics"
	"github.com/arzzra/sip_receiver/pkg/session"
	"github.com/arzzra/sip_receiver/pkg/sip"
)

const shutdownTimeout = 5 * time.Second

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := config.NewViper()
	var cfgFile string

	cmd := &cobra.Command{
		Use:          "sip_receiver",
		Short:        "SIP/RTP приемник голоса для транскрибации",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, cfgFile)
			if err != nil {
				return err
			}
			logger, err := config.NewLogger(cfg.Log, os.Stderr)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := run(ctx, cfg, logger); err != nil {
				logger.WithError(err).Error("Приемник остановлен с ошибкой")
				return err
			}
			return nil
		},
	}

	d := config.Defaults()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "путь к YAML файлу конфигурации")
	flags.String("rtp-bind-ip", d.RTP.BindIP, "адрес приема RTP")
	flags.Int("rtp-port-min", d.RTP.PortMin, "нижняя граница диапазона RTP портов")
	flags.Int("rtp-port-max", d.RTP.PortMax, "верхняя граница диапазона RTP портов")
	flags.String("sip-bind-ip", d.SIP.BindIP, "адрес SIP сокета")
	flags.Int("sip-port", d.SIP.Port, "UDP порт SIP")
	flags.String("advertise-ip", d.SIP.AdvertiseIP, "адрес для Contact и SDP")
	flags.Int("sip-dscp", d.SIP.DSCP, "DSCP маркировка SIP ответов, 0 отключает")
	flags.String("ingest-url", d.Transcriber.IngestURL, "базовый URL сервиса транскрибации")
	flags.String("http-addr", d.HTTP.Addr, "адрес HTTP API")
	flags.String("log-level", d.Log.Level, "уровень логирования")
	flags.String("log-format", d.Log.Format, "формат логов: text или json")

	bindFlags(v, cmd, map[string]string{
		"rtp.bind_ip":            "rtp-bind-ip",
		"rtp.port_min":           "rtp-port-min",
		"rtp.port_max":           "rtp-port-max",
		"sip.bind_ip":            "sip-bind-ip",
		"sip.port":               "sip-port",
		"sip.advertise_ip":       "advertise-ip",
		"sip.dscp":               "sip-dscp",
		"transcriber.ingest_url": "ingest-url",
		"http.addr":              "http-addr",
		"log.level":              "log-level",
		"log.format":             "log-format",
	})

	return cmd
}

func bindFlags(v *viper.Viper, cmd *cobra.Command, keys map[string]string) {
	for key, name := range keys {
		if err := v.BindPFlag(key, cmd.PersistentFlags().Lookup(name)); err != nil {
			panic(fmt.Sprintf("флаг %s: %v", name, err))
		}
	}
}

func run(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	entry := logrus.NewEntry(logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	deliverer, err := newDeliverer(cfg.Transcriber, entry)
	if err != nil {
		return err
	}

	manager, err := session.NewManager(session.Config{
		BindIP:     cfg.RTP.BindIP,
		PortMin:    cfg.RTP.PortMin,
		PortMax:    cfg.RTP.PortMax,
		QueueSize:  cfg.RTP.QueueSize,
		RecvBuffer: cfg.RTP.RecvBuffer,
		Deliverer:  deliverer,
		Logger:     entry,
		Metrics:    m,
	})
	if err != nil {
		return err
	}
	defer manager.Close()

	engine := sip.NewEngine(sip.Config{
		BindIP:      cfg.SIP.BindIP,
		Port:        cfg.SIP.Port,
		AdvertiseIP: cfg.SIP.AdvertiseIP,
		RTPBindIP:   cfg.RTP.BindIP,
		RecvBuffer:  cfg.SIP.RecvBuffer,
		SendBuffer:  cfg.SIP.SendBuffer,
		DSCP:        cfg.SIP.DSCP,
	}, manager, sip.WithLogger(entry), sip.WithMetrics(m))
	if err := engine.Listen(); err != nil {
		return err
	}

	httpServer := api.NewServer(manager, reg, entry).NewHTTPServer(cfg.HTTP.Addr)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return engine.Serve(gctx)
	})

	g.Go(func() error {
		entry.WithField("addr", cfg.HTTP.Addr).Info("HTTP API запущен")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP сервер: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		entry.Info("Остановка приемника")

		if err := engine.Close(); err != nil {
			entry.WithError(err).Warn("Ошибка закрытия SIP сокета")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func newDeliverer(cfg config.TranscriberConfig, logger *logrus.Entry) (forwarder.Deliverer, error) {
	if cfg.IngestURL == "" {
		logger.Warn("Адрес сервиса транскрибации не задан, аудио будет отбрасываться")
		return forwarder.NopDeliverer{}, nil
	}

	deliverer, err := forwarder.NewHTTPDeliverer(cfg.IngestURL, cfg.Timeout)
	if err != nil {
		return nil, err
	}
	logger.WithField("ingest_url", cfg.IngestURL).Info("Аудио передается в сервис транскрибации")
	return deliverer, nil
}
