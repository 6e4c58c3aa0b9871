// Package config загрузка настроек приемника из файла, окружения и флагов
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/arzzra/sip_receiver/pkg/rtp"
)

// Config полная конфигурация процесса
type Config struct {
	RTP         RTPConfig         `mapstructure:"rtp"`
	SIP         SIPConfig         `mapstructure:"sip"`
	Transcriber TranscriberConfig `mapstructure:"transcriber"`
	HTTP        HTTPConfig        `mapstructure:"http"`
	Log         LogConfig         `mapstructure:"log"`
}

// RTPConfig параметры приема медиа
type RTPConfig struct {
	BindIP     string `mapstructure:"bind_ip"`
	PortMin    int    `mapstructure:"port_min"`
	PortMax    int    `mapstructure:"port_max"`
	QueueSize  int    `mapstructure:"queue_size"`
	RecvBuffer int    `mapstructure:"recv_buffer"`
}

// SIPConfig параметры сигнального сокета
type SIPConfig struct {
	BindIP      string `mapstructure:"bind_ip"`
	Port        int    `mapstructure:"port"`
	AdvertiseIP string `mapstructure:"advertise_ip"`
	RecvBuffer  int    `mapstructure:"recv_buffer"`
	SendBuffer  int    `mapstructure:"send_buffer"`
	DSCP        int    `mapstructure:"dscp"` // 0 = без маркировки
}

// TranscriberConfig адрес сервиса транскрибации.
// Пустой IngestURL означает, что аудио отбрасывается.
type TranscriberConfig struct {
	IngestURL string        `mapstructure:"ingest_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// HTTPConfig адрес HTTP API
type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

// LogConfig уровень и формат логов
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Defaults значения по умолчанию
func Defaults() Config {
	return Config{
		RTP: RTPConfig{
			BindIP:     "0.0.0.0",
			PortMin:    11000,
			PortMax:    12000,
			QueueSize:  50,
			RecvBuffer: rtp.VoiceOptimizedRecvBuffer,
		},
		SIP: SIPConfig{
			BindIP:     "0.0.0.0",
			Port:       5060,
			RecvBuffer: 262144,
			SendBuffer: rtp.VoiceOptimizedSendBuffer,
			DSCP:       rtp.DSCPSignaling,
		},
		Transcriber: TranscriberConfig{
			Timeout: 5 * time.Second,
		},
		HTTP: HTTPConfig{Addr: ":8080"},
		Log:  LogConfig{Level: "info", Format: "text"},
	}
}

func setDefaults(v *viper.Viper) {
	d := Defaults()

	v.SetDefault("rtp.bind_ip", d.RTP.BindIP)
	v.SetDefault("rtp.port_min", d.RTP.PortMin)
	v.SetDefault("rtp.port_max", d.RTP.PortMax)
	v.SetDefault("rtp.queue_size", d.RTP.QueueSize)
	v.SetDefault("rtp.recv_buffer", d.RTP.RecvBuffer)

	v.SetDefault("sip.bind_ip", d.SIP.BindIP)
	v.SetDefault("sip.port", d.SIP.Port)
	v.SetDefault("sip.advertise_ip", d.SIP.AdvertiseIP)
	v.SetDefault("sip.recv_buffer", d.SIP.RecvBuffer)
	v.SetDefault("sip.send_buffer", d.SIP.SendBuffer)
	v.SetDefault("sip.dscp", d.SIP.DSCP)

	v.SetDefault("transcriber.ingest_url", d.Transcriber.IngestURL)
	v.SetDefault("transcriber.timeout", d.Transcriber.Timeout)

	v.SetDefault("http.addr", d.HTTP.Addr)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// NewViper создает экземпляр viper с умолчаниями и чтением окружения.
// Ключ rtp.port_min читается из RTP_PORT_MIN и так далее.
func NewViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// ADVERTISE_IP старое имя переменной
	_ = v.BindEnv("sip.advertise_ip", "SIP_ADVERTISE_IP", "ADVERTISE_IP")

	return v
}

// Load читает конфигурацию. Если file не пуст, файл должен существовать.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("не удалось прочитать файл конфигурации %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("не удалось разобрать конфигурацию: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate проверяет диапазоны и обязательные значения
func (c *Config) Validate() error {
	var errs []error

	if c.RTP.PortMin <= 0 || c.RTP.PortMax > 65535 || c.RTP.PortMin > c.RTP.PortMax {
		errs = append(errs, fmt.Errorf("неверный диапазон RTP портов: %d-%d", c.RTP.PortMin, c.RTP.PortMax))
	}
	if c.RTP.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("rtp.queue_size должен быть положительным: %d", c.RTP.QueueSize))
	}
	if c.RTP.RecvBuffer < 0 {
		errs = append(errs, fmt.Errorf("rtp.recv_buffer не может быть отрицательным: %d", c.RTP.RecvBuffer))
	}
	if c.SIP.Port < 0 || c.SIP.Port > 65535 {
		errs = append(errs, fmt.Errorf("неверный SIP порт: %d", c.SIP.Port))
	}
	if c.SIP.RecvBuffer < 0 || c.SIP.SendBuffer < 0 {
		errs = append(errs, fmt.Errorf("буферы SIP сокета не могут быть отрицательными: %d/%d", c.SIP.RecvBuffer, c.SIP.SendBuffer))
	}
	if c.SIP.DSCP < 0 || c.SIP.DSCP > rtp.MaxDSCP {
		errs = append(errs, fmt.Errorf("sip.dscp вне диапазона 0..63: %d", c.SIP.DSCP))
	}
	if c.Transcriber.Timeout < 0 {
		errs = append(errs, fmt.Errorf("transcriber.timeout не может быть отрицательным: %s", c.Transcriber.Timeout))
	}

	if len(errs) > 0 {
		return fmt.Errorf("невалидная конфигурация: %w", errors.Join(errs...))
	}
	return nil
}
