package main

import (
	"encoding/hex"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"canmon"
	"canmon/decode"
	"canmon/driver"
	"canmon/dtc"
	"canmon/forward"
	"canmon/monitor"
	"canmon/serialize"
	"canmon/tp"
)

type appConfig struct {
	Interface  string `mapstructure:"interface"`
	Bitrate    int    `mapstructure:"bitrate"`
	ListenOnly bool   `mapstructure:"listen_only"`

	Log struct {
		Path      string `mapstructure:"path"`
		MaxSizeMB int    `mapstructure:"max_size_mb"`
		Backups   int    `mapstructure:"backups"`
	} `mapstructure:"log"`

	Metrics struct {
		HTTPPort   int    `mapstructure:"http_port"`
		OutputFile string `mapstructure:"output_file"`
	} `mapstructure:"metrics"`

	Forward struct {
		Type    string `mapstructure:"type"`
		URL     string `mapstructure:"url"`
		Host    string `mapstructure:"host"`
		Topic   string `mapstructure:"topic"`
		Format  string `mapstructure:"format"`
		Retries int    `mapstructure:"retries"`
		DelayMs int    `mapstructure:"delay_ms"`
	} `mapstructure:"forward"`

	Decode struct {
		Signals []signalConfig `mapstructure:"signals"`
	} `mapstructure:"decode"`

	UDS udsConfig `mapstructure:"uds"`
}

type signalConfig struct {
	ID        uint32  `mapstructure:"id"`
	Name      string  `mapstructure:"name"`
	StartBit  int     `mapstructure:"start_bit"`
	Length    int     `mapstructure:"length"`
	BigEndian bool    `mapstructure:"big_endian"`
	Signed    bool    `mapstructure:"signed"`
	Factor    float64 `mapstructure:"factor"`
	Offset    float64 `mapstructure:"offset"`
}

type udsConfig struct {
	RequestID      uint32 `mapstructure:"request_id"`
	ResponseID     uint32 `mapstructure:"response_id"`
	TimeoutMs      int    `mapstructure:"timeout_ms"`
	NBsMs          int    `mapstructure:"n_bs_ms"`
	NCrMs          int    `mapstructure:"n_cr_ms"`
	Retries        *int   `mapstructure:"retries"`
	Security       string `mapstructure:"security"`
	PollIntervalMs int    `mapstructure:"poll_interval_ms"`
	StatusMask     uint32 `mapstructure:"status_mask"`

	FlowControl struct {
		BlockSize int `mapstructure:"block_size"`
		StMinMs   int `mapstructure:"st_min_ms"`
	} `mapstructure:"flow_control"`

	DTCs    map[string]dtcConfig   `mapstructure:"dtcs"`
	Patches map[string]patchConfig `mapstructure:"patches"`
}

type dtcConfig struct {
	Description string `mapstructure:"description"`
	Severity    string `mapstructure:"severity"`
	Alert       bool   `mapstructure:"alert"`
	Component   string `mapstructure:"component"`
}

type patchConfig struct {
	CanID      uint32 `mapstructure:"can_id"`
	Payload    string `mapstructure:"payload"`
	ResponseID uint32 `mapstructure:"response_id"`
	TimeoutMs  int    `mapstructure:"timeout_ms"`
}

func loadConfig() (*appConfig, error) {
	cfg := &appConfig{}
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "parse configuration")
	}
	if cfg.Interface == "" {
		cfg.Interface = "can0"
	}
	if cfg.Bitrate == 0 {
		cfg.Bitrate = 500000
	}
	return cfg, nil
}

// tpConfig builds the transport configuration: either a single timeout_ms
// applied to both waits or an explicit n_bs_ms/n_cr_ms pair.
func (c *appConfig) tpConfig() (tp.Config, error) {
	cfg := tp.DefaultConfig()
	u := c.UDS

	if u.TimeoutMs > 0 {
		cfg.Timeouts = tp.UniformTimeouts(time.Duration(u.TimeoutMs) * time.Millisecond)
	}
	if u.NBsMs > 0 {
		cfg.Timeouts.NBs = time.Duration(u.NBsMs) * time.Millisecond
	}
	if u.NCrMs > 0 {
		cfg.Timeouts.NCr = time.Duration(u.NCrMs) * time.Millisecond
	}
	if u.Retries != nil {
		cfg.Retries = *u.Retries
	}
	if u.FlowControl.StMinMs < 0 || u.FlowControl.StMinMs > 0x7F {
		return cfg, errors.Errorf("flow_control.st_min_ms %d outside [0, 127]", u.FlowControl.StMinMs)
	}
	cfg.FlowControl = tp.FlowControlParams{
		BlockSize: u.FlowControl.BlockSize,
		StMin:     byte(u.FlowControl.StMinMs),
	}
	return cfg, cfg.Validate()
}

func (c *appConfig) catalog() (*dtc.Catalog, error) {
	entries := make(map[string]dtc.Entry, len(c.UDS.DTCs))
	for code, dc := range c.UDS.DTCs {
		severity := dtc.SeverityInfo
		if dc.Severity != "" {
			var err error
			severity, err = dtc.ParseSeverity(dc.Severity)
			if err != nil {
				return nil, errors.Wrapf(err, "dtc %s", code)
			}
		}
		entries[code] = dtc.Entry{
			Description: dc.Description,
			Severity:    severity,
			Alert:       dc.Alert,
			Component:   dc.Component,
		}
	}
	return dtc.NewCatalog(entries), nil
}

func (c *appConfig) decoder() (*decode.SignalDecoder, error) {
	byID := make(map[uint32][]decode.SignalDef)
	for _, s := range c.Decode.Signals {
		byID[s.ID] = append(byID[s.ID], decode.SignalDef{
			Name:      s.Name,
			StartBit:  s.StartBit,
			Length:    s.Length,
			Scale:     s.Factor,
			Offset:    s.Offset,
			Signed:    s.Signed,
			BigEndian: s.BigEndian,
		})
	}
	defs := make([]decode.MessageDef, 0, len(byID))
	for id, signals := range byID {
		defs = append(defs, decode.MessageDef{ID: id, Signals: signals})
	}
	return decode.NewSignalDecoder(defs)
}

func (c *appConfig) forwarder(log canmon.Logger) (*forward.Forwarder, error) {
	f := c.Forward
	if f.Type == "" || f.Type == "none" {
		return nil, nil
	}
	m, err := serialize.New(f.Format)
	if err != nil {
		return nil, err
	}

	var transport forward.Transport
	switch f.Type {
	case "http":
		if f.URL == "" {
			return nil, errors.New("forward.url is required for http forwarding")
		}
		transport = forward.NewHTTPTransport(f.URL, 0)
	case "mqtt":
		if f.Host == "" || f.Topic == "" {
			return nil, errors.New("forward.host and forward.topic are required for mqtt forwarding")
		}
		transport, err = forward.NewMQTTTransport(f.Host, "canmon", f.Topic, 0)
		if err != nil {
			return nil, err
		}
	default:
		return nil, errors.Errorf("unknown forward type %q", f.Type)
	}

	retries := f.Retries
	if retries == 0 {
		retries = 3
	}
	delay := time.Duration(f.DelayMs) * time.Millisecond
	if delay == 0 {
		delay = 500 * time.Millisecond
	}
	return forward.New(m, transport, retries, delay, log), nil
}

func (c *appConfig) patches() ([]monitor.Patch, error) {
	patches := make([]monitor.Patch, 0, len(c.UDS.Patches))
	for name, pc := range c.UDS.Patches {
		payload, err := hex.DecodeString(strings.ReplaceAll(pc.Payload, " ", ""))
		if err != nil {
			return nil, errors.Wrapf(err, "patch %q payload", name)
		}
		patches = append(patches, monitor.Patch{
			Name:       name,
			RequestID:  pc.CanID,
			ResponseID: pc.ResponseID,
			Payload:    payload,
			Timeout:    time.Duration(pc.TimeoutMs) * time.Millisecond,
		})
	}
	return patches, nil
}

// buildDriver picks the bus driver from the interface name: "slcan:<dev>"
// for serial adapters, "virtual" for the loopback bus, anything else is a
// SocketCAN interface.
func (c *appConfig) buildDriver(log canmon.Logger) driver.CANDriver {
	switch {
	case strings.HasPrefix(c.Interface, "slcan:"):
		return driver.NewSLCAN(strings.TrimPrefix(c.Interface, "slcan:"), 0, c.Bitrate, log)
	case c.Interface == "virtual":
		return driver.NewVirtualBus().Endpoint()
	default:
		return driver.NewSocketCAN(c.Interface, log)
	}
}

// needsSetup reports whether the interface is a kernel SocketCAN device
// that has to be brought up before opening.
func (c *appConfig) needsSetup() bool {
	return !strings.HasPrefix(c.Interface, "slcan:") && c.Interface != "virtual"
}

func (c *appConfig) statusMask() byte {
	if c.UDS.StatusMask == 0 {
		return 0xFF
	}
	return byte(c.UDS.StatusMask)
}
