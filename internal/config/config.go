// Package config loads the destination catalog: the named archives a send
// can target, with their AE titles, addresses and transport settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/danmuck/dicomctl/internal/protocol/session"
	"github.com/danmuck/dicomctl/internal/send"
	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

const DefaultAETitle = "DCMSCU"

var ErrUnknownDestination = errors.New("config: unknown destination")

type Catalog struct {
	// AETitle is the calling AE used for every destination that sets none.
	AETitle      string        `toml:"ae_title" yaml:"ae_title" validate:"omitempty,aetitle"`
	Default      string        `toml:"default" yaml:"default"`
	Session      SessionConfig `toml:"session" yaml:"session"`
	Destinations []Destination `toml:"destinations" yaml:"destinations" validate:"dive"`
}

type Destination struct {
	Name      string    `toml:"name" yaml:"name" validate:"required"`
	CallingAE string    `toml:"calling_ae" yaml:"calling_ae" validate:"omitempty,aetitle"`
	CalledAE  string    `toml:"called_ae" yaml:"called_ae" validate:"required,aetitle"`
	Host      string    `toml:"host" yaml:"host" validate:"required"`
	Port      int       `toml:"port" yaml:"port" validate:"required,min=1,max=65535"`
	TLS       TLSConfig `toml:"tls" yaml:"tls"`
}

type TLSConfig struct {
	Enabled            bool   `toml:"enabled" yaml:"enabled"`
	Mutual             bool   `toml:"mutual" yaml:"mutual"`
	CertFile           string `toml:"cert_file" yaml:"cert_file" validate:"required_if=Mutual true"`
	KeyFile            string `toml:"key_file" yaml:"key_file" validate:"required_if=Mutual true"`
	CAFile             string `toml:"ca_file" yaml:"ca_file"`
	ServerName         string `toml:"server_name" yaml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify" yaml:"insecure_skip_verify"`
}

// SessionConfig holds durations as strings ("30s", "2m").
type SessionConfig struct {
	ConnectTimeout string `toml:"connect_timeout" yaml:"connect_timeout"`
	ReadTimeout    string `toml:"read_timeout" yaml:"read_timeout"`
	WriteTimeout   string `toml:"write_timeout" yaml:"write_timeout"`
	DIMSETimeout   string `toml:"dimse_timeout" yaml:"dimse_timeout"`
	MaxPDULength   uint32 `toml:"max_pdu_length" yaml:"max_pdu_length"`
	SecurityMode   string `toml:"security_mode" yaml:"security_mode" validate:"omitempty,oneof=development production"`
}

// Target is a resolved destination, ready to hand to a send job.
type Target struct {
	Name         string
	Peer         send.Peer
	Session      session.Config
	DIMSETimeout time.Duration
}

// LoadCatalog reads path as YAML when its extension says so and TOML otherwise.
func LoadCatalog(path string) (Catalog, error) {
	var cat Catalog
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
		if err := loadYAML(path, &cat); err != nil {
			return Catalog{}, err
		}
	default:
		if err := loadToml(path, &cat); err != nil {
			return Catalog{}, err
		}
	}
	if strings.TrimSpace(cat.AETitle) == "" {
		cat.AETitle = DefaultAETitle
	}
	if cat.Default == "" && len(cat.Destinations) == 1 {
		cat.Default = cat.Destinations[0].Name
	}
	if err := ValidateCatalog(cat); err != nil {
		return Catalog{}, err
	}
	return cat, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func loadYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("aetitle", func(fl validator.FieldLevel) bool {
		return session.ValidateAETitle(fl.Field().String()) == nil
	})
	return v
}

func ValidateCatalog(cat Catalog) error {
	if err := validate.Struct(cat); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("catalog invalid: %s fails %q", fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("catalog invalid: %w", err)
	}
	seen := make(map[string]struct{}, len(cat.Destinations))
	for i, d := range cat.Destinations {
		key := strings.ToLower(strings.TrimSpace(d.Name))
		if _, dup := seen[key]; dup {
			return fmt.Errorf("destination[%d] invalid: duplicate name %q", i, d.Name)
		}
		seen[key] = struct{}{}
	}
	if cat.Default != "" {
		if _, ok := seen[strings.ToLower(strings.TrimSpace(cat.Default))]; !ok {
			return fmt.Errorf("default destination %q not defined", cat.Default)
		}
	}
	if _, err := cat.Session.Resolve(); err != nil {
		return err
	}
	return nil
}

// Names lists destination names in file order.
func (c Catalog) Names() []string {
	out := make([]string, 0, len(c.Destinations))
	for _, d := range c.Destinations {
		out = append(out, d.Name)
	}
	return out
}

// Resolve looks a destination up by name, case-insensitively. An empty name
// selects the catalog default.
func (c Catalog) Resolve(name string) (Target, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = c.Default
	}
	for _, d := range c.Destinations {
		if !strings.EqualFold(d.Name, name) {
			continue
		}
		sess, err := c.Session.Resolve()
		if err != nil {
			return Target{}, err
		}
		sess.TLS = d.TLS.session()
		calling := d.CallingAE
		if calling == "" {
			calling = c.AETitle
		}
		if calling == "" {
			calling = DefaultAETitle
		}
		dimse, _ := parseDuration(c.Session.DIMSETimeout)
		return Target{
			Name: d.Name,
			Peer: send.Peer{
				CallingAE: calling,
				CalledAE:  d.CalledAE,
				Host:      d.Host,
				Port:      d.Port,
			},
			Session:      sess,
			DIMSETimeout: dimse,
		}, nil
	}
	return Target{}, fmt.Errorf("%w: %q", ErrUnknownDestination, name)
}

func (t TLSConfig) session() session.TLSConfig {
	return session.TLSConfig{
		Enabled:            t.Enabled || t.Mutual,
		Mutual:             t.Mutual,
		CertFile:           t.CertFile,
		KeyFile:            t.KeyFile,
		CAFile:             t.CAFile,
		ServerName:         t.ServerName,
		InsecureSkipVerify: t.InsecureSkipVerify,
	}
}

// Resolve converts the catalog session block into a session.Config with
// defaults applied.
func (s SessionConfig) Resolve() (session.Config, error) {
	var out session.Config
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"connect_timeout", s.ConnectTimeout, &out.ConnectTimeout},
		{"read_timeout", s.ReadTimeout, &out.ReadTimeout},
		{"write_timeout", s.WriteTimeout, &out.WriteTimeout},
		{"dimse_timeout", s.DIMSETimeout, new(time.Duration)},
	}
	for _, f := range fields {
		d, err := parseDuration(f.raw)
		if err != nil {
			return session.Config{}, fmt.Errorf("session.%s: %w", f.name, err)
		}
		*f.dst = d
	}
	out.MaxPDULength = s.MaxPDULength
	out.SecurityMode = session.SecurityMode(s.SecurityMode)
	return out.WithDefaults(), nil
}

func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", raw)
	}
	return d, nil
}
