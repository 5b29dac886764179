// Package config loads the rfcctl destinations file: client destinations,
// the server section and the descriptor repository.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

var (
	ErrUnknownDestination = errors.New("config: unknown destination")
	ErrInvalidConfig      = errors.New("config: invalid")
)

const (
	DefaultPath      = "destinations.toml"
	DefaultProgramID = "ZRFCCTEST"
	DefaultService   = "sapgw42"
	DefaultLanguage  = "EN"

	TablesMemory     = "memory"
	TablesMongo      = "mongo"
	RepositoryMemory = "memory"
	RepositoryRedis  = "redis"
)

// File is the whole destinations file.
type File struct {
	Destinations []DestinationConfig `toml:"destination"`
	Server       ServerConfig        `toml:"server"`
	Repository   RepositoryConfig    `toml:"repository"`
	Transport    TransportConfig     `toml:"transport"`
}

// DestinationConfig is one [[destination]] entry. Address wins over Host and
// Service; ConnectString is applied on top of the other keys.
type DestinationConfig struct {
	Name               string `toml:"name"`
	ConnectString      string `toml:"connect_string"`
	Address            string `toml:"address"`
	Host               string `toml:"host"`
	Service            string `toml:"service"`
	SystemNumber       string `toml:"sysnr"`
	ProgramID          string `toml:"program_id"`
	Client             string `toml:"client"`
	User               string `toml:"user"`
	Password           string `toml:"password"`
	Language           string `toml:"language"`
	TraceFile          string `toml:"trace_file"`
	MaxConnectAttempts int    `toml:"max_connect_attempts"`
}

type ServerConfig struct {
	ProgramID   string       `toml:"program_id"`
	Listen      string       `toml:"listen"`
	Host        string       `toml:"gateway_host"`
	Service     string       `toml:"gateway_service"`
	Admin       string       `toml:"admin"`
	SystemID    string       `toml:"system_id"`
	Release     string       `toml:"release"`
	TraceFile   string       `toml:"trace_file"`
	MaxRestarts int          `toml:"max_restarts"`
	CorsOrigins []string     `toml:"cors_origins"`
	ImportFrom  string       `toml:"import_from"`
	Users       []UserConfig `toml:"user"`
	Tables      TablesConfig `toml:"tables"`
}

// UserConfig is a logon the server accepts. PasswordHash is bcrypt.
type UserConfig struct {
	Client       string `toml:"client"`
	User         string `toml:"user"`
	PasswordHash string `toml:"password_hash"`
}

type TablesConfig struct {
	Source      string             `toml:"source"`
	SampleWeeks int                `toml:"sample_weeks"`
	MongoURI    string             `toml:"mongo_uri"`
	Database    string             `toml:"database"`
	Tables      []MongoTableConfig `toml:"table"`
}

type MongoTableConfig struct {
	Name       string            `toml:"name"`
	Collection string            `toml:"collection"`
	Keys       map[string]string `toml:"keys"`
	Fields     []FieldConfig     `toml:"field"`
}

type FieldConfig struct {
	Name        string `toml:"name"`
	Type        string `toml:"type"`
	Length      int    `toml:"length"`
	Decimals    int    `toml:"decimals"`
	Description string `toml:"description"`
}

type RepositoryConfig struct {
	Kind          string `toml:"kind"`
	Size          int    `toml:"size"`
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
	Prefix        string `toml:"prefix"`
	TTL           string `toml:"ttl"`
}

// TransportConfig holds timeouts as duration strings ("5s", "2m").
type TransportConfig struct {
	ConnectTimeout    string    `toml:"connect_timeout"`
	HandshakeTimeout  string    `toml:"handshake_timeout"`
	ReadTimeout       string    `toml:"read_timeout"`
	WriteTimeout      string    `toml:"write_timeout"`
	CallTimeout       string    `toml:"call_timeout"`
	IdleTimeout       string    `toml:"idle_timeout"`
	CompressThreshold int       `toml:"compress_threshold"`
	SecurityMode      string    `toml:"security_mode"`
	TLS               TLSConfig `toml:"tls"`
}

type TLSConfig struct {
	Enabled            bool   `toml:"enabled"`
	Mutual             bool   `toml:"mutual"`
	CAFile             string `toml:"ca_file"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

// Load reads, defaults and validates a destinations file.
func Load(path string) (File, error) {
	var f File
	if err := loadToml(path, &f); err != nil {
		return File{}, err
	}
	return finish(f)
}

// Parse is Load for in-memory content.
func Parse(data []byte) (File, error) {
	var f File
	if err := decodeStrict(data, &f); err != nil {
		return File{}, fmt.Errorf("config parse failed: %w", err)
	}
	return finish(f)
}

func finish(f File) (File, error) {
	applyDefaults(&f)
	if err := Validate(f); err != nil {
		return File{}, err
	}
	return f, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := decodeStrict(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

// decodeStrict rejects keys that map to no field, so a key placed in the
// wrong table is an error instead of a silent default.
func decodeStrict(data []byte, out any) error {
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	err := dec.Decode(out)
	var strict *toml.StrictMissingError
	if errors.As(err, &strict) {
		keys := make([]string, 0, len(strict.Errors))
		for _, e := range strict.Errors {
			keys = append(keys, strings.Join(e.Key(), "."))
		}
		return fmt.Errorf("%w: unknown keys %s", ErrInvalidConfig, strings.Join(keys, ", "))
	}
	return err
}

func applyDefaults(f *File) {
	s := &f.Server
	if s.ProgramID == "" {
		s.ProgramID = DefaultProgramID
	}
	if s.Listen == "" {
		port, err := ServicePort(firstNonEmpty(s.Service, DefaultService))
		if err == nil {
			s.Listen = fmt.Sprintf("%s:%s", s.Host, port)
		}
	}
	if s.SystemID == "" {
		s.SystemID = "NPL"
	}
	if s.Release == "" {
		s.Release = "1.0"
	}
	if s.Tables.Source == "" {
		s.Tables.Source = TablesMemory
	}
	if s.Tables.SampleWeeks <= 0 {
		s.Tables.SampleWeeks = 4
	}
	if s.Tables.Database == "" {
		s.Tables.Database = "rfcctl"
	}
	if f.Repository.Kind == "" {
		f.Repository.Kind = RepositoryMemory
	}
	for i := range f.Destinations {
		d := &f.Destinations[i]
		if d.Language == "" {
			d.Language = DefaultLanguage
		}
	}
}

func Validate(f File) error {
	names := make(map[string]struct{}, len(f.Destinations))
	for i, d := range f.Destinations {
		name := strings.ToUpper(strings.TrimSpace(d.Name))
		if name == "" {
			return fmt.Errorf("%w: destination[%d] missing name", ErrInvalidConfig, i)
		}
		if _, dup := names[name]; dup {
			return fmt.Errorf("%w: duplicate destination %s", ErrInvalidConfig, name)
		}
		names[name] = struct{}{}
		if d.ConnectString != "" {
			if _, err := ParseConnectString(d.ConnectString); err != nil {
				return fmt.Errorf("%w: destination %s: %v", ErrInvalidConfig, name, err)
			}
		}
		if d.MaxConnectAttempts < 0 {
			return fmt.Errorf("%w: destination %s max_connect_attempts < 0", ErrInvalidConfig, name)
		}
	}
	if err := ValidateServer(f.Server); err != nil {
		return err
	}
	switch f.Repository.Kind {
	case RepositoryMemory:
	case RepositoryRedis:
		if strings.TrimSpace(f.Repository.RedisAddr) == "" {
			return fmt.Errorf("%w: repository redis_addr required", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: repository kind %q", ErrInvalidConfig, f.Repository.Kind)
	}
	if f.Repository.TTL != "" {
		if _, err := time.ParseDuration(f.Repository.TTL); err != nil {
			return fmt.Errorf("%w: repository ttl: %v", ErrInvalidConfig, err)
		}
	}
	if _, err := f.Transport.Build(); err != nil {
		return err
	}
	return nil
}

func ValidateServer(s ServerConfig) error {
	if strings.TrimSpace(s.ProgramID) == "" {
		return fmt.Errorf("%w: server program_id required", ErrInvalidConfig)
	}
	if strings.TrimSpace(s.Listen) == "" {
		return fmt.Errorf("%w: server listen or gateway_service required", ErrInvalidConfig)
	}
	if s.MaxRestarts < 0 {
		return fmt.Errorf("%w: server max_restarts < 0", ErrInvalidConfig)
	}
	for i, u := range s.Users {
		if strings.TrimSpace(u.User) == "" || strings.TrimSpace(u.PasswordHash) == "" {
			return fmt.Errorf("%w: server user[%d] needs user and password_hash", ErrInvalidConfig, i)
		}
	}
	switch s.Tables.Source {
	case TablesMemory:
	case TablesMongo:
		if strings.TrimSpace(s.Tables.MongoURI) == "" {
			return fmt.Errorf("%w: tables mongo_uri required", ErrInvalidConfig)
		}
		if len(s.Tables.Tables) == 0 {
			return fmt.Errorf("%w: tables source mongo needs at least one [[server.tables.table]]", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: tables source %q", ErrInvalidConfig, s.Tables.Source)
	}
	return nil
}

// Destination resolves a destination by name, or a connect string when
// target contains '='.
func (f File) Destination(target string) (DestinationConfig, error) {
	target = strings.TrimSpace(target)
	if strings.Contains(target, "=") {
		return f.resolveConnectString(DestinationConfig{}, target)
	}
	for _, d := range f.Destinations {
		if strings.EqualFold(d.Name, target) {
			if d.ConnectString == "" {
				return d, nil
			}
			return f.resolveConnectString(d, d.ConnectString)
		}
	}
	return DestinationConfig{}, fmt.Errorf("%w: %s", ErrUnknownDestination, target)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
