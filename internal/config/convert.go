package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/rfcctl/internal/auth"
	"github.com/danmuck/rfcctl/internal/client"
	"github.com/danmuck/rfcctl/internal/repository"
	"github.com/danmuck/rfcctl/internal/rfc"
	"github.com/danmuck/rfcctl/internal/server"
	"github.com/danmuck/rfcctl/internal/tables"
	"github.com/danmuck/rfcctl/internal/transport"
)

// Build converts the [transport] section, filling unset values from
// transport.DefaultConfig.
func (t TransportConfig) Build() (transport.Config, error) {
	cfg := transport.DefaultConfig()
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"connect_timeout", t.ConnectTimeout, &cfg.ConnectTimeout},
		{"handshake_timeout", t.HandshakeTimeout, &cfg.HandshakeTimeout},
		{"read_timeout", t.ReadTimeout, &cfg.ReadTimeout},
		{"write_timeout", t.WriteTimeout, &cfg.WriteTimeout},
		{"call_timeout", t.CallTimeout, &cfg.CallTimeout},
		{"idle_timeout", t.IdleTimeout, &cfg.IdleTimeout},
	}
	for _, d := range durations {
		if strings.TrimSpace(d.raw) == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil || v <= 0 {
			return transport.Config{}, fmt.Errorf("%w: transport %s %q", ErrInvalidConfig, d.key, d.raw)
		}
		*d.dst = v
	}
	if t.CompressThreshold != 0 {
		cfg.CompressThreshold = t.CompressThreshold
	}
	if t.SecurityMode != "" {
		cfg.SecurityMode = transport.NormalizeSecurityMode(transport.SecurityMode(t.SecurityMode))
		if cfg.SecurityMode != transport.SecurityModeDevelopment && cfg.SecurityMode != transport.SecurityModeProduction {
			return transport.Config{}, fmt.Errorf("%w: transport security_mode %q", ErrInvalidConfig, t.SecurityMode)
		}
	}
	cfg.TLS = transport.TLSConfig{
		Enabled:            t.TLS.Enabled,
		Mutual:             t.TLS.Mutual,
		CAFile:             t.TLS.CAFile,
		CertFile:           t.TLS.CertFile,
		KeyFile:            t.TLS.KeyFile,
		ServerName:         t.TLS.ServerName,
		InsecureSkipVerify: t.TLS.InsecureSkipVerify,
	}
	return cfg.WithDefaults(), nil
}

// ClientConfig builds a session config for a resolved destination.
func (f File) ClientConfig(d DestinationConfig, cache repository.Cache) (client.Config, error) {
	addr, err := d.Addr()
	if err != nil {
		return client.Config{}, err
	}
	tc, err := f.Transport.Build()
	if err != nil {
		return client.Config{}, err
	}
	return client.Config{
		Destination: client.Destination{
			Name:      d.Name,
			Address:   addr,
			ProgramID: d.ProgramID,
			Client:    d.Client,
			User:      d.User,
			Password:  d.Password,
			Language:  d.Language,
			TraceFile: d.TraceFile,
		},
		Transport:          tc,
		MaxConnectAttempts: d.MaxConnectAttempts,
		Cache:              cache,
	}, nil
}

// ServerConfig builds the dispatcher config from the [server] section.
func (f File) ServerConfig() (server.Config, error) {
	tc, err := f.Transport.Build()
	if err != nil {
		return server.Config{}, err
	}
	s := f.Server
	return server.Config{
		ProgramID:   s.ProgramID,
		ListenAddr:  s.Listen,
		AdminAddr:   s.Admin,
		CORSOrigins: s.CorsOrigins,
		SystemID:    s.SystemID,
		Release:     s.Release,
		TraceFile:   s.TraceFile,
		MaxRestarts: s.MaxRestarts,
		Transport:   tc,
	}, nil
}

// UserStore returns the configured logons, or nil when none are configured and
// every logon is accepted.
func (s ServerConfig) UserStore() (*auth.Users, error) {
	if len(s.Users) == 0 {
		return nil, nil
	}
	users := auth.NewUsers()
	for _, u := range s.Users {
		if err := users.AddHash(u.Client, u.User, u.PasswordHash); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	return users, nil
}

// MongoTables converts [[server.tables.table]] entries for tables.NewMongoSource.
func (t TablesConfig) MongoTables() (map[string]tables.MongoTable, error) {
	out := make(map[string]tables.MongoTable, len(t.Tables))
	for _, mt := range t.Tables {
		name := rfc.NormalizeName(mt.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: mongo table without name", ErrInvalidConfig)
		}
		fields := make([]rfc.FieldDescriptor, 0, len(mt.Fields))
		for _, fc := range mt.Fields {
			kind, err := rfc.ParseKind(fc.Type)
			if err != nil {
				return nil, fmt.Errorf("%w: table %s field %s: %v", ErrInvalidConfig, name, fc.Name, err)
			}
			fields = append(fields, rfc.FieldDescriptor{
				Name:        fc.Name,
				Kind:        kind,
				Length:      fc.Length,
				Decimals:    fc.Decimals,
				Description: fc.Description,
			})
		}
		keys := make(map[string]string, len(mt.Keys))
		for field, key := range mt.Keys {
			keys[rfc.NormalizeName(field)] = strings.TrimSpace(key)
		}
		out[name] = tables.MongoTable{Collection: mt.Collection, Fields: fields, Keys: keys}
	}
	return out, nil
}

// Cache builds the descriptor repository.
func (r RepositoryConfig) Cache() (repository.Cache, error) {
	switch r.Kind {
	case RepositoryRedis:
		var ttl time.Duration
		if r.TTL != "" {
			d, err := time.ParseDuration(r.TTL)
			if err != nil {
				return nil, fmt.Errorf("%w: repository ttl: %v", ErrInvalidConfig, err)
			}
			ttl = d
		}
		c, err := repository.DialRedis(r.RedisAddr, r.RedisPassword, r.RedisDB)
		if err != nil {
			return nil, err
		}
		return repository.NewRedis(c, r.Prefix, ttl), nil
	case RepositoryMemory, "":
		m, err := repository.NewMemory(r.Size)
		if err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("%w: repository kind %q", ErrInvalidConfig, r.Kind)
	}
}
