package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AlexKimmel/ShardLimit/pkg/limit"
)

type Server struct {
	Addr           string `yaml:"addr"`
	ReadTimeoutMS  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms"`
	IdleTimeoutMS  int    `yaml:"idle_timeout_ms"`
	MaxBodyBytes   int64  `yaml:"max_body_bytes"`
}

type Observability struct {
	LogLevel       string `yaml:"log_level"`       // "debug","info","warn","error"
	PrometheusPath string `yaml:"prometheus_path"` // e.g. "/metrics"
}

type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type Mongo struct {
	URI        string `yaml:"uri"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
}

type Storage struct {
	Backend   string `yaml:"backend"` // "memory","redis","mongo"
	TimeoutMS int    `yaml:"timeout_ms"`
	Redis     Redis  `yaml:"redis"`
	Mongo     Mongo  `yaml:"mongo"`
}

type GC struct {
	IntervalMS     int     `yaml:"interval_ms"` // 0 disables the periodic sweep
	MaxAgeMS       int64   `yaml:"max_age_ms"`
	PagesPerSecond float64 `yaml:"pages_per_second"`
}

type Routes struct {
	ID    string `yaml:"id"`
	Match struct {
		PathPrefix string   `yaml:"path_prefix"`
		Methods    []string `yaml:"methods"`
	} `yaml:"match"`

	Upstream struct {
		URL       string `yaml:"url"`
		TimeoutMS int    `yaml:"timeout_ms"`
	} `yaml:"upstream"`

	Limit     string  `yaml:"limit"`
	KeyHeader string  `yaml:"key_header"`
	Count     float64 `yaml:"count"`
}

// Timeout bounds one proxied request.
func (r Routes) Timeout() time.Duration {
	return time.Duration(r.Upstream.TimeoutMS) * time.Millisecond
}

type Root struct {
	Server        Server                  `yaml:"server"`
	Observability Observability           `yaml:"observability"`
	Storage       Storage                 `yaml:"storage"`
	GC            GC                      `yaml:"gc"`
	Limits        map[string]limit.Config `yaml:"limits"`
	Routes        []Routes                `yaml:"routes"`
}

func (s Server) ReadTimeout() time.Duration {
	if s.ReadTimeoutMS == 0 {
		return 5 * time.Second
	}
	return time.Duration(s.ReadTimeoutMS) * time.Millisecond
}

func (s Server) WriteTimeout() time.Duration {
	if s.WriteTimeoutMS == 0 {
		return 10 * time.Second
	}
	return time.Duration(s.WriteTimeoutMS) * time.Millisecond
}

func (s Server) IdleTimeout() time.Duration {
	if s.IdleTimeoutMS == 0 {
		return 60 * time.Second
	}
	return time.Duration(s.IdleTimeoutMS) * time.Millisecond
}

func (s Server) MaxBody() int64 {
	if s.MaxBodyBytes == 0 {
		return 10 << 20
	}
	return s.MaxBodyBytes
} // default 10MB

func (s Storage) Timeout() time.Duration {
	return time.Duration(s.TimeoutMS) * time.Millisecond
}

func (g GC) Interval() time.Duration {
	return time.Duration(g.IntervalMS) * time.Millisecond
}

func (g GC) MaxAge() time.Duration {
	return time.Duration(g.MaxAgeMS) * time.Millisecond
}

func Load(path string) (*Root, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// Parse decodes a YAML document, fills defaults and validates limits and routes.
func Parse(b []byte) (*Root, error) {
	var cfg Root
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Observability.LogLevel == "" {
		cfg.Observability.LogLevel = "info"
	}
	if cfg.Observability.PrometheusPath == "" {
		cfg.Observability.PrometheusPath = "/metrics"
	}

	cfg.Storage.Backend = strings.ToLower(cfg.Storage.Backend)
	switch cfg.Storage.Backend {
	case "":
		cfg.Storage.Backend = "memory"
	case "memory", "redis", "mongo":
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", cfg.Storage.Backend)
	}
	if cfg.Storage.TimeoutMS <= 0 {
		cfg.Storage.TimeoutMS = 2000
	}
	if cfg.Storage.Redis.Addr == "" {
		cfg.Storage.Redis.Addr = "localhost:6379"
	}
	if cfg.Storage.Mongo.URI == "" {
		cfg.Storage.Mongo.URI = "mongodb://localhost:27017"
	}
	if cfg.Storage.Mongo.Database == "" {
		cfg.Storage.Mongo.Database = "shardlimit"
	}
	if cfg.Storage.Mongo.Collection == "" {
		cfg.Storage.Mongo.Collection = "rate_limits"
	}

	if cfg.GC.MaxAgeMS <= 0 {
		cfg.GC.MaxAgeMS = int64(24 * time.Hour / time.Millisecond)
	}
	if cfg.GC.PagesPerSecond <= 0 {
		cfg.GC.PagesPerSecond = 10
	}

	for name, l := range cfg.Limits {
		if err := l.Validate(); err != nil {
			return nil, fmt.Errorf("limits.%s: %w", name, err)
		}
	}
	for i := range cfg.Routes {
		rt := &cfg.Routes[i]
		if rt.Upstream.URL != "" {
			u, err := url.Parse(rt.Upstream.URL)
			if err != nil || u.Scheme == "" || u.Host == "" {
				return nil, fmt.Errorf("routes[%d] %q: invalid upstream url %q", i, rt.ID, rt.Upstream.URL)
			}
			if rt.Upstream.TimeoutMS <= 0 {
				rt.Upstream.TimeoutMS = 3000
			}
		}
		if rt.Limit == "" {
			continue
		}
		if _, ok := cfg.Limits[rt.Limit]; !ok {
			return nil, fmt.Errorf("routes[%d] %q: unknown limit %q", i, rt.ID, rt.Limit)
		}
		if rt.Count <= 0 {
			rt.Count = 1
		}
	}

	return &cfg, nil
}
