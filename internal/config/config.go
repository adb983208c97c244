package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/common/model"
	osrmmodel "github.com/qiniu/routeops/internal/osrm/model"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Database  DatabaseConfig  `json:"database" yaml:"database"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
	Redis     RedisConfig     `json:"redis" yaml:"redis"`
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`
	OSRM      OSRMConfig      `json:"osrm" yaml:"osrm"`
}

type ServerConfig struct {
	BindAddr string `json:"bindAddr" yaml:"bindAddr"`
}

type DatabaseConfig struct {
	Driver   string `json:"driver" yaml:"driver"` // postgres or memory
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	User     string `json:"user" yaml:"user"`
	Password string `json:"password" yaml:"password"`
	DBName   string `json:"dbname" yaml:"dbname"`
	SSLMode  string `json:"sslmode" yaml:"sslmode"`

	// SourceDSN points at the road segments database; empty means the same database.
	SourceDSN string `json:"sourceDSN" yaml:"sourceDSN"`
}

// SourceURL returns the DSN used for road segment snapshots.
func (c DatabaseConfig) SourceURL() string {
	if c.SourceDSN != "" {
		return c.SourceDSN
	}
	return c.DSN()
}

// DSN returns the libpq style connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

type LoggingConfig struct {
	Level string `json:"level" yaml:"level"`
}

type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

type TelemetryConfig struct {
	Tracing     bool   `json:"tracing" yaml:"tracing"`
	ServiceName string `json:"serviceName" yaml:"serviceName"`
}

type OSRMConfig struct {
	Tools     ToolsConfig     `json:"tools" yaml:"tools"`
	Build     BuildConfig     `json:"build" yaml:"build"`
	Container ContainerConfig `json:"container" yaml:"container"`
	Deploy    DeployConfig    `json:"deploy" yaml:"deploy"`
	Profiles  []ProfileConfig `json:"profiles" yaml:"profiles"`
}

type ToolsConfig struct {
	Extract   string `json:"extract" yaml:"extract"`
	Contract  string `json:"contract" yaml:"contract"`
	Partition string `json:"partition" yaml:"partition"`
	Customize string `json:"customize" yaml:"customize"`
	Routed    string `json:"routed" yaml:"routed"`
	Docker    string `json:"docker" yaml:"docker"`
	Image     string `json:"image" yaml:"image"`
}

type BuildConfig struct {
	WorkDir         string `json:"workDir" yaml:"workDir"`
	StageTimeout    string `json:"stageTimeout" yaml:"stageTimeout"` // e.g. "2h"
	StaleAfter      string `json:"staleAfter" yaml:"staleAfter"`     // e.g. "12h"
	OutputLimit     int    `json:"outputLimit" yaml:"outputLimit"`   // bytes kept per stream
	MaxQueueDepth   int    `json:"maxQueueDepth" yaml:"maxQueueDepth"`
	SkipValidate    bool   `json:"skipValidate" yaml:"skipValidate"`
	PipelineVersion string `json:"pipelineVersion" yaml:"pipelineVersion"`
	SegmentsTable   string `json:"segmentsTable" yaml:"segmentsTable"`
}

type ContainerConfig struct {
	Runtime       string `json:"runtime" yaml:"runtime"` // process or docker
	BindIP        string `json:"bindIP" yaml:"bindIP"`
	StartTimeout  string `json:"startTimeout" yaml:"startTimeout"`
	StopTimeout   string `json:"stopTimeout" yaml:"stopTimeout"`
	HealthTimeout string `json:"healthTimeout" yaml:"healthTimeout"`
	MaxTableSize  int    `json:"maxTableSize" yaml:"maxTableSize"`
}

type DeployConfig struct {
	HealthWait     string `json:"healthWait" yaml:"healthWait"`
	HealthInterval string `json:"healthInterval" yaml:"healthInterval"`
}

type ProfileConfig struct {
	Name      string           `json:"name" yaml:"name"`
	Script    string           `json:"script" yaml:"script"`
	PBF       string           `json:"pbf" yaml:"pbf"`
	Algorithm string           `json:"algorithm" yaml:"algorithm"`
	Probe     string           `json:"probe" yaml:"probe"`
	Instances []InstanceConfig `json:"instances" yaml:"instances"`
}

type InstanceConfig struct {
	ID       string `json:"id" yaml:"id"`
	Name     string `json:"name" yaml:"name"`
	Port     int    `json:"port" yaml:"port"`
	DataPath string `json:"dataPath" yaml:"dataPath"`
}

// Load parses the -f flag and loads configuration from env and the optional file.
func Load() (*Config, error) {
	configFile := flag.String("f", "", "Path to configuration file")
	flag.Parse()

	return LoadFile(*configFile)
}

// LoadFile loads configuration from env defaults overlaid by filePath when non-empty.
func LoadFile(filePath string) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			BindAddr: getEnv("SERVER_BIND_ADDR", "0.0.0.0:8080"),
		},
		Database: DatabaseConfig{
			Driver:    getEnv("DB_DRIVER", "postgres"),
			Host:      getEnv("DB_HOST", "localhost"),
			Port:      getEnvInt("DB_PORT", 5432),
			User:      getEnv("DB_USER", "admin"),
			Password:  getEnv("DB_PASSWORD", "password"),
			DBName:    getEnv("DB_NAME", "routeops"),
			SSLMode:   getEnv("DB_SSLMODE", "disable"),
			SourceDSN: getEnv("SOURCE_DB_DSN", ""),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Telemetry: TelemetryConfig{
			Tracing:     getEnvBool("OTEL_TRACING", false),
			ServiceName: getEnv("OTEL_SERVICE_NAME", "routeops"),
		},
		OSRM: OSRMConfig{
			Tools: ToolsConfig{
				Extract:   getEnv("OSRM_EXTRACT_BIN", "osrm-extract"),
				Contract:  getEnv("OSRM_CONTRACT_BIN", "osrm-contract"),
				Partition: getEnv("OSRM_PARTITION_BIN", "osrm-partition"),
				Customize: getEnv("OSRM_CUSTOMIZE_BIN", "osrm-customize"),
				Routed:    getEnv("OSRM_ROUTED_BIN", "osrm-routed"),
				Docker:    getEnv("DOCKER_BIN", "docker"),
				Image:     getEnv("OSRM_IMAGE", "ghcr.io/project-osrm/osrm-backend:v5.27.1"),
			},
			Build: BuildConfig{
				WorkDir:         getEnv("OSRM_WORK_DIR", "/var/lib/routeops/builds"),
				StageTimeout:    getEnv("OSRM_STAGE_TIMEOUT", "2h"),
				StaleAfter:      getEnv("OSRM_STALE_AFTER", "12h"),
				OutputLimit:     getEnvInt("OSRM_OUTPUT_LIMIT", 64*1024),
				MaxQueueDepth:   getEnvInt("OSRM_MAX_QUEUE_DEPTH", 4),
				SkipValidate:    getEnvBool("OSRM_SKIP_VALIDATE", false),
				PipelineVersion: getEnv("OSRM_PIPELINE_VERSION", "osrm-5.27"),
				SegmentsTable:   getEnv("OSRM_SEGMENTS_TABLE", "road_segments"),
			},
			Container: ContainerConfig{
				Runtime:       getEnv("OSRM_RUNTIME", "process"),
				BindIP:        getEnv("OSRM_BIND_IP", "127.0.0.1"),
				StartTimeout:  getEnv("OSRM_START_TIMEOUT", "60s"),
				StopTimeout:   getEnv("OSRM_STOP_TIMEOUT", "30s"),
				HealthTimeout: getEnv("OSRM_HEALTH_TIMEOUT", "3s"),
				MaxTableSize:  getEnvInt("OSRM_MAX_TABLE_SIZE", 1000),
			},
			Deploy: DeployConfig{
				HealthWait:     getEnv("OSRM_HEALTH_WAIT", "60s"),
				HealthInterval: getEnv("OSRM_HEALTH_INTERVAL", "2s"),
			},
		},
	}

	if filePath != "" {
		if err := loadFromFile(cfg, filePath); err != nil {
			log.Err(err)
			return nil, err
		}
	}

	// fill reasonable defaults when fields omitted in file
	if cfg.Server.BindAddr == "" {
		cfg.Server.BindAddr = "0.0.0.0:8080"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "routeops"
	}
	if cfg.OSRM.Build.OutputLimit <= 0 {
		cfg.OSRM.Build.OutputLimit = 64 * 1024
	}
	if cfg.OSRM.Build.MaxQueueDepth <= 0 {
		cfg.OSRM.Build.MaxQueueDepth = 4
	}
	if cfg.OSRM.Build.SegmentsTable == "" {
		cfg.OSRM.Build.SegmentsTable = "road_segments"
	}
	if cfg.OSRM.Container.Runtime == "" {
		cfg.OSRM.Container.Runtime = "process"
	}
	if cfg.OSRM.Container.BindIP == "" {
		cfg.OSRM.Container.BindIP = "127.0.0.1"
	}
	if cfg.OSRM.Container.MaxTableSize <= 0 {
		cfg.OSRM.Container.MaxTableSize = 1000
	}
	if len(cfg.OSRM.Profiles) == 0 {
		cfg.OSRM.Profiles = defaultProfiles()
	}

	return cfg, nil
}

func defaultProfiles() []ProfileConfig {
	dataRoot := getEnv("OSRM_DATA_ROOT", "/var/lib/routeops/data")
	return []ProfileConfig{
		{
			Name:      "car",
			Script:    getEnv("OSRM_CAR_PROFILE", "/opt/osrm/profiles/car.lua"),
			PBF:       getEnv("OSRM_PBF_PATH", "/var/lib/routeops/region-latest.osm.pbf"),
			Algorithm: getEnv("OSRM_ALGORITHM", "mld"),
			Probe:     getEnv("OSRM_PROBE", "105.8342,21.0278;105.8412,21.0245"),
			Instances: []InstanceConfig{
				{Name: "car-a", Port: 5000, DataPath: filepath.Join(dataRoot, "car-a")},
				{Name: "car-b", Port: 5001, DataPath: filepath.Join(dataRoot, "car-b")},
			},
		},
	}
}

// Registry builds the instance registry from the configured profiles.
func (c *OSRMConfig) Registry() (*osrmmodel.Registry, error) {
	var (
		profiles  []osrmmodel.Profile
		instances []osrmmodel.Instance
	)
	for _, p := range c.Profiles {
		names := make([]string, 0, len(p.Instances))
		for _, i := range p.Instances {
			names = append(names, i.Name)
			instances = append(instances, osrmmodel.Instance{
				ID:       i.ID,
				Name:     i.Name,
				Profile:  p.Name,
				Port:     i.Port,
				DataPath: i.DataPath,
			})
		}
		profiles = append(profiles, osrmmodel.Profile{
			Name:      p.Name,
			Script:    p.Script,
			PBFPath:   p.PBF,
			Algorithm: osrmmodel.Algorithm(strings.ToLower(p.Algorithm)),
			Probe:     p.Probe,
			Instances: names,
		})
	}
	return osrmmodel.NewRegistry(profiles, instances)
}

// Duration parses s with prometheus duration syntax ("90s", "2h", "1d"), returning d on empty or invalid input.
func Duration(s string, d time.Duration) time.Duration {
	if s == "" {
		return d
	}
	if v, err := model.ParseDuration(s); err == nil {
		return time.Duration(v)
	}
	if v, err := time.ParseDuration(s); err == nil {
		return v
	}
	log.Warn().Str("value", s).Dur("fallback", d).Msg("invalid duration in config")
	return d
}

func loadFromFile(cfg *Config, filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filePath, err)
	}

	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", filePath, err)
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
