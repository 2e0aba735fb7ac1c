package config

import (
	"log"
	"sync"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	IsDebug  bool   `yaml:"is_debug" env-default:"false"`
	TimeZone string `yaml:"time_zone" env-default:"UTC"`
	Listen   struct {
		BindIP              string `yaml:"bind_ip" env-default:"0.0.0.0"`
		Port                string `yaml:"port" env-default:"8400"`
		TLS                 bool   `yaml:"tls_enabled" env-default:"false"`
		CertFile            string `yaml:"cert_file" env-default:""`
		KeyFile             string `yaml:"key_file" env-default:""`
		PingTimeout         int    `yaml:"ping_timeout" env-default:"30"`
		WatchdogInterval    int    `yaml:"watchdog_interval" env-default:"60"`
		WatchdogStale       int    `yaml:"watchdog_stale" env-default:"500"`
		HTTPAuth            bool   `yaml:"http_auth" env-default:"false"`
		HTTPAuthDelay       int    `yaml:"http_auth_delay" env-default:"120"`
		HTTPAuthViaProtocol bool   `yaml:"http_auth_via_protocol" env-default:"false"`
	} `yaml:"listen"`
	Api struct {
		UsersCSV string `yaml:"users_csv" env-default:"config/users.csv"`
	} `yaml:"api"`
	ExtServer struct {
		Server string `yaml:"server" env-default:""`
	} `yaml:"ext_server"`
	Csms struct {
		HeartbeatInterval   int  `yaml:"heartbeat_interval" env-default:"600"`
		TransactionInterval int  `yaml:"transaction_interval" env-default:"60"`
		TransactionTimeout  int  `yaml:"transaction_timeout" env-default:"3600"`
		AllowConcurrentTag  bool `yaml:"allow_concurrent_tag" env-default:"true"`
		AcceptUnknownTag    bool `yaml:"accept_unknown_tag" env-default:"false"`
	} `yaml:"csms"`
	Balanz struct {
		RunInterval                  int     `yaml:"run_interval" env-default:"5"`
		IntervalsFull                int     `yaml:"intervals_full" env-default:"12"`
		FirstWait                    int     `yaml:"first_wait" env-default:"30"`
		MinAllocation                int     `yaml:"min_allocation" env-default:"6"`
		DefaultMaxAllocation         int     `yaml:"default_max_allocation" env-default:"32"`
		DefaultPriority              int     `yaml:"default_priority" env-default:"1"`
		MaxOfferIncrease             int     `yaml:"max_offer_increase" env-default:"3"`
		MinOfferIncreaseInterval     int     `yaml:"min_offer_increase_interval" env-default:"115"`
		WaitAfterReduce              int     `yaml:"wait_after_reduce" env-default:"5"`
		UsageMonitoringInterval      int     `yaml:"usage_monitoring_interval" env-default:"300"`
		UsageThreshold               float64 `yaml:"usage_threshold" env-default:"2"`
		MarginLower                  float64 `yaml:"margin_lower" env-default:"0.8"`
		MarginIncrease               float64 `yaml:"margin_increase" env-default:"1"`
		EnergyThreshold              int     `yaml:"energy_threshold" env-default:"1000"`
		SuspendedAllocationTimeout   int     `yaml:"suspended_allocation_timeout" env-default:"300"`
		SuspendedDelayedTime         int     `yaml:"suspended_delayed_time" env-default:"3600"`
		SuspendedDelayedTimeNotFirst int     `yaml:"suspended_delayed_time_not_first" env-default:"900"`
		SuspendTopOfHour             bool    `yaml:"suspend_top_of_hour" env-default:"false"`
	} `yaml:"balanz"`
	Model struct {
		GroupsCSV                string `yaml:"groups_csv" env-default:"config/groups.csv"`
		ChargersCSV              string `yaml:"chargers_csv" env-default:"config/chargers.csv"`
		TagsCSV                  string `yaml:"tags_csv" env-default:"config/tags.csv"`
		FirmwareCSV              string `yaml:"firmware_csv" env-default:"config/firmware.csv"`
		ChargerAutoregister      bool   `yaml:"charger_autoregister" env-default:"false"`
		ChargerAutoregisterGroup string `yaml:"charger_autoregister_group" env-default:""`
	} `yaml:"model"`
	History struct {
		SessionCSV string `yaml:"session_csv" env-default:""`
		AuditFile  string `yaml:"audit_file" env-default:"audit_log.txt"`
	} `yaml:"history"`
	Mongo struct {
		Enabled  bool   `yaml:"enabled" env-default:"false"`
		Host     string `yaml:"host" env-default:"localhost"`
		Port     string `yaml:"port" env-default:"27017"`
		User     string `yaml:"user" env-default:""`
		Password string `yaml:"password" env-default:""`
		Database string `yaml:"database" env-default:"balanz"`
	} `yaml:"mongo"`
	Pusher struct {
		Enabled bool   `yaml:"enabled" env-default:"false"`
		AppID   string `yaml:"app_id" env-default:""`
		Key     string `yaml:"key" env-default:""`
		Secret  string `yaml:"secret" env-default:""`
		Cluster string `yaml:"cluster" env-default:""`
	} `yaml:"pusher"`
	Telegram struct {
		Enabled bool   `yaml:"enabled" env-default:"false"`
		ApiKey  string `yaml:"api_key" env-default:""`
	} `yaml:"telegram"`
	Nats struct {
		Enabled       bool   `yaml:"enabled" env-default:"false"`
		URL           string `yaml:"url" env-default:"nats://localhost:4222"`
		SubjectPrefix string `yaml:"subject_prefix" env-default:"balanz"`
	} `yaml:"nats"`
	Metrics struct {
		Enabled bool   `yaml:"enabled" env-default:"false"`
		BindIP  string `yaml:"bind_ip" env-default:"0.0.0.0"`
		Port    string `yaml:"port" env-default:"9400"`
	} `yaml:"metrics"`
}

var instance *Config
var once sync.Once

func GetConfig(path string) (*Config, error) {
	var err error
	once.Do(func() {
		log.Println("reading config from", path)
		instance = &Config{}
		if err = cleanenv.ReadConfig(path, instance); err != nil {
			desc, _ := cleanenv.GetDescription(instance, nil)
			log.Println(desc)
			log.Println(err)
			instance = nil
		}
	})
	return instance, err
}
