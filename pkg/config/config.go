// Package config binds command-line flags and environment variables. Every
// flag "some-name" can also be set as SOME_NAME; flags win over env.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"tx-lab-tpc-go/pkg/logging"
)

// Bind makes every flag in fs readable from v, with env fallback.
func Bind(v *viper.Viper, fs *pflag.FlagSet) error {
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	var err error
	fs.VisitAll(func(f *pflag.Flag) {
		if err == nil {
			err = v.BindPFlag(f.Name, f)
		}
	})
	return err
}

type Common struct {
	Service      string
	DatabaseURL  string
	Port         string // gRPC
	HTTPPort     string // /health and /metrics
	KafkaBrokers string
	KafkaTopic   string
	ApplySchema  bool
	Log          logging.Config
}

func AddCommonFlags(fs *pflag.FlagSet, service, port string) {
	fs.String("service", service, "service name used in logs and metrics")
	fs.String("database-url", "", "Postgres connection string (required)")
	fs.String("port", port, "gRPC listen port")
	fs.String("http-port", "8080", "port for /health and /metrics; empty disables")
	fs.String("kafka-brokers", "", "comma separated Kafka brokers; empty disables publishing")
	fs.String("kafka-topic", "tpc.events", "topic for committed-transaction events")
	fs.Bool("apply-schema", false, "create tables on startup")
	fs.String("log-level", "info", "debug, info, warn or error")
	fs.String("log-format", "json", "json or console")
}

func LoadCommon(v *viper.Viper) (Common, error) {
	c := Common{
		Service:      strings.TrimSpace(v.GetString("service")),
		DatabaseURL:  strings.TrimSpace(v.GetString("database-url")),
		Port:         strings.TrimSpace(v.GetString("port")),
		HTTPPort:     strings.TrimSpace(v.GetString("http-port")),
		KafkaBrokers: strings.TrimSpace(v.GetString("kafka-brokers")),
		KafkaTopic:   strings.TrimSpace(v.GetString("kafka-topic")),
		ApplySchema:  v.GetBool("apply-schema"),
	}
	c.Log = logging.Config{
		Service: c.Service,
		Level:   v.GetString("log-level"),
		Format:  v.GetString("log-format"),
	}
	if c.DatabaseURL == "" {
		return c, errors.New("DATABASE_URL is required")
	}
	if c.Port == "" {
		return c, errors.New("PORT is required")
	}
	return c, nil
}

type Coordinator struct {
	Common
	PaymentsAddr    string
	ReserveAddr     string
	PrepareTimeout  time.Duration
	TxDeadline      time.Duration
	FinalizeWindow  time.Duration
	SweepInterval   time.Duration
	SweepBatch      int
	MaxParticipants int
}

func AddCoordinatorFlags(fs *pflag.FlagSet) {
	fs.String("payments-addr", "", "payments participant gRPC address")
	fs.String("reserve-addr", "", "reserve participant gRPC address")
	fs.Duration("prepare-timeout", 5*time.Second, "per participant prepare budget")
	fs.Duration("tx-deadline", 30*time.Second, "age after which recovery takes over a transaction")
	fs.Duration("finalize-window", 10*time.Second, "retry budget of one commit/abort pass")
	fs.Duration("sweep-interval", 5*time.Second, "recovery sweeper period")
	fs.Int("sweep-batch", 100, "transactions per sweeper pass")
	fs.Int("max-participants", 8, "largest accepted participant set")
}

func LoadCoordinator(v *viper.Viper) (Coordinator, error) {
	common, err := LoadCommon(v)
	c := Coordinator{
		Common:          common,
		PaymentsAddr:    strings.TrimSpace(v.GetString("payments-addr")),
		ReserveAddr:     strings.TrimSpace(v.GetString("reserve-addr")),
		PrepareTimeout:  v.GetDuration("prepare-timeout"),
		TxDeadline:      v.GetDuration("tx-deadline"),
		FinalizeWindow:  v.GetDuration("finalize-window"),
		SweepInterval:   v.GetDuration("sweep-interval"),
		SweepBatch:      v.GetInt("sweep-batch"),
		MaxParticipants: v.GetInt("max-participants"),
	}
	if err != nil {
		return c, err
	}
	if c.PrepareTimeout <= 0 || c.TxDeadline <= 0 || c.FinalizeWindow <= 0 {
		return c, fmt.Errorf("prepare-timeout, tx-deadline and finalize-window must be positive")
	}
	if c.TxDeadline < c.PrepareTimeout {
		return c, fmt.Errorf("tx-deadline %s is shorter than prepare-timeout %s", c.TxDeadline, c.PrepareTimeout)
	}
	return c, nil
}

type Participant struct {
	Common
	CoordinatorAddr  string
	Async            bool
	Workers          int
	Queue            int
	StaleAfter       time.Duration
	InDoubtTimeout   time.Duration
	RecoveryInterval time.Duration
	Outbox           bool
}

func AddParticipantFlags(fs *pflag.FlagSet) {
	fs.String("coordinator-addr", "", "coordinator gRPC address used by recovery")
	fs.Bool("async", false, "serve requests from a worker pool")
	fs.Int("workers", 8, "worker pool size when async")
	fs.Int("queue", 64, "worker pool queue length when async")
	fs.Duration("stale-after", 30*time.Second, "age after which an unfinished claim can be taken over")
	fs.Duration("in-doubt-timeout", time.Minute, "age after which an unknown prepared transaction is rolled back")
	fs.Duration("recovery-interval", 30*time.Second, "in-doubt recovery period")
	fs.Bool("outbox", true, "write events to the outbox table and relay them")
}

func LoadParticipant(v *viper.Viper) (Participant, error) {
	common, err := LoadCommon(v)
	p := Participant{
		Common:           common,
		CoordinatorAddr:  strings.TrimSpace(v.GetString("coordinator-addr")),
		Async:            v.GetBool("async"),
		Workers:          v.GetInt("workers"),
		Queue:            v.GetInt("queue"),
		StaleAfter:       v.GetDuration("stale-after"),
		InDoubtTimeout:   v.GetDuration("in-doubt-timeout"),
		RecoveryInterval: v.GetDuration("recovery-interval"),
		Outbox:           v.GetBool("outbox"),
	}
	if err != nil {
		return p, err
	}
	if p.InDoubtTimeout < p.StaleAfter {
		return p, fmt.Errorf("in-doubt-timeout %s is shorter than stale-after %s", p.InDoubtTimeout, p.StaleAfter)
	}
	return p, nil
}
