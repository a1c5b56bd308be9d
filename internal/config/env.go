package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type BaseEnv struct {
	Env         string `envconfig:"ENV" default:"local"`
	HTTPHost    string `envconfig:"HTTP_HOST" default:""`
	HTTPPort    string `envconfig:"HTTP_PORT" default:"3200"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"debug"`
	APIKey      string `envconfig:"API_KEY" required:"true"`
	InboxSecret string `envconfig:"INBOX_SECRET"`
}

type StoreEnv struct {
	DBPath string `envconfig:"DB_PATH" default:".agentcorp/agentcorp.db"`
	// Archive storage for completed task transcripts.
	ArchiveType    string `envconfig:"ARCHIVE_TYPE" default:"local"`
	ArchiveBaseDir string `envconfig:"ARCHIVE_BASE_DIR" default:".agentcorp/archive"`
	// S3 settings (used when ArchiveType == "s3")
	S3Bucket string `envconfig:"S3_BUCKET"`
	S3Prefix string `envconfig:"S3_PREFIX" default:"agentcorp/"`
	S3Region string `envconfig:"S3_REGION" default:"ap-northeast-1"`
}

type CompanyEnv struct {
	TopologyPath       string `envconfig:"TOPOLOGY_PATH" default:".agentcorp/departments.yaml"`
	DefaultProjectRoot string `envconfig:"DEFAULT_PROJECT_ROOT" default:"."`
	// RequireProjectBinding makes POST /api/directives answer 428 when no
	// project binding can be resolved from the request.
	RequireProjectBinding bool `envconfig:"REQUIRE_PROJECT_BINDING" default:"false"`
	SkipPlanning          bool `envconfig:"SKIP_PLANNING" default:"false"`
}

type SchedulerEnv struct {
	AckDelayMin      time.Duration `envconfig:"ACK_DELAY_MIN" default:"2s"`
	AckDelayMax      time.Duration `envconfig:"ACK_DELAY_MAX" default:"8s"`
	DispatchDelayMin time.Duration `envconfig:"DISPATCH_DELAY_MIN" default:"1s"`
	DispatchDelayMax time.Duration `envconfig:"DISPATCH_DELAY_MAX" default:"5s"`
	CoopDelayMin     time.Duration `envconfig:"COOP_DELAY_MIN" default:"2s"`
	CoopDelayMax     time.Duration `envconfig:"COOP_DELAY_MAX" default:"6s"`
}

type SupervisorEnv struct {
	WorktreeRoot string        `envconfig:"WORKTREE_ROOT" default:".agentcorp/worktrees"`
	TaskLogDir   string        `envconfig:"TASK_LOG_DIR" default:".agentcorp/logs"`
	IdleTimeout  time.Duration `envconfig:"IDLE_TIMEOUT" default:"5m"`
	HardTimeout  time.Duration `envconfig:"HARD_TIMEOUT" default:"30m"`
	StopGrace    time.Duration `envconfig:"STOP_GRACE" default:"10s"`
	CLICommand   string        `envconfig:"CLI_COMMAND" default:"claude"`
}

type WatchdogEnv struct {
	Interval       time.Duration `envconfig:"WATCHDOG_INTERVAL" default:"5m"`
	StartupDelay   time.Duration `envconfig:"WATCHDOG_STARTUP_DELAY" default:"30s"`
	OrphanGrace    time.Duration `envconfig:"ORPHAN_GRACE" default:"10m"`
	ActivityWindow time.Duration `envconfig:"ACTIVITY_WINDOW" default:"5m"`
}

type VAPIDEnv struct {
	PublicKey  string `envconfig:"VAPID_PUBLIC_KEY"`
	PrivateKey string `envconfig:"VAPID_PRIVATE_KEY"`
	Subscriber string `envconfig:"VAPID_SUBSCRIBER" default:"mailto:admin@example.com"`
}

type Env struct {
	BaseEnv
	StoreEnv
	CompanyEnv
	SchedulerEnv
	SupervisorEnv
	WatchdogEnv
	VAPIDEnv
}

const namespace = "AGENTCORP"

func LoadEnv() (*Env, error) {
	var env Env
	if err := envconfig.Process(namespace, &env); err != nil {
		return nil, fmt.Errorf("failed to load env: %w", err)
	}
	return &env, nil
}

func (e *BaseEnv) SlogLevel() slog.Level {
	if e == nil {
		return slog.LevelDebug
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(e.LogLevel)); err != nil {
		return slog.LevelDebug
	}
	return level
}
