package manager

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"imgd/pkg/types"
)

// Defaults applied when corresponding ManagerConfig fields are unset.
const (
	defaultPortFloor    = 8001
	defaultPortCeiling  = 8999
	DefaultHost         = "127.0.0.1"
	defaultReadyTimeout = 120 * time.Second
	defaultReadyPoll    = 500 * time.Millisecond
	defaultStopTimeout  = 10 * time.Second
	defaultWaitDelay    = 2 * time.Second
)

// ModelSource resolves model descriptors by id. The registry satisfies it.
type ModelSource interface {
	GetModel(id string) (types.ModelDescriptor, bool)
}

// ManagerConfig encapsulates all tunables for Manager construction.
type ManagerConfig struct {
	Models      ModelSource
	PortFloor   int
	PortCeiling int
	Host        string
	// ProbePorts skips allocator candidates that cannot be bound on Host.
	ProbePorts bool
	// ReadyTimeout bounds how long a server start waits for readiness.
	ReadyTimeout time.Duration
	// ReadyPollInterval is the readiness wait loop period.
	ReadyPollInterval time.Duration
	// StopTimeout is the grace period between SIGTERM and SIGKILL.
	StopTimeout time.Duration
	// WaitDelay bounds how long output pipes are drained after exit.
	WaitDelay time.Duration
	Publisher EventPublisher
	Logger    zerolog.Logger
}

// NewWithConfig constructs a Manager from ManagerConfig.
func NewWithConfig(cfg ManagerConfig) *Manager {
	if cfg.PortFloor <= 0 {
		cfg.PortFloor = defaultPortFloor
	}
	if cfg.PortCeiling < cfg.PortFloor {
		cfg.PortCeiling = cfg.PortFloor + (defaultPortCeiling - defaultPortFloor)
	}
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = defaultReadyTimeout
	}
	if cfg.ReadyPollInterval <= 0 {
		cfg.ReadyPollInterval = defaultReadyPoll
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	if cfg.WaitDelay <= 0 {
		cfg.WaitDelay = defaultWaitDelay
	}
	if cfg.Publisher == nil {
		cfg.Publisher = noopPublisher{}
	}
	return &Manager{
		cfg:       cfg,
		models:    cfg.Models,
		ports:     NewPortAllocator(cfg.PortFloor, cfg.PortCeiling, cfg.Host, cfg.ProbePorts),
		procs:     make(map[string]*ProcessEntry),
		locks:     make(map[string]*sync.Mutex),
		subs:      make(map[int]chan ProcessEvent),
		publisher: cfg.Publisher,
		log:       cfg.Logger.With().Str("component", "manager").Logger(),
		health:    newHealthClient(),
	}
}
