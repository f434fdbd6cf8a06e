// ABOUTME: Companion supervisor types, states, and construction from configuration
// ABOUTME: The state table here is the only source of legal lifecycle transitions

package companion

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/carelink/carelink-core/internal/config"
)

var (
	// ErrCompanionUnavailable is returned to callers that need the companion
	// while it is not serving.
	ErrCompanionUnavailable = errors.New("companion unavailable")

	// ErrRestartExhausted means every restart attempt failed.
	ErrRestartExhausted = errors.New("companion restart attempts exhausted")

	ErrStartupTimeout    = errors.New("companion did not become healthy in time")
	ErrNotConfigured     = errors.New("no companion executable configured")
	ErrInvalidTransition = errors.New("invalid companion state transition")
)

// State is the supervisor's view of the companion lifecycle.
type State string

const (
	StateStopped    State = "stopped"
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateDegraded   State = "degraded"
	StateRestarting State = "restarting"
	StateFailed     State = "failed"
)

var transitions = map[State][]State{
	StateStopped:    {StateStarting, StateRestarting},
	StateStarting:   {StateRunning, StateFailed},
	StateRunning:    {StateDegraded, StateRestarting, StateFailed, StateStopped},
	StateDegraded:   {StateRunning, StateRestarting, StateFailed, StateStopped},
	StateRestarting: {StateRunning, StateFailed},
	StateFailed:     {StateStarting, StateRestarting, StateStopped},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// serving reports whether callers may use the companion in this state.
func (s State) serving() bool {
	return s == StateRunning || s == StateDegraded
}

// Mode values for Status.Mode.
const (
	ModeCompanion = "companion"
	ModeFallback  = "fallback"
)

// Status is a point-in-time report of the companion.
type Status struct {
	Running   bool       `json:"running"`
	Healthy   bool       `json:"healthy"`
	State     State      `json:"state"`
	Mode      string     `json:"mode"`
	LastCheck *time.Time `json:"lastCheck,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	Pid       int        `json:"pid,omitempty"`
}

// degradedRestartThreshold is how many failed probes in a row trigger an
// automatic restart.
const degradedRestartThreshold = 3

// Options configures a Supervisor. Zero durations take defaults.
type Options struct {
	// Launcher may be nil, in which case only an already running
	// companion can be adopted.
	Launcher Launcher
	Prober   Prober
	Endpoint string

	ProbeTimeout   time.Duration
	StartupTimeout time.Duration
	StopTimeout    time.Duration
	HealthInterval time.Duration
	BackoffBase    time.Duration
	PollInterval   time.Duration
	MaxRestarts    int
	AutoRestart    bool

	Now    func() time.Time
	Logger *slog.Logger
}

type tracked struct {
	p    Process
	done chan struct{}
	err  error
}

// Supervisor owns the companion process lifecycle.
type Supervisor struct {
	launcher       Launcher
	prober         Prober
	endpoint       string
	probeTimeout   time.Duration
	startupTimeout time.Duration
	stopTimeout    time.Duration
	healthInterval time.Duration
	backoffBase    time.Duration
	pollInterval   time.Duration
	maxRestarts    int
	autoRestart    bool
	now            func() time.Time
	logger         *slog.Logger

	// opMu serialises Start, Restart, and Stop.
	opMu sync.Mutex

	mu          sync.Mutex
	state       State
	reason      string
	lastCheck   time.Time
	lastHealthy bool
	failures    int
	proc        *tracked
	exited      chan struct{}
}

// New creates a supervisor in the Stopped state.
func New(opts Options) (*Supervisor, error) {
	if opts.Prober == nil {
		return nil, errors.New("companion: prober is required")
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 2 * time.Second
	}
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = 30 * time.Second
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 5 * time.Second
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = 15 * time.Second
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 500 * time.Millisecond
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 250 * time.Millisecond
	}
	if opts.MaxRestarts < 1 {
		opts.MaxRestarts = 3
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Supervisor{
		launcher:       opts.Launcher,
		prober:         opts.Prober,
		endpoint:       opts.Endpoint,
		probeTimeout:   opts.ProbeTimeout,
		startupTimeout: opts.StartupTimeout,
		stopTimeout:    opts.StopTimeout,
		healthInterval: opts.HealthInterval,
		backoffBase:    opts.BackoffBase,
		pollInterval:   opts.PollInterval,
		maxRestarts:    opts.MaxRestarts,
		autoRestart:    opts.AutoRestart,
		now:            opts.Now,
		logger:         opts.Logger.With("component", "companion"),
		state:          StateStopped,
		exited:         make(chan struct{}, 1),
	}, nil
}

// FromConfig builds a supervisor from the companion config section.
func FromConfig(cfg config.CompanionConfig, logger *slog.Logger) (*Supervisor, error) {
	opts := Options{
		ProbeTimeout:   cfg.ProbeTimeout,
		StartupTimeout: cfg.StartupTimeout,
		StopTimeout:    cfg.StopTimeout,
		HealthInterval: cfg.HealthInterval,
		BackoffBase:    cfg.BackoffBase,
		MaxRestarts:    cfg.MaxRestarts,
		AutoRestart:    cfg.AutoRestart,
		Logger:         logger,
	}

	switch cfg.Probe {
	case "grpc":
		opts.Prober = &GRPCProber{Addr: cfg.GRPCAddr}
		opts.Endpoint = cfg.GRPCAddr
	default:
		opts.Prober = &HTTPProber{URL: cfg.HealthURL, Client: &http.Client{}}
		u, err := url.Parse(cfg.HealthURL)
		if err != nil {
			return nil, fmt.Errorf("parsing companion health_url: %w", err)
		}
		opts.Endpoint = u.Scheme + "://" + u.Host
	}

	if cfg.Enabled() {
		opts.Launcher = &ExecLauncher{
			Command: cfg.Executable,
			Args:    cfg.Args,
			WorkDir: cfg.WorkDir,
			Logger:  logger.With("component", "companion", "stream", "output"),
		}
	}
	return New(opts)
}

// Close releases probe resources. It does not stop the companion.
func (s *Supervisor) Close() error {
	if c, ok := s.prober.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
