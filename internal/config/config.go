// Package config loads coordinator and worker settings from an optional YAML
// file and environment variables. Environment variables win over the file,
// and the file wins over the defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dreamware/montepi/internal/cluster"
)

// EnvConfigFile names the environment variable holding the YAML file path.
const EnvConfigFile = "MONTEPI_CONFIG"

// Coordinator holds the coordinator settings. The listen port is not part of
// it; it is always given on the command line.
type Coordinator struct {
	ListenHost   string               `yaml:"listen_host"`
	StatusAddr   string               `yaml:"status_addr"`
	ResultPolicy cluster.ResultPolicy `yaml:"result_policy"`
	TotalPoints  int64                `yaml:"total_points"`
	GroupSize    int                  `yaml:"group_size"`
	ReadTimeout  time.Duration        `yaml:"read_timeout"`
	WriteTimeout time.Duration        `yaml:"write_timeout"`
	StallAfter   time.Duration        `yaml:"stall_after"`
}

// Worker holds the worker settings.
type Worker struct {
	CoordinatorHost string        `yaml:"coordinator_host"`
	Name            string        `yaml:"name"`
	Parallelism     int           `yaml:"parallelism"`
	DialAttempts    int           `yaml:"dial_attempts"`
	DialBackoff     time.Duration `yaml:"dial_backoff"`
	Seed            uint64        `yaml:"seed"`
	// LeaveAfterReport sends the leave token right after the result
	// instead of waiting to be told to exit.
	LeaveAfterReport bool `yaml:"leave_after_report"`
}

type file struct {
	Coordinator Coordinator `yaml:"coordinator"`
	Worker      Worker      `yaml:"worker"`
}

// DefaultCoordinator is the classic deployment: two workers sharing a
// thousand points on localhost, with no read timeout.
func DefaultCoordinator() Coordinator {
	return Coordinator{
		ListenHost:   "127.0.0.1",
		ResultPolicy: cluster.PolicyCoerce,
		TotalPoints:  1000,
		GroupSize:    2,
		WriteTimeout: 5 * time.Second,
		StallAfter:   30 * time.Second,
	}
}

// DefaultWorker returns worker defaults.
func DefaultWorker() Worker {
	return Worker{
		CoordinatorHost: "127.0.0.1",
		Parallelism:     runtime.NumCPU(),
		DialAttempts:    10,
		DialBackoff:     400 * time.Millisecond,
	}
}

// Validate reports the first invalid coordinator setting.
func (c Coordinator) Validate() error {
	if c.GroupSize < 1 {
		return fmt.Errorf("%w: group_size must be at least 1, got %d", cluster.ErrConfiguration, c.GroupSize)
	}
	if c.TotalPoints < 1 {
		return fmt.Errorf("%w: total_points must be positive, got %d", cluster.ErrConfiguration, c.TotalPoints)
	}
	if c.TotalPoints < int64(c.GroupSize) {
		return fmt.Errorf("%w: total_points %d leaves workers with no points across %d workers",
			cluster.ErrConfiguration, c.TotalPoints, c.GroupSize)
	}
	if c.ReadTimeout < 0 || c.WriteTimeout < 0 || c.StallAfter < 0 {
		return fmt.Errorf("%w: durations must not be negative", cluster.ErrConfiguration)
	}
	if _, err := cluster.ParseResultPolicy(string(c.ResultPolicy)); err != nil {
		return err
	}
	return nil
}

// Validate reports the first invalid worker setting.
func (w Worker) Validate() error {
	if w.Name != "" {
		if err := cluster.ValidateName(w.Name); err != nil {
			return fmt.Errorf("%w: %w", cluster.ErrConfiguration, err)
		}
	}
	if w.Parallelism < 1 {
		return fmt.Errorf("%w: parallelism must be at least 1, got %d", cluster.ErrConfiguration, w.Parallelism)
	}
	if w.DialAttempts < 1 {
		return fmt.Errorf("%w: dial_attempts must be at least 1, got %d", cluster.ErrConfiguration, w.DialAttempts)
	}
	return nil
}

// LoadCoordinator builds the coordinator settings from defaults, the file
// named by MONTEPI_CONFIG, and the environment.
func LoadCoordinator() (Coordinator, error) {
	f := file{Coordinator: DefaultCoordinator(), Worker: DefaultWorker()}
	if err := readFile(os.Getenv(EnvConfigFile), &f); err != nil {
		return Coordinator{}, err
	}
	c := f.Coordinator

	var err error
	c.ListenHost = getenv("LISTEN_HOST", c.ListenHost)
	c.StatusAddr = getenv("STATUS_ADDR", c.StatusAddr)
	if c.GroupSize, err = envInt("GROUP_SIZE", c.GroupSize); err != nil {
		return Coordinator{}, err
	}
	if c.TotalPoints, err = envInt64("TOTAL_POINTS", c.TotalPoints); err != nil {
		return Coordinator{}, err
	}
	if c.ReadTimeout, err = envDuration("READ_TIMEOUT", c.ReadTimeout); err != nil {
		return Coordinator{}, err
	}
	if c.WriteTimeout, err = envDuration("WRITE_TIMEOUT", c.WriteTimeout); err != nil {
		return Coordinator{}, err
	}
	if c.StallAfter, err = envDuration("STALL_AFTER", c.StallAfter); err != nil {
		return Coordinator{}, err
	}
	if c.ResultPolicy, err = cluster.ParseResultPolicy(getenv("RESULT_POLICY", string(c.ResultPolicy))); err != nil {
		return Coordinator{}, err
	}

	return c, c.Validate()
}

// LoadWorker builds the worker settings from defaults, the file named by
// MONTEPI_CONFIG, and the environment. Name may still be empty afterwards;
// the worker CLI then asks for it interactively.
func LoadWorker() (Worker, error) {
	f := file{Coordinator: DefaultCoordinator(), Worker: DefaultWorker()}
	if err := readFile(os.Getenv(EnvConfigFile), &f); err != nil {
		return Worker{}, err
	}
	w := f.Worker

	var err error
	w.CoordinatorHost = getenv("COORDINATOR_HOST", w.CoordinatorHost)
	w.Name = getenv("WORKER_NAME", w.Name)
	if w.Parallelism, err = envInt("WORKER_PARALLELISM", w.Parallelism); err != nil {
		return Worker{}, err
	}
	if w.DialAttempts, err = envInt("DIAL_ATTEMPTS", w.DialAttempts); err != nil {
		return Worker{}, err
	}
	if w.DialBackoff, err = envDuration("DIAL_BACKOFF", w.DialBackoff); err != nil {
		return Worker{}, err
	}
	seed, err := envInt64("WORKER_SEED", int64(w.Seed))
	if err != nil {
		return Worker{}, err
	}
	w.Seed = uint64(seed)
	if w.LeaveAfterReport, err = envBool("LEAVE_AFTER_REPORT", w.LeaveAfterReport); err != nil {
		return Worker{}, err
	}

	return w, w.Validate()
}

// ParsePort validates a listen or dial port given on the command line.
func ParsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: port %q is not a number", cluster.ErrConfiguration, s)
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("%w: port %d out of range 1-65535", cluster.ErrConfiguration, port)
	}
	return port, nil
}

func readFile(path string, into *file) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: config file %s not found", cluster.ErrConfiguration, path)
		}
		return fmt.Errorf("%w: read %s: %w", cluster.ErrConfiguration, path, err)
	}
	if err := yaml.Unmarshal(data, into); err != nil {
		return fmt.Errorf("%w: parse %s: %w", cluster.ErrConfiguration, path, err)
	}
	return nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) (int, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q is not an integer", cluster.ErrConfiguration, k, v)
	}
	return n, nil
}

func envInt64(k string, def int64) (int64, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q is not an integer", cluster.ErrConfiguration, k, v)
	}
	return n, nil
}

func envDuration(k string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q is not a duration", cluster.ErrConfiguration, k, v)
	}
	return d, nil
}

func envBool(k string, def bool) (bool, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%w: %s=%q is not a boolean", cluster.ErrConfiguration, k, v)
	}
	return b, nil
}
