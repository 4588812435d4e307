// Package preflight verifies that the spawner can talk to the lab controller
// before a user depends on it.
package preflight

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/holon-run/restspawner/pkg/controller"
	holonlog "github.com/holon-run/restspawner/pkg/log"
)

// CheckLevel represents the severity level of a preflight check
type CheckLevel int

const (
	// LevelError indicates a failure that prevents spawning
	LevelError CheckLevel = iota
	// LevelWarn indicates a problem that only affects some operations
	LevelWarn
	// LevelInfo indicates a passing check
	LevelInfo
)

func (l CheckLevel) String() string {
	switch l {
	case LevelError:
		return "error"
	case LevelWarn:
		return "warn"
	default:
		return "ok"
	}
}

// CheckResult represents the result of a single preflight check
type CheckResult struct {
	Name    string
	Level   CheckLevel
	Message string
	Error   error
}

// Check represents a single preflight check
type Check interface {
	Name() string
	Run(ctx context.Context) CheckResult
}

// Checker runs a collection of preflight checks
type Checker struct {
	checks  []Check
	timeout time.Duration
}

// Config configures the preflight checker
type Config struct {
	Client *controller.Client
	Admin  oauth2.TokenSource
	// User and UserToken are optional; without them only admin access is
	// checked.
	User      string
	UserToken oauth2.TokenSource
	// Timeout bounds each check (default 10s).
	Timeout time.Duration
}

// NewChecker creates a new preflight checker with the given configuration
func NewChecker(cfg Config) *Checker {
	c := &Checker{timeout: cfg.Timeout}
	if c.timeout <= 0 {
		c.timeout = 10 * time.Second
	}

	c.checks = append(c.checks, &TokenCheck{Label: "admin-token", Source: cfg.Admin, Level: LevelError})
	if cfg.UserToken != nil {
		c.checks = append(c.checks, &TokenCheck{Label: "user-token", Source: cfg.UserToken, Level: LevelWarn})
	}
	if cfg.Client != nil {
		user := cfg.User
		if user == "" {
			user = "preflight"
		}
		c.checks = append(c.checks, &ControllerCheck{Client: cfg.Client, User: user})
	}
	return c
}

// Run executes all registered checks. It returns every result and an error
// if any check failed at LevelError.
func (c *Checker) Run(ctx context.Context) ([]CheckResult, error) {
	var results []CheckResult
	var failures []string

	for _, check := range c.checks {
		checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
		result := check.Run(checkCtx)
		cancel()
		results = append(results, result)

		switch result.Level {
		case LevelError:
			holonlog.Error("preflight check failed", "check", result.Name, "message", result.Message, "error", result.Error)
			failures = append(failures, fmt.Sprintf("%s: %s", result.Name, result.Message))
		case LevelWarn:
			holonlog.Warn("preflight check warning", "check", result.Name, "message", result.Message)
		default:
			holonlog.Debug("preflight check passed", "check", result.Name)
		}
	}

	if len(failures) > 0 {
		return results, fmt.Errorf("preflight checks failed:\n  - %s", strings.Join(failures, "\n  - "))
	}
	return results, nil
}

// TokenCheck checks that a token source yields a credential.
type TokenCheck struct {
	Label  string
	Source oauth2.TokenSource
	// Level is reported when no token is available.
	Level CheckLevel
}

func (c *TokenCheck) Name() string {
	return c.Label
}

func (c *TokenCheck) Run(ctx context.Context) CheckResult {
	if c.Source == nil {
		return CheckResult{Name: c.Name(), Level: c.Level, Message: "not configured"}
	}
	if _, err := c.Source.Token(); err != nil {
		return CheckResult{Name: c.Name(), Level: c.Level, Message: err.Error(), Error: err}
	}
	return CheckResult{Name: c.Name(), Level: LevelInfo, Message: "available"}
}

// ControllerCheck looks up a lab with the admin token. Both an existing lab
// and a 404 prove the controller is reachable and accepts the token.
type ControllerCheck struct {
	Client *controller.Client
	User   string
}

func (c *ControllerCheck) Name() string {
	return "controller"
}

func (c *ControllerCheck) Run(ctx context.Context) CheckResult {
	start := time.Now()
	lab, err := c.Client.GetLab(ctx, c.User)
	elapsed := time.Since(start).Round(time.Millisecond)

	switch {
	case errors.Is(err, controller.ErrLabNotFound):
		return CheckResult{
			Name:    c.Name(),
			Level:   LevelInfo,
			Message: fmt.Sprintf("reachable in %s, no lab for %s", elapsed, c.User),
		}
	case err != nil:
		return CheckResult{Name: c.Name(), Level: LevelError, Message: err.Error(), Error: err}
	default:
		return CheckResult{
			Name:    c.Name(),
			Level:   LevelInfo,
			Message: fmt.Sprintf("reachable in %s, lab for %s is %s", elapsed, c.User, lab.Status),
		}
	}
}
