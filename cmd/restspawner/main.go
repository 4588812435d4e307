package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/oauth2"

	"github.com/holon-run/restspawner/pkg/auth"
	"github.com/holon-run/restspawner/pkg/config"
	"github.com/holon-run/restspawner/pkg/controller"
	holonlog "github.com/holon-run/restspawner/pkg/log"
	"github.com/holon-run/restspawner/pkg/spawner"
	"github.com/holon-run/restspawner/pkg/sse"
)

var v = viper.New()

var rootCmd = &cobra.Command{
	Use:   "restspawner",
	Short: "Manage a user's lab through the lab controller",
	Long: `restspawner acts as the hub for one user: it creates labs through the
lab controller, follows their progress, and reports, stops or inspects them.

Settings come from an optional YAML file (--config), overridden by
RESTSPAWNER_* environment variables, overridden by flags.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// flagBindings maps configuration keys to persistent flag names.
var flagBindings = map[string]string{
	"controller_url":   "controller-url",
	"path_prefix":      "path-prefix",
	"admin_token_path": "admin-token-path",
	"admin_token_env":  "admin-token-env",
	"start_timeout":    "start-timeout",
	"event_timeout":    "event-timeout",
	"stop_timeout":     "stop-timeout",
	"framing":          "framing",
	"log.level":        "log-level",
	"log.format":       "log-format",
	"user":             "user",
	"user_token":       "user-token",
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringP("config", "c", "", "YAML configuration file")
	f.String("controller-url", "", "base URL of the lab controller")
	f.String("path-prefix", "", "API prefix under the controller URL")
	f.String("admin-token-path", "", "file holding the admin token")
	f.String("admin-token-env", "", "environment variable holding the admin token")
	f.Duration("start-timeout", 0, "upper bound for a whole spawn")
	f.Duration("event-timeout", 0, "longest silence tolerated on the event stream")
	f.Duration("stop-timeout", 0, "upper bound for deleting a lab")
	f.String("framing", "", "event payload framing: json or bare")
	f.String("log-level", "", "log level: debug, info, warn, error")
	f.String("log-format", "", "log format: console or json")
	f.StringP("user", "u", "", "user whose lab to manage")
	f.String("user-token", "", "bearer token of the user")

	_ = v.BindPFlag("config", f.Lookup("config"))
	for key, flag := range flagBindings {
		_ = v.BindPFlag(key, f.Lookup(flag))
	}
	v.SetEnvPrefix("RESTSPAWNER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
}

// loadConfig layers the environment and flags over the config file.
func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if path := v.GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}

	overrideString := func(dst *string, key string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	overrideString(&cfg.ControllerURL, "controller_url")
	overrideString(&cfg.PathPrefix, "path_prefix")
	overrideString(&cfg.AdminTokenPath, "admin_token_path")
	overrideString(&cfg.AdminTokenEnv, "admin_token_env")
	overrideString(&cfg.Framing, "framing")
	overrideString(&cfg.Log.Level, "log.level")
	overrideString(&cfg.Log.Format, "log.format")
	if v.IsSet("start_timeout") {
		cfg.StartTimeout = v.GetDuration("start_timeout")
	}
	if v.IsSet("event_timeout") {
		cfg.EventTimeout = v.GetDuration("event_timeout")
	}
	if v.IsSet("stop_timeout") {
		cfg.StopTimeout = v.GetDuration("stop_timeout")
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// app is what every subcommand needs: one user's spawner and the admin
// token source backing it.
type app struct {
	cfg       config.Config
	user      string
	client    *controller.Client
	spawner   *spawner.Spawner
	admin     *auth.AdminTokenSource
	userToken oauth2.TokenSource
}

func newApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := holonlog.Init(cfg.Logger()); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	user := strings.TrimSpace(v.GetString("user"))
	if user == "" {
		return nil, fmt.Errorf("no user given: use --user or RESTSPAWNER_USER")
	}
	codec, err := sse.NewCodec(cfg.Framing)
	if err != nil {
		return nil, err
	}

	admin := auth.NewAdminTokenSource(cfg.AdminTokenPath, cfg.AdminTokenEnv)
	client := controller.NewClient(cfg.ControllerURL, admin, controller.WithPathPrefix(cfg.PathPrefix))
	userToken := auth.NewUserTokenSource(func() (auth.State, error) {
		return auth.State{"token": v.GetString("user_token")}, nil
	})

	sp := spawner.New(client, spawner.User{Name: user, Token: userToken}, spawner.Options{
		StartTimeout:     cfg.StartTimeout,
		EventTimeout:     cfg.EventTimeout,
		StopTimeout:      cfg.StopTimeout,
		CompleteProgress: cfg.CompleteProgress,
		CleanupOnFailure: cfg.CleanupOnFailure,
		Codec:            codec,
	})
	return &app{
		cfg:       cfg,
		user:      user,
		client:    client,
		spawner:   sp,
		admin:     admin,
		userToken: userToken,
	}, nil
}

func (a *app) Close() {
	_ = a.admin.Close()
	_ = holonlog.Sync()
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(run())
}
