package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/holon-run/restspawner/pkg/spawner"
)

var (
	startOptions  []string
	startEnv      []string
	startWatchers int
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Create the user's lab and follow its progress",
	Long: `Create the user's lab and print its progress until it is up, then print
the lab URL. If the lab already exists its URL is printed right away.

Options are passed to the controller as given; values are parsed as YAML
scalars so numbers and booleans keep their type.

Examples:
  restspawner start -u alice --option size=large --option debug=true
  restspawner start -u alice --env JUPYTERHUB_API_URL=http://hub:8081/hub/api
  restspawner start -u alice --watchers 3`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if startWatchers < 1 {
			return fmt.Errorf("--watchers must be at least 1")
		}
		options, err := parseOptions(startOptions)
		if err != nil {
			return err
		}
		env, err := parseEnv(startEnv)
		if err != nil {
			return err
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		attempt := a.spawner.Start(ctx, spawner.StartRequest{Options: options, Env: env})

		out := &lockedWriter{w: cmd.OutOrStdout()}
		var g errgroup.Group
		for i := range startWatchers {
			prefix := ""
			if startWatchers > 1 {
				prefix = fmt.Sprintf("watcher %d: ", i+1)
			}
			g.Go(func() error {
				for u := range a.spawner.Progress(ctx) {
					out.printf("%s[%3d%%] %s\n", prefix, u.Progress, u.Message)
				}
				return nil
			})
		}

		url, err := attempt.Wait(ctx)
		_ = g.Wait()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), url)
		return nil
	},
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.w, format, args...)
}

func parseOptions(pairs []string) (map[string]any, error) {
	options := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid option %q: expected key=value", pair)
		}
		var value any
		if err := yaml.Unmarshal([]byte(raw), &value); err != nil || value == nil {
			value = raw
		}
		options[key] = value
	}
	return options, nil
}

func parseEnv(pairs []string) (map[string]string, error) {
	env := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid environment variable %q: expected KEY=VALUE", pair)
		}
		env[key] = value
	}
	return env, nil
}

func init() {
	startCmd.Flags().StringArrayVar(&startOptions, "option", nil, "lab option as key=value (repeatable)")
	startCmd.Flags().StringArrayVar(&startEnv, "env", nil, "environment variable for the lab as KEY=VALUE (repeatable)")
	startCmd.Flags().IntVar(&startWatchers, "watchers", 1, "number of concurrent progress watchers")
	rootCmd.AddCommand(startCmd)
}
