package simulate

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/midnightgrind/tougelog-service-manager-go/log"
	"github.com/midnightgrind/tougelog-service-manager-go/pkg/config"
)

var (
	addr     string
	token    string
	speed    int
	runsArg  string
	duelName string
	duelFile string
	keep     bool
)

func NewSimulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "run a scripted duel against a running server (dev only)",
		Long: `run a scripted duel against a running server
This command registers a duel, streams synthesized telemetry over the provider
websocket and prints the events the server publishes on the spectator channel.
Note: This is only for debugging purposes and should not be used in production.
		`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return startSimulation()
		},
	}
	cmd.Flags().StringVar(&addr,
		"addr",
		"http://localhost:8080",
		"base URL of the server")
	cmd.Flags().StringVarP(&token,
		"token", "t", "", "provider authentication token")
	cmd.Flags().IntVar(&speed, "speed", 1,
		"playback speed (0 means: go as fast as possible)")
	cmd.Flags().StringVar(&runsArg,
		"runs",
		"leaderPulledAway,leaderPulledAway,chaserCrashed",
		fmt.Sprintf("comma separated run outcomes (%s; empty entries are picked at random)",
			strings.Join(outcomeNames(), ", ")))
	cmd.Flags().StringVar(&duelName,
		"name", "", "duel name (empty: generated)")
	cmd.Flags().StringVar(&duelFile,
		"duel-file", "", "YAML file with the duel config (empty: a generated sample)")
	cmd.Flags().BoolVar(&keep, "keep", false,
		"keep the duel registered after the result arrived")
	return cmd
}

func parseLogLevel(l string, defaultVal log.Level) log.Level {
	level, err := log.ParseLevel(l)
	if err != nil {
		return defaultVal
	}
	return level
}

func startSimulation() error {
	logger := log.DevLogger(
		os.Stderr,
		parseLogLevel(config.LogLevel, log.InfoLevel),
		log.WithCaller(false))
	log.ResetDefault(logger)

	script, err := parseScript(runsArg)
	if err != nil {
		return err
	}
	task := newSimulationTask(addr, token, script)
	return task.run()
}
