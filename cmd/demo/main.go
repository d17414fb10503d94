// Command demo runs a single intent against the configured MCP servers and
// prints the result along with a health summary.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"goa.design/clue/log"

	"github.com/avisangle/jenkins-chatbot/client"
	"github.com/avisangle/jenkins-chatbot/runtime/config"
	"github.com/avisangle/jenkins-chatbot/runtime/registry"
	"github.com/avisangle/jenkins-chatbot/runtime/telemetry"
)

func main() {
	var (
		configPath = flag.String("config", "servers.yaml", "server configuration file")
		intent     = flag.String("intent", string(registry.IntentListJobs), "intent to execute")
		paramsJSON = flag.String("params", "{}", "intent parameters as JSON")
		debug      = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	ctx := log.Context(context.Background(), log.WithFormat(log.FormatTerminal))
	if *debug {
		ctx = log.Context(ctx, log.WithDebug())
	}

	if err := run(ctx, *configPath, registry.Intent(*intent), *paramsJSON); err != nil {
		log.Error(ctx, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string, intent registry.Intent, paramsJSON string) error {
	var params map[string]any
	if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
		return fmt.Errorf("parse params: %w", err)
	}

	logger := telemetry.NewClueLogger()
	loader, err := config.NewLoader(configPath, config.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	c := client.New(loader,
		client.WithLogger(logger),
		client.WithMetrics(telemetry.NewClueMetrics()),
		client.WithTracer(telemetry.NewClueTracer()),
	)
	if err := c.Start(ctx); err != nil {
		return fmt.Errorf("start client: %w", err)
	}
	defer func() {
		if err := c.Stop(); err != nil {
			log.Error(ctx, err)
		}
	}()

	stepCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	result := c.ExecuteStep(stepCtx, client.Step{Intent: intent, Params: params})

	fmt.Println("step:", result.StepID)
	fmt.Println("tool:", result.Tool, "on", result.Server)
	fmt.Println("success:", result.Success)
	if result.Error != "" {
		fmt.Println("error:", result.Error)
	}
	if result.Data != nil {
		pretty, err := json.MarshalIndent(result.Data, "", "  ")
		if err == nil {
			fmt.Println(string(pretty))
		}
	}

	health := c.HealthCheck()
	fmt.Printf("health: %d tools on %d servers (healthy=%v)\n",
		health.Registry.TotalTools, health.Registry.ServersWithTools, health.Healthy)
	return nil
}
