package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/deskgate/internal/config"
	"github.com/nextlevelbuilder/deskgate/internal/providers"
	"github.com/nextlevelbuilder/deskgate/internal/queue"
)

const doctorCheckTimeout = 5 * time.Second

func doctorCmd() *cobra.Command {
	var live bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor(live)
		},
	}
	cmd.Flags().BoolVar(&live, "live", false, "also call each agent's health endpoint")
	return cmd
}

func runDoctor(live bool) {
	fmt.Println("deskgate doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Backends:")
	fmt.Printf("    %-12s %s\n", "Queue:", cfg.Queue.Backend)
	fmt.Printf("    %-12s %s\n", "Lock:", cfg.Lock.Backend)
	checkRedis(cfg.Queue.RedisURL)

	fmt.Println()
	fmt.Println("  Database:")
	if cfg.IsManagedMode() {
		fmt.Printf("    %-12s managed\n", "Mode:")
		checkPostgres(cfg.Database.PostgresDSN)
	} else {
		fmt.Printf("    %-12s standalone\n", "Mode:")
		checkPath("Messages:", cfg.Database.SQLitePath)
		checkPath("Convs:", cfg.Database.ConversationDir)
	}

	fmt.Println()
	fmt.Println("  Agents:")
	if len(cfg.Agents) == 0 {
		fmt.Println("    (none configured)")
	}
	for _, entry := range cfg.Agents {
		checkAgent(entry, cfg.Agent.StreamTimeout, live)
	}

	fmt.Println()
	fmt.Println("  Channels:")
	if len(cfg.Channels) == 0 {
		fmt.Println("    (none configured)")
	}
	for _, ch := range cfg.Channels {
		checkChannel(ch)
	}

	if cfg.Precheck.RulesFile != "" {
		fmt.Println()
		fmt.Printf("  Rules:    %s", cfg.Precheck.RulesFile)
		if _, err := os.Stat(cfg.Precheck.RulesFile); err != nil {
			fmt.Println(" (NOT FOUND)")
		} else {
			fmt.Println(" (OK)")
		}
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkRedis(url string) {
	if url == "" {
		fmt.Printf("    %-12s (not configured)\n", "Redis:")
		return
	}
	client, err := queue.NewRedisClient(url)
	if err != nil {
		fmt.Printf("    %-12s INVALID (%s)\n", "Redis:", err)
		return
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), doctorCheckTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Redis:", err)
		return
	}
	fmt.Printf("    %-12s OK\n", "Redis:")
}

func checkPostgres(dsn string) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", err)
		return
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), doctorCheckTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", err)
		return
	}
	fmt.Printf("    %-12s OK\n", "Status:")

	m, err := newMigrator(dsn)
	if err != nil {
		fmt.Printf("    %-12s CHECK FAILED (%s)\n", "Schema:", err)
		return
	}
	defer m.Close()

	v, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		fmt.Printf("    %-12s none (run: deskgate migrate up)\n", "Schema:")
	case err != nil:
		fmt.Printf("    %-12s CHECK FAILED (%s)\n", "Schema:", err)
	case dirty:
		fmt.Printf("    %-12s v%d (DIRTY, run: deskgate migrate force %d)\n", "Schema:", v, v-1)
	default:
		fmt.Printf("    %-12s v%d\n", "Schema:", v)
	}
}

func checkPath(label, path string) {
	if path == "" {
		fmt.Printf("    %-12s in memory\n", label)
		return
	}
	path = config.ExpandHome(path)
	if _, err := os.Stat(path); err != nil {
		fmt.Printf("    %-12s %s (will be created)\n", label, path)
		return
	}
	fmt.Printf("    %-12s %s\n", label, path)
}

func checkAgent(entry config.AgentEntry, streamTimeout config.Duration, live bool) {
	label := fmt.Sprintf("%s/%s", entry.Provider, entry.ID)
	adapter, err := providers.New(entry.ProviderConfig(streamTimeout))
	if err != nil {
		fmt.Printf("    %-24s INVALID (%s)\n", label+":", err)
		return
	}
	status := maskKey(entry.APIKey)
	if live {
		ctx, cancel := context.WithTimeout(context.Background(), doctorCheckTimeout)
		defer cancel()
		if err := adapter.HealthCheck(ctx); err != nil {
			status += fmt.Sprintf(" UNHEALTHY (%s)", err)
		} else {
			status += " OK"
		}
	}
	fmt.Printf("    %-24s %s\n", label+":", status)
}

func checkChannel(ch config.ChannelEntry) {
	label := fmt.Sprintf("%s/%s", ch.Type, ch.ID)
	var status string
	switch {
	case ch.Disabled:
		status = "disabled"
	case ch.AgentID == "":
		status = "enabled (no agent bound)"
	case ch.Secret == "":
		status = "enabled (no signing secret)"
	default:
		status = "enabled -> " + ch.AgentID
		if ch.FallbackAgentID != "" {
			status += " (fallback " + ch.FallbackAgentID + ")"
		}
	}
	fmt.Printf("    %-24s %s\n", label+":", status)
}

func maskKey(key string) string {
	if key == "" {
		return "(no api key)"
	}
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
}
