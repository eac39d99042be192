package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"coursechat/internal/config"
	"coursechat/internal/provider"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"
)

var (
	passStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	failStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	warnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
)

type doctorReport struct {
	passed, failed, warned int
}

func (r *doctorReport) pass(check, detail string) {
	r.passed++
	fmt.Printf("  %s %-20s %s\n", passStyle.Render("[PASS]"), check, detail)
}

func (r *doctorReport) fail(check, detail string) {
	r.failed++
	fmt.Printf("  %s %-20s %s\n", failStyle.Render("[FAIL]"), check, detail)
}

func (r *doctorReport) warn(check, detail string) {
	r.warned++
	fmt.Printf("  %s %-20s %s\n", warnStyle.Render("[WARN]"), check, detail)
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your coursechat installation",
		Long: `Verifies that the configuration, database, model backends, routing
endpoint and tools directory are set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("coursechat doctor v%s\n\n", version)
			r := &doctorReport{}

			if _, err := os.Stat(cfgPath); err != nil {
				r.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'coursechat init' to create a default configuration.\n")
				return nil
			}
			r.pass("Config file", cfgPath)

			cfg, err := config.Load(cfgPath)
			if err != nil {
				r.fail("Config validation", err.Error())
				fmt.Printf("\n%d passed, %d failed\n", r.passed, r.failed)
				return fmt.Errorf("config invalid")
			}
			r.pass("Config validation", "valid")

			if len(cfg.Courses) == 0 {
				r.warn("Courses", "no courses configured")
			} else {
				r.pass("Courses", strconv.Itoa(len(cfg.Courses))+" configured")
			}

			if err := checkDatabase(cfg.Memory.DBPath); err != nil {
				r.fail("Database", err.Error())
			} else {
				r.pass("Database", cfg.Memory.DBPath)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
			defer cancel()

			factory := provider.NewFactory(cfg, logger)
			names := factory.Names()
			if len(names) == 0 {
				r.fail("Providers", "no providers enabled")
			}
			for _, name := range names {
				p, err := factory.Get(name)
				if err != nil {
					r.fail("Provider: "+name, err.Error())
					continue
				}
				if err := p.Healthy(ctx); err != nil {
					r.warn("Provider: "+name, err.Error())
				} else {
					r.pass("Provider: "+name, "healthy")
				}
			}

			if cfg.Engine.Enabled {
				if err := newEngine(cfg).Healthy(ctx); err != nil {
					r.fail("Local engine", err.Error())
				} else {
					r.pass("Local engine", cfg.Engine.BaseURL)
				}
			}

			if u, err := url.Parse(cfg.Routing.URL); err != nil || u.Host == "" {
				r.fail("Routing endpoint", fmt.Sprintf("invalid url %q", cfg.Routing.URL))
			} else if conn, err := net.DialTimeout("tcp", hostPort(u), 3*time.Second); err != nil {
				r.warn("Routing endpoint", fmt.Sprintf("%s unreachable (start 'coursechat serve'?)", u.Host))
			} else {
				conn.Close()
				r.pass("Routing endpoint", cfg.Routing.URL)
			}

			if info, err := os.Stat(cfg.Tools.Dir); err != nil || !info.IsDir() {
				r.warn("Tools directory", fmt.Sprintf("%s missing, no tools will load", cfg.Tools.Dir))
			} else {
				r.pass("Tools directory", cfg.Tools.Dir)
			}

			if err := checkPort(cfg.Server.Host, cfg.Server.Port); err != nil {
				r.warn("Server port", fmt.Sprintf("%d may be in use: %v", cfg.Server.Port, err))
			} else {
				r.pass("Server port", fmt.Sprintf(":%d available", cfg.Server.Port))
			}

			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					r.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
				} else {
					r.pass("Log file", cfg.General.LogFile)
				}
			}

			fmt.Printf("\nResults: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
			if r.failed > 0 {
				return fmt.Errorf("%d check(s) failed", r.failed)
			}
			return nil
		},
	}
}

func hostPort(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	if u.Scheme == "https" {
		return net.JoinHostPort(u.Hostname(), "443")
	}
	return net.JoinHostPort(u.Hostname(), "80")
}

func checkDatabase(dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("cannot create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return fmt.Errorf("cannot open: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS _doctor_test (id INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	db.ExecContext(ctx, "DROP TABLE IF EXISTS _doctor_test")
	return nil
}

func checkPort(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}
