// Command proxy starts the forward HTTP proxy: worker pool, response cache,
// blacklist, and access log wired together, accepting connections until a
// termination signal arrives.
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gutierrez-so/fwdproxy/internal/accesslog"
	"github.com/gutierrez-so/fwdproxy/internal/blacklist"
	"github.com/gutierrez-so/fwdproxy/internal/cache"
	"github.com/gutierrez-so/fwdproxy/internal/handler"
	"github.com/gutierrez-so/fwdproxy/internal/logging"
	"github.com/gutierrez-so/fwdproxy/internal/pool"
	"github.com/gutierrez-so/fwdproxy/internal/scheduler"
	"github.com/gutierrez-so/fwdproxy/internal/server"
)

func main() {
	v := viper.New()
	v.SetEnvPrefix("PROXY")
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:   "proxy",
		Short: "Forward HTTP proxy with caching and access control",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(v)
		},
	}

	flags := cmd.Flags()
	flags.String("listen", ":8080", "address to accept client connections on")
	flags.Int("max-workers", 16, "maximum concurrent request-servicing goroutines")
	flags.String("cache-dir", "./cache-data", "directory backing the response cache")
	flags.Int("cache-lock-table-size", 4096, "max distinct fingerprint locks retained at once")
	flags.Bool("cache-clean", false, "empty the cache directory on startup")
	flags.String("blacklist-file", "./blocked-domains.txt", "line-delimited file of blocked origin hostnames")
	flags.String("access-log-db", "./access-log.db", "path to the durable access log database")
	flags.Duration("access-log-ttl", 24*time.Hour, "how long access log entries stay in the in-memory index")
	flags.String("proxy-ip", "127.0.0.1", "this proxy's own IP, used for X-Forwarded-For loop detection")
	flags.String("config", "", "optional YAML config file (values it sets are overridden by flags and PROXY_* env vars)")

	if err := v.BindPFlags(flags); err != nil {
		slog.Default().Error("bind flags", "err", err)
		os.Exit(1)
	}

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(v *viper.Viper) error {
	if cfgFile := v.GetString("config"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return err
		}
	}

	log := logging.New(slog.LevelInfo)

	bl, err := blacklist.Load(v.GetString("blacklist-file"), log)
	if err != nil {
		log.Error("load blacklist", "err", err)
		return err
	}
	defer bl.Close()

	c, err := cache.New(v.GetString("cache-dir"), v.GetInt("cache-lock-table-size"), v.GetBool("cache-clean"),
		cache.WithLogger(log))
	if err != nil {
		log.Error("init cache", "err", err)
		return err
	}

	access, err := accesslog.Open(v.GetString("access-log-db"), v.GetDuration("access-log-ttl"))
	if err != nil {
		log.Error("open access log", "err", err)
		return err
	}
	defer access.Close()

	workers := pool.New(v.GetInt("max-workers"), log)
	defer workers.Close()

	h := handler.New(bl, c, access, v.GetString("proxy-ip"), log)
	sched := scheduler.New(workers, h)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Info("shutting down", "connections_served", server.ConnCount())
		workers.Close()
		bl.Close()
		access.Close()
		os.Exit(0)
	}()

	log.Info("forward proxy starting", "listen", v.GetString("listen"), "max_workers", v.GetInt("max-workers"))
	return server.ListenAndServe(v.GetString("listen"), sched, log)
}
