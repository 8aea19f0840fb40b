// Package main is a small operator CLI around gocbcorex's Agent: load a
// connection config, bootstrap an Agent against it, and run one-off
// query/mgmt operations from the command line.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/couchbase/gocbcorex"
	"github.com/couchbase/gocbcorex/httpx"
	"github.com/couchbase/gocbcorex/internal/config"
	"github.com/couchbase/gocbcorex/internal/coordination"
	"github.com/couchbase/gocbcorex/internal/logging"
)

var (
	version   = "dev"
	gitCommit = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "gocbcorex-cli",
	Short:   "Operator CLI for the gocbcorex connection core",
	Version: fmt.Sprintf("%s (commit: %s)", version, gitCommit),
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to an AgentConfig YAML file")
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(bucketsCmd)
}

var queryCmd = &cobra.Command{
	Use:   "query [statement]",
	Short: "Run a single N1QL statement and print its rows",
	Args:  cobra.ExactArgs(1),
	RunE:  runQuery,
}

var bucketsCmd = &cobra.Command{
	Use:   "buckets",
	Short: "List the buckets visible to the configured cluster user",
	RunE:  runBuckets,
}

func newAgent(ctx context.Context) (*gocbcorex.Agent, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logger := logging.New(logging.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		Filename:   cfg.Log.Filename,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	})

	auth := gocbcorex.PasswordAuthenticator{
		Username: cfg.Auth.Username,
		Password: cfg.Auth.Password,
	}

	var coordinator gocbcorex.DistributedCoordinator
	if cfg.Coordination.Enabled {
		opts, err := redis.ParseURL(cfg.Coordination.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parsing coordination.redis_url: %w", err)
		}
		coordinator = coordination.NewRedisCoordinator(redis.NewClient(opts), logger)
	}

	return gocbcorex.CreateAgent(ctx, gocbcorex.AgentOptions{
		SeedAddresses:         cfg.SeedAddresses,
		BucketName:            cfg.BucketName,
		AcceptAllCerts:        cfg.TLS.AcceptAllCerts,
		Authenticator:         auth,
		KVPoolSize:            cfg.KV.NumConnections,
		ConnectThrottlePeriod: cfg.KV.ConnectThrottlePeriod,
		ConfigPollInterval:    cfg.ConfigPollInterval,
		Coordinator:           coordinator,
		HTTPClient: httpx.ClientConfig{
			MaxIdleConnsPerHost: cfg.HTTP.MaxIdleConnsPerHost,
			IdleConnTimeout:     cfg.HTTP.IdleConnTimeout,
			TCPKeepAlive:        cfg.HTTP.TCPKeepAlive,
			MaxRedirects:        cfg.HTTP.MaxRedirects,
		},
		Logger: logger,
	})
}

func runQuery(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	agent, err := newAgent(ctx)
	if err != nil {
		return err
	}
	defer agent.Close()

	stream, err := agent.Query.Query(ctx, gocbcorex.QueryOptions{Statement: args[0]})
	if err != nil {
		return fmt.Errorf("query failed: %w", err)
	}
	defer stream.Close()

	for {
		row, err := stream.NextRow()
		if err != nil {
			break
		}
		fmt.Println(string(row))
	}
	fmt.Printf("metadata: %s\n", stream.Metadata())
	return nil
}

func runBuckets(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	agent, err := newAgent(ctx)
	if err != nil {
		return err
	}
	defer agent.Close()

	buckets, err := agent.Mgmt.ListBuckets(ctx)
	if err != nil {
		return fmt.Errorf("listing buckets failed: %w", err)
	}
	for _, b := range buckets {
		fmt.Println(string(b))
	}
	return nil
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	return sigCtx, func() {
		stop()
		cancel()
	}
}
