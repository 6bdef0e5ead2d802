package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lumichat/agentd/internal/profile"
	"github.com/lumichat/agentd/internal/version"
	"github.com/lumichat/agentd/server"
	"github.com/lumichat/agentd/store"
	"github.com/lumichat/agentd/store/db"
)

var rootCmd = &cobra.Command{
	Use:   "agentd",
	Short: "Agent execution backend for the chat platform: runs mention-triggered AI agents and streams their output over SSE.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		// .env is a development convenience; deployments set real
		// environment variables.
		_ = godotenv.Load()
		return nil
	},
	Run: func(_ *cobra.Command, _ []string) {
		instanceProfile := &profile.Profile{
			Mode:    viper.GetString("mode"),
			Addr:    viper.GetString("addr"),
			Port:    viper.GetInt("port"),
			Driver:  viper.GetString("driver"),
			DSN:     viper.GetString("dsn"),
			Version: version.GetCurrentVersion(viper.GetString("mode")),
		}
		instanceProfile.FromEnv()
		if err := instanceProfile.Validate(); err != nil {
			slog.Error("invalid configuration", "error", err)
			return
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		dbDriver, err := db.NewDBDriver(instanceProfile)
		if err != nil {
			slog.Error("failed to create db driver", "error", err)
			return
		}
		storeInstance := store.New(dbDriver, instanceProfile)
		if err := storeInstance.Migrate(ctx); err != nil {
			slog.Error("failed to migrate", "error", err)
			return
		}

		s, err := server.NewServer(ctx, instanceProfile, storeInstance)
		if err != nil {
			slog.Error("failed to create server", "error", err)
			return
		}

		c := make(chan os.Signal, 1)
		// SIGTERM is what kill and Kubernetes send; treat it as the
		// graceful shutdown signal.
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-c
			s.Shutdown(ctx)
			cancel()
		}()

		printGreetings(instanceProfile)
		if err := s.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("failed to start server", "error", err)
			return
		}
		<-ctx.Done()
	},
}

func init() {
	viper.SetDefault("mode", "dev")
	viper.SetDefault("driver", "postgres")
	viper.SetDefault("port", 28091)

	rootCmd.PersistentFlags().String("mode", "dev", `mode of server, can be "prod" or "dev" or "demo"`)
	rootCmd.PersistentFlags().String("addr", "", "address of server")
	rootCmd.PersistentFlags().Int("port", 28091, "port of server")
	rootCmd.PersistentFlags().String("driver", "postgres", "database driver")
	rootCmd.PersistentFlags().String("dsn", "", "database source name (aka. DSN)")

	for _, flag := range []string{"mode", "addr", "port", "driver", "dsn"} {
		if err := viper.BindPFlag(flag, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("agentd")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
}

func printGreetings(instanceProfile *profile.Profile) {
	fmt.Printf("agentd %s started\n", instanceProfile.Version)
	fmt.Printf("Mode: %s\n", instanceProfile.Mode)
	fmt.Printf("Database driver: %s\n", instanceProfile.Driver)
	fmt.Printf("LLM provider: %s (%s)\n", instanceProfile.LLMProvider, instanceProfile.LLMModel)
	if instanceProfile.Addr == "" {
		fmt.Printf("Listening on port %d\n", instanceProfile.Port)
	} else {
		fmt.Printf("Listening on %s:%d\n", instanceProfile.Addr, instanceProfile.Port)
	}
	if instanceProfile.IsDev() {
		fmt.Fprintln(os.Stderr, "Development mode is enabled")
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		panic(err)
	}
}
