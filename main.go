package main

import (
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/docrelay/docrelay/agent"
	"github.com/docrelay/docrelay/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type cfg struct {
	config.Config
}
type cli struct {
	cfg cfg
}

func setupFlags(cmd *cobra.Command) error {
	cmd.Flags().String("config-file", "", "Path to config file.")
	cmd.Flags().Int("http-port", 8080, "http port for rest endpoints")
	cmd.Flags().String("base-url", "http://localhost:8080/access", "base url prefixed to recipient access tokens")
	cmd.Flags().String("storage-impl", "redis", "implementation of underline storage")
	cmd.Flags().String("redis-addr", "localhost:6379", "comma separated list of redis host:port")
	cmd.Flags().String("namespace", "docrelay", "namespace used in storage")
	cmd.Flags().Duration("expiration-window", 48*time.Hour, "how long a session stays open")
	cmd.Flags().Int("max-reminders", 2, "maximum reminders per recipient")
	cmd.Flags().Duration("reminder-delay", 24*time.Hour, "silence period before a reminder is sent")
	cmd.Flags().Duration("retention-window", 7*24*time.Hour, "idle period before terminal sessions leave the cache")
	cmd.Flags().Int("batch-size", 100, "sweep batch size")
	return viper.BindPFlags(cmd.Flags())
}

func (c *cli) setupConfig(cmd *cobra.Command, args []string) error {
	configFile, err := cmd.Flags().GetString("config-file")
	if err != nil {
		return err
	}
	viper.SetConfigFile(configFile)

	if err = viper.ReadInConfig(); err != nil {
		// it's ok if config file doesn't exist
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
	}

	c.cfg.HttpPort = viper.GetInt("http-port")
	c.cfg.BaseUrl = viper.GetString("base-url")
	c.cfg.StorageType = config.StorageType(viper.GetString("storage-impl"))
	c.cfg.RedisConfig.Addrs = strings.Split(viper.GetString("redis-addr"), ",")
	c.cfg.RedisConfig.Namespace = viper.GetString("namespace")
	c.cfg.ExpirationWindow = viper.GetDuration("expiration-window")
	c.cfg.MaxReminders = viper.GetInt("max-reminders")
	c.cfg.ReminderDelay = viper.GetDuration("reminder-delay")
	c.cfg.RetentionWindow = viper.GetDuration("retention-window")
	c.cfg.BatchSize = viper.GetInt("batch-size")
	return nil
}

func (c *cli) run(cmd *cobra.Command, args []string) error {
	agent, err := agent.New(c.cfg.Config)
	if err != nil {
		panic(err)
	}
	err = agent.Start()
	if err != nil {
		panic(err)
	}
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	return agent.Shutdown()
}

func main() {
	cli := &cli{}

	cmd := &cobra.Command{
		Use:     "docrelay",
		PreRunE: cli.setupConfig,
		RunE:    cli.run,
	}

	if err := setupFlags(cmd); err != nil {
		log.Fatal(err)
	}

	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
