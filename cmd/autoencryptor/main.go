package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ghyeongl/autoencryptor/autoencrypt"
)

// Config files looked up in the working directory when --config is not set.
var defaultConfigFiles = []string{"ae.properties", "autoEncryptor.properties"}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "autoencryptor",
		Short: "Encrypt new files in watched directories and move them to remote directories",
		Long: `autoencryptor watches local directories. Each new file is encrypted with an
external command and moved to the paired remote directory; each new
directory is zipped next to itself and removed.

Configuration is read from a properties file (ae.properties, falling back
to autoEncryptor.properties):

  watchDir1  = /data/outgoing
  remoteDir1 = /mnt/share/incoming
  passphrase = secret
  logLevel   = INFO
  logLocation = /var/log/autoencryptor/ae.log`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			if err := bindFlags(v, cmd.Flags()); err != nil {
				return err
			}
			if err := readConfig(v, configFile); err != nil {
				return err
			}

			cfg, err := autoencrypt.LoadConfig(v)
			if err != nil {
				return err
			}
			if err := autoencrypt.InitLogger(autoencrypt.LogOptions{Level: cfg.LogLevel, File: cfg.LogLocation}); err != nil {
				return err
			}

			daemon, err := autoencrypt.NewDaemon(cfg)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return daemon.Run(ctx)
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "properties file (default ae.properties or autoEncryptor.properties)")
	cmd.Flags().String("log-level", "", "log level (TRACE, DEBUG, INFO, WARN, ERROR or FINEST..SEVERE)")
	cmd.Flags().Int("workers", 0, "directories processed concurrently")
	return cmd
}

// bindFlags maps CLI flags and AE_* environment variables onto config keys.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	v.SetEnvPrefix("AE")
	v.AutomaticEnv()
	for key, flag := range map[string]string{"logLevel": "log-level", "workers": "workers"} {
		f := flags.Lookup(flag)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind --%s: %w", flag, err)
		}
	}
	return nil
}

func readConfig(v *viper.Viper, file string) error {
	v.SetConfigType("properties")
	if file == "" {
		for _, candidate := range defaultConfigFiles {
			if _, err := os.Stat(candidate); err == nil {
				file = candidate
				break
			}
		}
	}
	if file == "" {
		return fmt.Errorf("no configuration file: looked for %v", defaultConfigFiles)
	}
	v.SetConfigFile(file)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read %s: %w", file, err)
	}
	return nil
}
