// oidcrp is an example server protected by OpenID Connect login.
//
//	oidcrp serve --config oidcrp.yaml
//	oidcrp discover --config oidcrp.yaml
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-hclog"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rpgate/oidcrp/oidc"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type rootFlags struct {
	configFile string
	envFile    string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	cmd := &cobra.Command{
		Use:          "oidcrp",
		Short:        "An example server protected by OpenID Connect login",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadEnvFile(flags.envFile, cmd.Flags().Changed("env-file"))
		},
	}
	cmd.PersistentFlags().StringVarP(&flags.configFile, "config", "c", "", "YAML config file")
	cmd.PersistentFlags().StringVar(&flags.envFile, "env-file", ".env", "file of environment variables to load")
	cmd.AddCommand(newServeCmd(flags), newDiscoverCmd(flags))
	return cmd
}

// loadEnvFile loads the env file.  A missing file is only an error when it
// was asked for explicitly.
func loadEnvFile(path string, explicit bool) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) && !explicit {
			return nil
		}
		return fmt.Errorf("unable to load %s: %w", path, err)
	}
	return nil
}

func newServeCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the example application",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := LoadConfig(flags.configFile)
			if err != nil {
				return err
			}
			logger := newLogger(cfg)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, err := newServer(ctx, cfg, logger)
			if err != nil {
				logger.Error("unable to start", "error", err)
				return err
			}
			defer func() {
				if err := s.Close(context.Background()); err != nil {
					logger.Error("unable to close session store", "error", err)
				}
			}()
			return s.run(ctx)
		},
	}
}

// discoveredProvider is what the discover command prints.
type discoveredProvider struct {
	Issuer             string   `yaml:"issuer"`
	AuthURL            string   `yaml:"authorization_endpoint"`
	TokenURL           string   `yaml:"token_endpoint"`
	JWKSURL            string   `yaml:"jwks_uri"`
	UserInfoURL        string   `yaml:"userinfo_endpoint,omitempty"`
	EndSessionURL      string   `yaml:"end_session_endpoint,omitempty"`
	Algorithms         []string `yaml:"id_token_signing_alg_values_supported,omitempty"`
	SupportsEndSession bool     `yaml:"supports_end_session"`
}

func newDiscoverCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "Discover the configured provider and print its metadata",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := LoadConfig(flags.configFile)
			if err != nil {
				return err
			}
			oc, err := cfg.OIDCConfig()
			if err != nil {
				return err
			}
			p, err := oidc.NewProvider(cmd.Context(), oc, oidc.WithLogger(newLogger(cfg)))
			if err != nil {
				return err
			}
			md := p.Metadata()
			out := discoveredProvider{
				Issuer:             md.Issuer,
				AuthURL:            md.AuthURL,
				TokenURL:           md.TokenURL,
				JWKSURL:            md.JWKSURL,
				UserInfoURL:        md.UserInfoURL,
				EndSessionURL:      md.EndSessionURL,
				Algorithms:         md.Algorithms,
				SupportsEndSession: md.SupportsEndSession(),
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(&out)
		},
	}
}

func newLogger(cfg *Config) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:       "oidcrp",
		Level:      hclog.LevelFromString(cfg.LogLevel),
		JSONFormat: cfg.LogJSON,
		Output:     os.Stderr,
	})
}
