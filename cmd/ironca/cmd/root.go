package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Version is set at build time with -ldflags "-X".
var Version = "dev"

const envPrefix = "IRONCA"

// Execute runs the ironca command line and exits non-zero on failure.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// cli carries the state shared by every subcommand: the viper instance that
// layers config file, environment and flags, and the logger built from it.
type cli struct {
	v       *viper.Viper
	cfgFile string
	logger  *slog.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{v: viper.New()}
	root := &cobra.Command{
		Use:   "ironca",
		Short: "ironca is a single-root certificate authority",
		Long: `A certificate authority that issues server and client certificates from
PKCS#10 requests. The CA key is kept sealed at rest under a password.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.readConfig(); err != nil {
				return err
			}
			logger, err := newLogger(cmd.ErrOrStderr(), c.v.GetString("log-level"), c.v.GetString("log-format"))
			if err != nil {
				return err
			}
			c.logger = logger
			slog.SetDefault(logger)
			return nil
		},
	}
	c.registerFlags(root.PersistentFlags())

	root.AddCommand(
		newInitCmd(c),
		newSignCmd(c),
		newRequestCmd(c),
		newListCmd(c),
		newCACertCmd(c),
		newServeCmd(c),
		newVersionCmd(),
	)
	return root
}

func (c *cli) registerFlags(flags *pflag.FlagSet) {
	c.v.SetEnvPrefix(envPrefix)
	c.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.v.AutomaticEnv()

	flags.StringVarP(&c.cfgFile, "config", "c", "", "Configuration file (yaml, toml or json)")
	c.flagString(flags, "storage", "bbolt", "Storage backend: bbolt, postgres or memory")
	c.flagString(flags, "data-dir", "./data", "Directory for the bbolt database")
	c.flagString(flags, "postgres-dsn", "", "PostgreSQL connection string for the postgres backend")
	c.flagString(flags, "key-algorithm", "RSA", "CA key algorithm: RSA or EC")
	c.flagInt(flags, "key-bits", 0, "CA key size; 0 picks 2048 for RSA and 256 for EC")
	c.flagInt(flags, "validity-days", 365, "Validity of issued certificates in days")
	c.flagString(flags, "issuer", "CN=ironca", "Distinguished name of the CA")
	c.flagString(flags, "signature-algorithm", "", "Signature algorithm such as SHA512WithRSA; empty picks one for the key algorithm")
	c.flagString(flags, "password", "", "Password sealing the CA key (prefer IRONCA_PASSWORD)")
	c.flagString(flags, "challenge-password", "", "Require this challenge password in every request")
	c.flagString(flags, "kdf-profile", "moderate", "Argon2id cost profile: interactive, moderate or sensitive")
	c.flagString(flags, "log-level", "info", "Log level: debug, info, warn or error")
	c.flagString(flags, "log-format", "text", "Log format: text or json")
}

func (c *cli) flagString(flags *pflag.FlagSet, name, def, desc string) {
	flags.String(name, def, desc)
	c.bind(flags, name)
}

func (c *cli) flagInt(flags *pflag.FlagSet, name string, def int, desc string) {
	flags.Int(name, def, desc)
	c.bind(flags, name)
}

func (c *cli) flagBool(flags *pflag.FlagSet, name string, def bool, desc string) {
	flags.Bool(name, def, desc)
	c.bind(flags, name)
}

func (c *cli) bind(flags *pflag.FlagSet, name string) {
	flag := flags.Lookup(name)
	if flag == nil {
		panic(fmt.Sprintf("flag %q not registered", name))
	}
	if err := c.v.BindPFlag(name, flag); err != nil {
		panic(err)
	}
}

func (c *cli) readConfig() error {
	if c.cfgFile == "" {
		return nil
	}
	c.v.SetConfigFile(c.cfgFile)
	if err := c.v.ReadInConfig(); err != nil {
		return fmt.Errorf("reading config file %q: %w", c.cfgFile, err)
	}
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the ironca version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ironca %s\n", Version)
		},
	}
}
