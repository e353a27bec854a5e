package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"

	"github.com/Promptonauts/fleetci/pkg/logging"
	"github.com/Promptonauts/fleetci/pkg/models"
	"github.com/Promptonauts/fleetci/pkg/store"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "FLEETCI"

// exitError carries a process exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func exitCode(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	if errors.Is(err, models.ErrConfigInvalid) || errors.Is(err, models.ErrConfigNotFound) {
		return exitUsage
	}
	return exitRunFailed
}

type app struct {
	v      *viper.Viper
	stdout io.Writer
	stderr io.Writer
	logger *logrus.Logger
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{v: viper.New(), stdout: stdout, stderr: stderr}
	a.v.SetEnvPrefix(envPrefix)
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "fleetci",
		Short:         "Resolve CI job matrices and dispatch them across a runner fleet",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	pf := root.PersistentFlags()
	pf.String("env-file", ".env", "dotenv file loaded into the environment if present")
	pf.String("log-level", "info", "log level (debug, info, warn, error)")
	pf.String("log-format", "text", "log format (text or json)")
	pf.String("store", "fleetci.db", "run store: sqlite path or postgres:// URL")

	root.AddCommand(a.runCmd(), a.matrixCmd(), a.serveCmd(), a.runsCmd())
	return root
}

// setup loads the env file, binds flags to FLEETCI_* variables and builds
// the logger. Flags set on the command line win over the environment.
func (a *app) setup(cmd *cobra.Command) error {
	envFile, _ := cmd.Flags().GetString("env-file")
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return &exitError{code: exitUsage, err: fmt.Errorf("load %s: %w", envFile, err)}
		}
	}
	var bindErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if err := a.v.BindPFlag(f.Name, f); err != nil && bindErr == nil {
			bindErr = err
		}
	})
	if bindErr != nil {
		return bindErr
	}

	logger, err := logging.NewWithWriter(a.stderr, a.v.GetString("log-level"), a.v.GetString("log-format"))
	if err != nil {
		return &exitError{code: exitUsage, err: err}
	}
	a.logger = logger
	return nil
}

func (a *app) openStore() (*store.SQLStore, error) {
	st, err := store.Open(a.v.GetString("store"))
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}
