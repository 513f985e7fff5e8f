// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package commands

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

const (
	EnvPrefix       = "RSP_"
	EnvFileFlagName = "env-file"
)

// EnvName returns the environment variable that provides the default for a flag,
// e.g. "ack-timeout" -> "RSP_ACK_TIMEOUT".
func EnvName(flagName string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// AddEnvFileFlag adds the flag naming a file with RSP_* variables.
func AddEnvFileFlag(fs *pflag.FlagSet, envFile *string) {
	fs.StringVar(envFile, EnvFileFlagName, "", "Path to a file with RSP_* variables providing defaults for command line flags.")
}

// ApplyEnvironment sets every flag that was not given on the command line from the environment,
// then from the env file (if any). Flags take precedence over the environment, which takes
// precedence over the file.
func ApplyEnvironment(fs *pflag.FlagSet, envFile string) error {
	fileEnv := map[string]string{}
	if envFile != "" {
		var readErr error
		fileEnv, readErr = godotenv.Read(envFile)
		if readErr != nil {
			return fmt.Errorf("could not read environment file '%s': %w", envFile, readErr)
		}
	}

	var errs []error
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Changed || f.Name == EnvFileFlagName {
			return
		}
		name := EnvName(f.Name)
		value, found := os.LookupEnv(name)
		if !found {
			value, found = fileEnv[name]
		}
		if !found {
			return
		}
		if setErr := fs.Set(f.Name, value); setErr != nil {
			errs = append(errs, fmt.Errorf("invalid value of %s: %w", name, setErr))
		}
	})
	return errors.Join(errs...)
}
