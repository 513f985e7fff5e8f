// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package main

import (
	"os"

	cmdutil "github.com/microsoft/gdbrsp/internal/commands"
	"github.com/microsoft/gdbrsp/internal/rspctl/commands"
	"github.com/microsoft/gdbrsp/pkg/logger"
	"github.com/microsoft/gdbrsp/pkg/resiliency"
)

const (
	errCommandError = 1
	errSetup        = 2
	errPanic        = 3
)

func main() {
	log := logger.New("rspctl").WithName("rspctl")
	defer func() {
		panicErr := resiliency.MakePanicError(recover(), "rspctl", log.Logger)
		if panicErr != nil {
			_, _ = os.Stderr.Write(cmdutil.WithNewline([]byte(panicErr.Error())))
			log.Flush()
			os.Exit(errPanic)
		}
	}()

	ctx := cmdutil.SignalContext()

	root, err := commands.NewRootCommand(log)
	if err != nil {
		cmdutil.ErrorExit(log, err, errSetup)
	}

	err = root.ExecuteContext(ctx)
	if err != nil {
		cmdutil.ErrorExit(log, err, errCommandError)
	} else {
		log.Flush()
	}
}
