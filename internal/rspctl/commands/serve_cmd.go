/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/microsoft/gdbrsp/internal/debuggee"
	"github.com/microsoft/gdbrsp/pkg/rsp"
)

type serveOptions struct {
	listen    string
	websocket bool
	target    debuggee.Config
	session   rsp.Config
}

// listeningStatus is printed to stdout once the server accepts connections.
type listeningStatus struct {
	Address   string `json:"address"`
	Transport string `json:"transport"`
}

func NewServeCommand(log logr.Logger) *cobra.Command {
	opts := &serveOptions{
		session: rsp.DefaultConfig(rsp.RoleServer),
	}

	serveCmd := &cobra.Command{
		Use:   "serve [--listen address] [--websocket] [--threads n] [--instruction-budget n]",
		Short: "Serves the reference debuggee to debuggers",
		Long: `Serves the reference debuggee to debuggers.

	The debuggee is an in-memory pseudo process with sparse memory, 17 64-bit registers per thread and
	instructions that only advance the program counter. Every connection gets its own protocol session;
	all sessions share the debuggee. Connect with "target remote <address>" or with "rspctl probe".`,
		RunE: runServe(log, opts),
		Args: cobra.NoArgs,
	}

	serveCmd.Flags().StringVar(&opts.listen, "listen", defaultAddress, "The address to accept debugger connections on. Use port 0 for a random port.")
	serveCmd.Flags().BoolVar(&opts.websocket, "websocket", false, "Accept WebSocket connections instead of raw TCP connections.")
	serveCmd.Flags().IntVar(&opts.target.Threads, "threads", 1, "The number of threads of the debuggee.")
	serveCmd.Flags().Uint64Var(&opts.target.MemoryLimit, "memory-limit", debuggee.DefaultMemoryLimit, "The size of the debuggee address space in bytes.")
	serveCmd.Flags().Uint64Var(&opts.target.EntryPoint, "entry-point", 0, "The initial program counter of every thread.")
	serveCmd.Flags().IntVar(&opts.target.InstructionBudget, "instruction-budget", 0, "Stop resumed threads after this many instructions. Zero means run until a breakpoint or an interrupt.")
	serveCmd.Flags().DurationVar(&opts.target.StepInterval, "step-interval", debuggee.DefaultStepInterval, "The time one pseudo instruction takes.")
	opts.session.AddFlags(serveCmd.Flags())

	return serveCmd
}

func runServe(log logr.Logger, opts *serveOptions) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		log := log.WithName("serve")
		ctx := cmd.Context()

		if validationErr := opts.session.Validate(rsp.RoleServer); validationErr != nil {
			log.Error(validationErr, "Invocation parameters are invalid")
			return validationErr
		}

		opts.target.Logger = log.WithName("debuggee")
		opts.session.Logger = log
		target := debuggee.New(opts.target)
		server, serverErr := rsp.NewServer(target, opts.session)
		if serverErr != nil {
			return serverErr
		}

		lc := net.ListenConfig{}
		listener, listenErr := lc.Listen(ctx, "tcp", opts.listen)
		if listenErr != nil {
			log.Error(listenErr, "Failed to create TCP listener", "Address", opts.listen)
			return listenErr
		}
		defer func() { _ = listener.Close() }()

		status := listeningStatus{Address: listener.Addr().String(), Transport: "tcp"}
		if opts.websocket {
			status.Transport = "websocket"
		}
		if writeErr := writeJSON(cmd.OutOrStdout(), status); writeErr != nil {
			return writeErr
		}
		log.Info("Accepting debugger connections", "Address", status.Address, "Transport", status.Transport)

		if !opts.websocket {
			return server.ServeListener(ctx, listener)
		}
		return serveWebSocket(ctx, log, server, listener)
	}
}

func serveWebSocket(ctx context.Context, log logr.Logger, server *rsp.Server, listener net.Listener) error {
	httpServer := &http.Server{
		Handler: rsp.WebSocketHandler(func(connCtx context.Context, t rsp.Transport) {
			if serveErr := server.Serve(connCtx, t); serveErr != nil {
				log.Error(serveErr, "Debugger connection ended with an error")
			}
		}),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	serveErrCh := make(chan error, 1)
	go func() {
		serveErr := httpServer.Serve(listener)
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			serveErrCh <- serveErr
		}
		close(serveErrCh)
	}()

	select {
	case serveErr := <-serveErrCh:
		return serveErr

	case <-ctx.Done():
		log.Info("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			return fmt.Errorf("failed to stop the WebSocket server: %w", shutdownErr)
		}
		return nil
	}
}
