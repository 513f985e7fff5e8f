/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/microsoft/gdbrsp/pkg/rsp"
)

type probeOptions struct {
	address    string
	read       string
	targetXML  bool
	monitor    string
	timeout    time.Duration
	session    rsp.Config
	memoryRead *memoryRange
}

// probeReport is what probe prints, as JSON.
type probeReport struct {
	Session           string   `json:"session"`
	Features          []string `json:"features"`
	PacketSize        int      `json:"packetSize,omitempty"`
	NoAck             bool     `json:"noAck"`
	StopReason        string   `json:"stopReason"`
	Threads           []string `json:"threads"`
	Memory            string   `json:"memory,omitempty"`
	TargetDescription string   `json:"targetDescription,omitempty"`
	MonitorOutput     string   `json:"monitorOutput,omitempty"`
}

func NewProbeCommand(log logr.Logger) *cobra.Command {
	opts := &probeOptions{
		session: rsp.DefaultConfig(rsp.RoleClient),
	}

	probeCmd := &cobra.Command{
		Use:   "probe [--address address] [--read address,length] [--target-xml] [--monitor command]",
		Short: "Connects to a stub and reports what it supports",
		Long: `Connects to a stub and reports what it supports.

	Negotiates features, asks for the stop reason and the thread list and optionally reads memory, the target
	description and the output of a monitor command. The target is not resumed and the connection is closed
	without detaching. Addresses starting with ws:// or wss:// are reached over WebSocket.`,
		RunE: runProbe(log, opts),
		Args: cobra.NoArgs,
	}

	probeCmd.Flags().StringVar(&opts.address, "address", defaultAddress, "The address of the stub.")
	probeCmd.Flags().StringVar(&opts.read, "read", "", "Memory to read, as 'address,length'.")
	probeCmd.Flags().BoolVar(&opts.targetXML, "target-xml", false, "Read the target description (qXfer:features:read:target.xml) when the stub offers it.")
	probeCmd.Flags().StringVar(&opts.monitor, "monitor", "", "A monitor command to run.")
	probeCmd.Flags().DurationVar(&opts.timeout, "timeout", defaultProbeTimeout, "How long the whole probe may take.")
	opts.session.AddFlags(probeCmd.Flags())

	return probeCmd
}

func runProbe(log logr.Logger, opts *probeOptions) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		log := log.WithName("probe")

		if validationErr := ensureProbeOptions(opts); validationErr != nil {
			log.Error(validationErr, "Invocation parameters are invalid")
			return validationErr
		}
		opts.session.Logger = log

		ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
		defer cancel()

		t, dialErr := dial(ctx, opts.address)
		if dialErr != nil {
			return dialErr
		}

		report, probeErr := probe(ctx, t, opts)
		if probeErr != nil {
			log.Error(probeErr, "Probe failed", "Address", opts.address)
			return probeErr
		}
		return writeJSON(cmd.OutOrStdout(), report)
	}
}

func ensureProbeOptions(opts *probeOptions) error {
	if opts.address == "" {
		return errors.New("stub address must not be empty")
	}
	if opts.timeout <= 0 {
		return fmt.Errorf("probe timeout must be positive, not %s", opts.timeout)
	}
	if opts.read != "" {
		r, rangeErr := parseMemoryRange(opts.read)
		if rangeErr != nil {
			return rangeErr
		}
		opts.memoryRead = &r
	}
	return opts.session.Validate(rsp.RoleClient)
}

func dial(ctx context.Context, address string) (rsp.Transport, error) {
	if strings.HasPrefix(address, "ws://") || strings.HasPrefix(address, "wss://") {
		return rsp.DialWebSocket(ctx, address)
	}
	return rsp.DialTCP(ctx, address)
}

// probe runs the probe on an established transport. The transport is closed when it returns.
func probe(ctx context.Context, t rsp.Transport, opts *probeOptions) (probeReport, error) {
	client, connectErr := rsp.Connect(ctx, t, opts.session)
	if connectErr != nil {
		_ = t.Close()
		return probeReport{}, connectErr
	}
	defer func() { _ = client.Close() }()

	features := client.Features()
	report := probeReport{
		Session:  client.ID(),
		Features: features.Names(),
		NoAck:    client.NoAck(),
	}
	if size, found := features.PacketSize(); found {
		report.PacketSize = size
	}

	stop, stopErr := client.StopReason(ctx)
	if stopErr != nil {
		return report, fmt.Errorf("could not read the stop reason: %w", stopErr)
	}
	report.StopReason = stop.String()

	threads, threadsErr := client.Threads(ctx)
	if threadsErr != nil {
		return report, fmt.Errorf("could not list threads: %w", threadsErr)
	}
	report.Threads = make([]string, len(threads))
	for i, tid := range threads {
		report.Threads[i] = tid.String()
	}

	if opts.memoryRead != nil {
		data, readErr := client.ReadMemory(ctx, opts.memoryRead.addr, opts.memoryRead.length)
		if readErr != nil {
			return report, fmt.Errorf("could not read memory at %#x: %w", opts.memoryRead.addr, readErr)
		}
		report.Memory = string(rsp.HexEncode(data))
	}

	if opts.targetXML && features.Has(rsp.FeatureXferFeatures) {
		doc, xferErr := client.ReadXfer(ctx, "features", "target.xml")
		if xferErr != nil {
			return report, fmt.Errorf("could not read the target description: %w", xferErr)
		}
		report.TargetDescription = string(doc)
	}

	if opts.monitor != "" {
		output, monitorErr := client.Monitor(ctx, opts.monitor)
		if monitorErr != nil {
			return report, fmt.Errorf("monitor command '%s' failed: %w", opts.monitor, monitorErr)
		}
		report.MonitorOutput = string(output)
	}

	return report, nil
}
