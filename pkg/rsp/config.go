/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package rsp

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/pflag"
)

// Role is the side of the connection a session plays.
type Role string

const (
	RoleClient Role = "client"
	RoleServer Role = "server"
)

const (
	DefaultAckTimeout         = 2 * time.Second
	DefaultReplyTimeout       = 10 * time.Second
	DefaultMaxAckRetries      = 3
	DefaultMaxMalformedFrames = 5
	DefaultStopQueueSize      = 64
	DefaultPacketSize         = 4096
)

// Config holds the settings of a session.
type Config struct {
	Role Role

	// AckTimeout bounds the wait for "+" after each transmission of a packet.
	AckTimeout time.Duration

	// ReplyTimeout bounds the wait for the reply to a query. Execution requests (continue, step)
	// in all-stop mode are only bounded by their context.
	ReplyTimeout time.Duration

	// MaxAckRetries is the number of retransmissions after the first send before the session gives up.
	MaxAckRetries int

	// MaxMalformedFrames is the number of consecutive undecodable frames tolerated before the session is terminated.
	MaxMalformedFrames int

	// Features overrides the qSupported features. Clients advertise them; servers reply with them.
	Features []Feature

	// NoAck makes a client switch to no-acknowledgment mode after negotiation when the stub offers it.
	// Servers offer the mode unless Features says otherwise.
	NoAck bool

	// StopQueueSize bounds the number of undelivered non-stop stop events.
	StopQueueSize int

	// PacketSize is the largest payload sent when the peer did not report one.
	PacketSize int

	// RunLengthEncode enables run-length compression of outgoing packets.
	RunLengthEncode bool

	// Output receives console output ("O" packets) while a client waits for a reply. May be nil.
	Output io.Writer

	Logger logr.Logger
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig(role Role) Config {
	return Config{
		Role:               role,
		AckTimeout:         DefaultAckTimeout,
		ReplyTimeout:       DefaultReplyTimeout,
		MaxAckRetries:      DefaultMaxAckRetries,
		MaxMalformedFrames: DefaultMaxMalformedFrames,
		StopQueueSize:      DefaultStopQueueSize,
		PacketSize:         DefaultPacketSize,
		Logger:             logr.Discard(),
	}
}

// withDefaults fills in zero values.
func (c Config) withDefaults(role Role) Config {
	d := DefaultConfig(role)
	if c.Role == "" {
		c.Role = role
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = d.AckTimeout
	}
	if c.ReplyTimeout == 0 {
		c.ReplyTimeout = d.ReplyTimeout
	}
	if c.MaxMalformedFrames == 0 {
		c.MaxMalformedFrames = d.MaxMalformedFrames
	}
	if c.StopQueueSize == 0 {
		c.StopQueueSize = d.StopQueueSize
	}
	if c.PacketSize == 0 {
		c.PacketSize = d.PacketSize
	}
	if c.Logger.GetSink() == nil {
		c.Logger = logr.Discard()
	}
	return c
}

// Validate checks the configuration for the given role.
func (c Config) Validate(role Role) error {
	var errs []error
	if c.Role != "" && c.Role != role {
		errs = append(errs, fmt.Errorf("configuration is for a %s, not a %s", c.Role, role))
	}
	if c.AckTimeout < 0 {
		errs = append(errs, errors.New("acknowledgment timeout must not be negative"))
	}
	if c.ReplyTimeout < 0 {
		errs = append(errs, errors.New("reply timeout must not be negative"))
	}
	if c.MaxAckRetries < 0 {
		errs = append(errs, errors.New("maximum acknowledgment retries must not be negative"))
	}
	if c.MaxMalformedFrames < 0 {
		errs = append(errs, errors.New("maximum malformed packet count must not be negative"))
	}
	if c.StopQueueSize < 0 {
		errs = append(errs, errors.New("stop queue size must not be negative"))
	}
	if c.PacketSize != 0 && c.PacketSize < minimumPacketSizeBytes {
		errs = append(errs, fmt.Errorf("packet size must be at least %d bytes", minimumPacketSizeBytes))
	}
	return errors.Join(errs...)
}

// AddFlags registers command line flags bound to the configuration fields.
func (c *Config) AddFlags(fs *pflag.FlagSet) {
	fs.DurationVar(&c.AckTimeout, "ack-timeout", c.AckTimeout, "How long to wait for the peer to acknowledge a packet before retransmitting it.")
	fs.DurationVar(&c.ReplyTimeout, "reply-timeout", c.ReplyTimeout, "How long to wait for the reply to a query. Continue and step requests are not bounded.")
	fs.IntVar(&c.MaxAckRetries, "max-ack-retries", c.MaxAckRetries, "How many times a packet is retransmitted before the session is terminated.")
	fs.IntVar(&c.MaxMalformedFrames, "max-malformed", c.MaxMalformedFrames, "How many consecutive malformed packets are tolerated before the session is terminated.")
	fs.IntVar(&c.StopQueueSize, "stop-queue-size", c.StopQueueSize, "How many undelivered non-stop stop events are buffered.")
	fs.IntVar(&c.PacketSize, "packet-size", c.PacketSize, "Largest packet payload, when the peer does not report one.")
	fs.BoolVar(&c.NoAck, "no-ack", c.NoAck, "Switch to no-acknowledgment mode when the peer supports it.")
	fs.BoolVar(&c.RunLengthEncode, "rle", c.RunLengthEncode, "Run-length encode outgoing packets.")
	fs.Var(newFeatureListValue(&c.Features), "features", "qSupported features to advertise, e.g. 'multiprocess+;swbreak+'.")
}

// featureListValue is a pflag.Value for ';' separated qSupported feature lists.
type featureListValue struct {
	features *[]Feature
}

func newFeatureListValue(features *[]Feature) *featureListValue {
	return &featureListValue{features: features}
}

func (v *featureListValue) String() string {
	if v.features == nil {
		return ""
	}
	return FormatFeatureList(*v.features)
}

func (v *featureListValue) Set(value string) error {
	value = strings.TrimSpace(value)
	for _, f := range ParseFeatureList(value) {
		if f.Name == "" {
			return fmt.Errorf("invalid feature list %q", value)
		}
	}
	*v.features = ParseFeatureList(value)
	return nil
}

func (v *featureListValue) Type() string {
	return "features"
}

var _ pflag.Value = (*featureListValue)(nil)
