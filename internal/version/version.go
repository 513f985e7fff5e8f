/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package version

import (
	"strconv"
	"time"
)

const (
	DevelopmentVersion = "dev"
)

// Set with -ldflags "-X github.com/microsoft/gdbrsp/internal/version.ProductVersion=..." at build time.
var (
	ProductVersion = DevelopmentVersion
	CommitHash     = ""
	BuildTimestamp = ""
)

type VersionOutput struct {
	Version    string     `json:"version"`
	CommitHash string     `json:"commitHash,omitempty"`
	BuildTime  *time.Time `json:"buildTimestamp,omitempty"`
	Protocol   string     `json:"protocol"`
}

// ProtocolName identifies the wire protocol in version output.
const ProtocolName = "gdb-remote"

// parseBuildTimestamp accepts Unix seconds or RFC 3339.
func parseBuildTimestamp(ts string) *time.Time {
	if ts == "" {
		return nil
	}
	if seconds, err := strconv.ParseInt(ts, 10, 64); err == nil {
		t := time.Unix(seconds, 0).UTC()
		return &t
	}
	if t, err := time.Parse(time.RFC3339, ts); err == nil {
		return &t
	}
	return nil
}

func Version() VersionOutput {
	productVersion := ProductVersion
	if productVersion == "" {
		productVersion = DevelopmentVersion
	}

	return VersionOutput{
		Version:    productVersion,
		CommitHash: CommitHash,
		BuildTime:  parseBuildTimestamp(BuildTimestamp),
		Protocol:   ProtocolName,
	}
}
