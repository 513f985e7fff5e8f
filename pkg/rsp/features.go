// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package rsp

import (
	"slices"
	"strconv"
	"strings"
)

// FeatureSupport is the support marker attached to a qSupported token.
type FeatureSupport int

const (
	// FeatureEnabled is written as "name+".
	FeatureEnabled FeatureSupport = iota
	// FeatureDisabled is written as "name-".
	FeatureDisabled
	// FeatureValue is written as "name=value" and implies support.
	FeatureValue
	// FeatureQuery is written as "name?".
	FeatureQuery
)

// Well known feature names.
const (
	FeaturePacketSize      = "PacketSize"
	FeatureNoAckMode       = "QStartNoAckMode"
	FeatureNonStop         = "QNonStop"
	FeatureMultiprocess    = "multiprocess"
	FeatureSwBreak         = "swbreak"
	FeatureHwBreak         = "hwbreak"
	FeatureVContSupported  = "vContSupported"
	FeatureNoResumed       = "no-resumed"
	FeatureThreadEvents    = "QThreadEvents"
	FeaturePassSignals     = "QPassSignals"
	FeatureXferFeatures    = "qXfer:features:read"
	xferFeaturePrefix      = "qXfer:"
	featureListSeparator   = ";"
	featureValueSeparator  = "="
	defaultClientFeatures  = "multiprocess+;swbreak+;hwbreak+;vContSupported+;no-resumed+;QThreadEvents+"
	minimumPacketSizeBytes = 64
)

// Capabilities a stub may announce on its own, without the client mentioning them in its qSupported request.
var stubCapabilities = []string{
	FeaturePacketSize,
	FeatureNoAckMode,
	FeatureNonStop,
	FeaturePassSignals,
	"QProgramSignals",
	"QCatchSyscalls",
	"QDisableRandomization",
}

func isStubCapability(name string) bool {
	return slices.Contains(stubCapabilities, name) || strings.HasPrefix(name, xferFeaturePrefix)
}

// Feature is one token of a qSupported request or reply.
type Feature struct {
	Name    string
	Support FeatureSupport
	Value   string
}

func (f Feature) enabled() bool {
	return f.Support == FeatureEnabled || f.Support == FeatureValue
}

func (f Feature) String() string {
	switch f.Support {
	case FeatureDisabled:
		return f.Name + "-"
	case FeatureValue:
		return f.Name + featureValueSeparator + f.Value
	case FeatureQuery:
		return f.Name + "?"
	default:
		return f.Name + "+"
	}
}

// ParseFeature parses a single qSupported token. A bare name is treated as enabled.
func ParseFeature(token string) Feature {
	if name, value, found := strings.Cut(token, featureValueSeparator); found {
		return Feature{Name: name, Support: FeatureValue, Value: value}
	}
	if token == "" {
		return Feature{}
	}
	switch token[len(token)-1] {
	case '+':
		return Feature{Name: token[:len(token)-1], Support: FeatureEnabled}
	case '-':
		return Feature{Name: token[:len(token)-1], Support: FeatureDisabled}
	case '?':
		return Feature{Name: token[:len(token)-1], Support: FeatureQuery}
	default:
		return Feature{Name: token, Support: FeatureEnabled}
	}
}

// ParseFeatureList parses a ';' separated qSupported token list. Empty tokens are skipped.
func ParseFeatureList(list string) []Feature {
	var features []Feature
	for _, token := range strings.Split(list, featureListSeparator) {
		if token == "" {
			continue
		}
		features = append(features, ParseFeature(token))
	}
	return features
}

// FormatFeatureList is the inverse of ParseFeatureList.
func FormatFeatureList(features []Feature) string {
	tokens := make([]string, len(features))
	for i, f := range features {
		tokens[i] = f.String()
	}
	return strings.Join(tokens, featureListSeparator)
}

// DefaultClientFeatures returns the features a client advertises unless configured otherwise.
func DefaultClientFeatures() []Feature {
	return ParseFeatureList(defaultClientFeatures)
}

// FeatureSet is the result of feature negotiation. It is frozen once negotiation completes.
type FeatureSet struct {
	features   map[string]Feature
	negotiated bool
	bypassed   bool
}

// Negotiated reports whether negotiation has completed (or was bypassed by a stub without qSupported).
func (fs FeatureSet) Negotiated() bool {
	return fs.negotiated
}

// Bypassed reports whether the stub answered qSupported with an empty reply.
func (fs FeatureSet) Bypassed() bool {
	return fs.bypassed
}

// Has reports whether the named feature was negotiated.
func (fs FeatureSet) Has(name string) bool {
	_, found := fs.features[name]
	return found
}

// Value returns the value of a "name=value" feature.
func (fs FeatureSet) Value(name string) (string, bool) {
	f, found := fs.features[name]
	if !found || f.Support != FeatureValue {
		return "", false
	}
	return f.Value, true
}

// PacketSize returns the negotiated maximum packet size in bytes, if the stub reported one.
func (fs FeatureSet) PacketSize() (int, bool) {
	text, found := fs.Value(FeaturePacketSize)
	if !found {
		return 0, false
	}
	size, err := strconv.ParseUint(text, 16, 31)
	if err != nil || size < minimumPacketSizeBytes {
		return 0, false
	}
	return int(size), true
}

// Names returns the negotiated feature names in sorted order.
func (fs FeatureSet) Names() []string {
	names := make([]string, 0, len(fs.features))
	for name := range fs.features {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (fs FeatureSet) String() string {
	if !fs.negotiated {
		return "<not negotiated>"
	}
	if fs.bypassed {
		return "<bypassed>"
	}
	return strings.Join(fs.Names(), ",")
}

func bypassedFeatureSet() FeatureSet {
	return FeatureSet{features: map[string]Feature{}, negotiated: true, bypassed: true}
}

// negotiateClient computes the client's feature set from its own advertisement and the stub's reply.
// A feature is in the set iff the stub reports it as supported ("+" or "=value") and the client
// either advertised it as supported or recognizes it as a capability the stub may announce unprompted.
// An explicit "-" from the client excludes the feature regardless of the stub's reply.
func negotiateClient(advertised []Feature, reply []Feature) FeatureSet {
	fs := FeatureSet{features: map[string]Feature{}, negotiated: true}
	offered := indexFeatures(advertised)
	for _, f := range reply {
		if !f.enabled() {
			continue
		}
		mine, found := offered[f.Name]
		switch {
		case found && mine.Support == FeatureDisabled:
			continue
		case found && mine.enabled(), isStubCapability(f.Name):
			fs.features[f.Name] = f
		}
	}
	return fs
}

// negotiateServer computes the reply to a qSupported request and the resulting feature set on the stub side.
// The reply lists every feature the stub is configured with. Features the client offers that the stub
// does not know are ignored.
func negotiateServer(supported []Feature, offered []Feature) ([]Feature, FeatureSet) {
	fs := FeatureSet{features: map[string]Feature{}, negotiated: true}
	client := indexFeatures(offered)
	for _, f := range supported {
		if !f.enabled() {
			continue
		}
		theirs, found := client[f.Name]
		switch {
		case found && theirs.Support == FeatureDisabled:
			continue
		case found && theirs.enabled(), isStubCapability(f.Name):
			fs.features[f.Name] = f
		}
	}
	return supported, fs
}

func indexFeatures(features []Feature) map[string]Feature {
	m := make(map[string]Feature, len(features))
	for _, f := range features {
		m[f.Name] = f
	}
	return m
}
