// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package rsp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseFeatureList(t *testing.T) {
	t.Parallel()

	features := ParseFeatureList("PacketSize=3fff;QStartNoAckMode+;multiprocess-;xmlRegisters=i386;qRelocInsn?;;bare")
	require.Equal(t, []Feature{
		{Name: "PacketSize", Support: FeatureValue, Value: "3fff"},
		{Name: "QStartNoAckMode", Support: FeatureEnabled},
		{Name: "multiprocess", Support: FeatureDisabled},
		{Name: "xmlRegisters", Support: FeatureValue, Value: "i386"},
		{Name: "qRelocInsn", Support: FeatureQuery},
		{Name: "bare", Support: FeatureEnabled},
	}, features)

	require.Equal(t, "PacketSize=3fff;QStartNoAckMode+;multiprocess-;xmlRegisters=i386;qRelocInsn?;bare+", FormatFeatureList(features))
}

func TestNegotiationKeepsOnlyMutuallySupportedFeatures(t *testing.T) {
	t.Parallel()

	advertised := ParseFeatureList("A+;B+;C+")
	fs := negotiateClient(advertised, ParseFeatureList("A+;B-;D+"))

	require.True(t, fs.Negotiated())
	require.False(t, fs.Bypassed())
	require.Equal(t, []string{"A"}, fs.Names())
	require.False(t, fs.Has("B"))
	require.False(t, fs.Has("C"))
	require.False(t, fs.Has("D"))
}

func TestNegotiationAcceptsStubCapabilities(t *testing.T) {
	t.Parallel()

	advertised := DefaultClientFeatures()
	reply := ParseFeatureList("PacketSize=1000;QStartNoAckMode+;multiprocess+;swbreak+;hwbreak-;qXfer:features:read+;QNonStop+;vendorThing+")
	fs := negotiateClient(advertised, reply)

	require.True(t, fs.Has(FeaturePacketSize))
	require.True(t, fs.Has(FeatureNoAckMode))
	require.True(t, fs.Has(FeatureMultiprocess))
	require.True(t, fs.Has(FeatureSwBreak))
	require.False(t, fs.Has(FeatureHwBreak))
	require.True(t, fs.Has(FeatureXferFeatures))
	require.True(t, fs.Has(FeatureNonStop))
	require.False(t, fs.Has("vendorThing"))

	size, found := fs.PacketSize()
	require.True(t, found)
	require.Equal(t, 0x1000, size)
}

func TestNegotiationHonorsClientRefusal(t *testing.T) {
	t.Parallel()

	advertised := ParseFeatureList("multiprocess+;QStartNoAckMode-")
	fs := negotiateClient(advertised, ParseFeatureList("multiprocess+;QStartNoAckMode+"))
	require.True(t, fs.Has(FeatureMultiprocess))
	require.False(t, fs.Has(FeatureNoAckMode))
}

func TestServerNegotiation(t *testing.T) {
	t.Parallel()

	supported := ParseFeatureList("PacketSize=1000;QStartNoAckMode+;multiprocess+;swbreak+;hwbreak+")
	reply, fs := negotiateServer(supported, ParseFeatureList("multiprocess+;hwbreak-;fork-events+"))

	require.Equal(t, supported, reply)
	require.True(t, fs.Has(FeaturePacketSize))
	require.True(t, fs.Has(FeatureNoAckMode))
	require.True(t, fs.Has(FeatureMultiprocess))
	require.False(t, fs.Has(FeatureSwBreak), "the client did not ask for swbreak")
	require.False(t, fs.Has(FeatureHwBreak), "the client refused hwbreak")
	require.False(t, fs.Has("fork-events"), "the stub does not know fork-events")
}

func TestFeatureSetZeroValueAndBypass(t *testing.T) {
	t.Parallel()

	var fs FeatureSet
	require.False(t, fs.Negotiated())
	require.False(t, fs.Has(FeatureMultiprocess))
	require.Equal(t, "<not negotiated>", fs.String())

	bypassed := bypassedFeatureSet()
	require.True(t, bypassed.Negotiated())
	require.True(t, bypassed.Bypassed())
	require.Empty(t, bypassed.Names())
}

func TestPacketSizeBelowMinimumIsIgnored(t *testing.T) {
	t.Parallel()

	fs := negotiateClient(nil, ParseFeatureList("PacketSize=10"))
	_, found := fs.PacketSize()
	require.False(t, found)

	fs = negotiateClient(nil, ParseFeatureList("PacketSize=zz"))
	_, found = fs.PacketSize()
	require.False(t, found)
}
