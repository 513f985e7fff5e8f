/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package rsp implements the GDB Remote Serial Protocol: packet framing, the acknowledgment
// and retransmission engine, feature negotiation, and both ends of a debugging session.
//
// A Client drives a remote stub (gdbserver, an emulator, an embedded probe) with typed operations
// such as ReadMemory, SetBreakpoint and Continue. A Server exposes a Target implementation to
// any RSP debugger. Both run over a Transport, which is any duplex byte stream.
//
// Each session has exactly one request outstanding at any time. A reader goroutine owned by the
// session decodes inbound bytes and acknowledges frames; requests, replies, interrupts and
// non-stop notifications are then handled by the goroutine using the session.
package rsp
