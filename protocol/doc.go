// Copyright 2018 Axel Wagner
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package protocol implements the wire-level encoding and decoding of the
// NBD fixed-newstyle protocol: the handshake preface, option negotiation,
// and the transmission-phase command/reply frames.
//
// It deliberately knows nothing about exports, leases or storage. Every
// exported function is a pure transformation over an io.Reader/io.Writer;
// the session state machine in package server decides what to do with the
// values it extracts.
//
// Only the subset of the real NBD protocol this server needs is
// implemented: options NBD_OPT_GO, NBD_OPT_ABORT and NBD_OPT_LIST, and
// commands READ, WRITE, DISC and FLUSH. Structured replies, NBD_OPT_INFO,
// TLS, metadata contexts, TRIM/CACHE/WRITE_ZEROES/BLOCK_STATUS and
// client-negotiated block-size constraints are not implemented.
package protocol

// BUG(1): NBD_OPT_INFO (info-without-go) is not supported, only NBD_OPT_GO.

// BUG(2): Structured replies are not supported.

// BUG(3): NBD_FLAG_SEND_FUA is not advertised and FUA write semantics are
// not implemented.

// BUG(4): CMD_TRIM, CMD_CACHE, CMD_WRITE_ZEROES and CMD_BLOCK_STATUS are
// not supported.
