////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package server

import (
	"testing"
	"time"

	"gitlab.com/elixxir/multicast/encoder"
)

// Tests that DefaultParams with a root folder passes Verify.
func TestDefaultParams_Verify(t *testing.T) {
	p := DefaultParams()
	p.RootFolder = t.TempDir()
	if err := p.Verify(); err != nil {
		t.Errorf("Default params failed verification: %+v", err)
	}
}

// Tests that Verify rejects each out of bounds parameter.
func TestParams_Verify_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		modify func(p *Params)
	}{
		{"root", func(p *Params) { p.RootFolder = "" }},
		{"buffer", func(p *Params) { p.BufferSize = MinBufferSize - 1 }},
		{"readTimeout", func(p *Params) { p.ReadTimeout = 0 }},
		{"responseDelay", func(p *Params) { p.ResponseDelay = -time.Second }},
		{"ttl", func(p *Params) { p.TTL = 0 }},
		{"mtu", func(p *Params) { p.MTU = 575 }},
		{"largeMTU", func(p *Params) { p.MTU = 1 << 16 }},
		{"maxConnections", func(p *Params) { p.MaxConnections = 0 }},
		{"maxSessions", func(p *Params) { p.MaxSessions = 0 }},
		{"burst", func(p *Params) { p.MulticastBurstLength = 0 }},
		{"maxBytes", func(p *Params) { p.MaxBytesPerSecond = MinBytesPerSecond - 1 }},
		{"policy", func(p *Params) { p.DelayPolicy = Average + 1 }},
		{"address", func(p *Params) { p.MulticastAddress = "10.0.0.1" }},
		{"badAddress", func(p *Params) { p.MulticastAddress = "group" }},
		{"ports", func(p *Params) { p.MulticastStartPort = 65530; p.MaxSessions = 10 }},
		{"secureNoEncoder", func(p *Params) { p.Secure = true }},
	}

	for _, tt := range tests {
		p := DefaultParams()
		p.RootFolder = "root"
		tt.modify(&p)
		if err := p.Verify(); err == nil {
			t.Errorf("Verify did not fail for invalid %s.", tt.name)
		}
	}
}

// Tests that secure mode is accepted once an encoder hides the challenge key.
func TestParams_Verify_SecureWithEncoder(t *testing.T) {
	p := DefaultParams()
	p.RootFolder = "root"
	p.Secure = true
	p.Encoder = encoder.NewPassphraseFactory("passphrase")
	if err := p.Verify(); err != nil {
		t.Errorf("Verify failed for secure params with an encoder: %+v", err)
	}
}

// Tests that an IPv6 multicast address is accepted and gives smaller
// segments than IPv4.
func TestParams_segmentSize_IPv6(t *testing.T) {
	p := DefaultParams()
	p.RootFolder = "root"
	v4 := p.segmentSize(0)

	p.MulticastAddress = "ff02::1234"
	if err := p.Verify(); err != nil {
		t.Fatalf("Verify failed for IPv6 address: %+v", err)
	}
	if v6 := p.segmentSize(0); v6 != v4-20 {
		t.Errorf("Unexpected IPv6 segment size.\nexpected: %d\nreceived: %d",
			v4-20, v6)
	}
}

// Tests ParseDelayPolicy for every policy and an unknown name.
func TestParseDelayPolicy(t *testing.T) {
	for _, expected := range []DelayPolicy{Minimum, Maximum, Average} {
		received, err := ParseDelayPolicy(expected.String())
		if err != nil {
			t.Errorf("Failed to parse %s: %+v", expected, err)
		} else if received != expected {
			t.Errorf("Unexpected policy.\nexpected: %s\nreceived: %s",
				expected, received)
		}
	}

	if _, err := ParseDelayPolicy("median"); err == nil {
		t.Errorf("Parsed unknown policy.")
	}
}
