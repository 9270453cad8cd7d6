// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rpc

import "testing"

func TestParseURI(t *testing.T) {
	tests := []struct {
		in                       string
		scheme, addr, api, asAPI string
		wantErr                  bool
	}{
		{"tcp:localhost:7777/weather", "tcp", "localhost:7777", "weather", "weather", false},
		{"tcp:10.0.0.2:80/weather?as-api=wx", "tcp", "10.0.0.2:80", "weather", "wx", false},
		{"unix:/run/binder.sock/weather", "unix", "/run/binder.sock", "weather", "weather", false},
		{"unix:@binder/weather", "unix", "@binder", "weather", "weather", false},
		{"weather", "", "", "", "", true},
		{"tcp:localhost:7777", "", "", "", "", true},
	}
	for _, tc := range tests {
		u, err := ParseURI(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParseURI(%q) succeeded, want error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseURI(%q): %v", tc.in, err)
		}
		if u.Scheme != tc.scheme || u.Address() != tc.addr || u.API != tc.api || u.AsAPI != tc.asAPI {
			t.Fatalf("ParseURI(%q) = %+v", tc.in, u)
		}
	}
}
