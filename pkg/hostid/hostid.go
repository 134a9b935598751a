/*
Copyright 2016 Mirantis

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package hostid canonicalises opsi client identifiers.
//
// A HostId is an opaque, fully-qualified identifier string. All equality
// between hosts is defined on the canonical form: lower-cased, validated as
// a dot-separated sequence of DNS labels.
package hostid

import (
	"fmt"
	"strings"
)

// HostID is a canonicalised host identifier.
type HostID string

// ShortName returns the first DNS label, e.g. "h1" for "h1.example.org".
func (h HostID) ShortName() string {
	s := string(h)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return s[:i]
	}
	return s
}

// Domain returns everything after the first label, e.g. "example.org" for
// "h1.example.org". Returns "" if the id has no domain suffix.
func (h HostID) Domain() string {
	s := string(h)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return s[i+1:]
	}
	return ""
}

func (h HostID) String() string { return string(h) }

// Canonicalize lower-cases raw, checks that it is shaped like a sequence of
// DNS labels separated by dots, and rejects the empty string.
func Canonicalize(raw string) (HostID, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return "", fmt.Errorf("hostid: empty host id")
	}
	labels := strings.Split(s, ".")
	for _, label := range labels {
		if !isDNSLabel(label) {
			return "", fmt.Errorf("hostid: %q is not a valid host id (bad label %q)", raw, label)
		}
	}
	return HostID(s), nil
}

func isDNSLabel(label string) bool {
	if label == "" || len(label) > 63 {
		return false
	}
	if label[0] == '-' || label[len(label)-1] == '-' {
		return false
	}
	for _, r := range label {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '-':
		default:
			return false
		}
	}
	return true
}
