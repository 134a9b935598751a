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

// Package render turns a bootloader config template into the text a PXE
// writer streams to its reader. Rendering is a pure function of its inputs:
// it never touches a FIFO, so it can be exercised without a temp directory.
package render

import (
	"fmt"
	"os"
	"strings"

	"github.com/opsi-org/opsipxeconfd/pkg/appendbag"
)

// PropertyMap is productPropertyId -> comma-joined value string, the
// substitution source for %propertyId% tokens.
type PropertyMap map[string]string

const appendToken = "append"

// Render reads the template at path, substitutes %propertyId% tokens from
// props, and merges bag into the template's own append line. hostShortName
// becomes the "hn" entry of an append line only when neither the template
// nor bag supplies one; a template with no append line gets no "hn" token.
func Render(path string, props PropertyMap, bag *appendbag.Bag, hostShortName string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("render: reading template %s: %w", path, err)
	}

	lines := strings.Split(string(raw), "\n")
	var out strings.Builder
	for _, line := range lines {
		substituted := substituteProperties(line, props)
		trimmed := strings.TrimLeft(substituted, " \t")
		if strings.HasPrefix(trimmed, appendToken) && isAppendLine(trimmed) {
			rendered, err := renderAppendLine(trimmed, bag, hostShortName)
			if err != nil {
				return "", err
			}
			out.WriteString(rendered)
			out.WriteString("\n")
			continue
		}
		out.WriteString(strings.TrimRight(substituted, " \t\r"))
		out.WriteString("\n")
	}
	return out.String(), nil
}

func isAppendLine(trimmed string) bool {
	rest := trimmed[len(appendToken):]
	return rest == "" || rest[0] == ' ' || rest[0] == '\t'
}

func substituteProperties(line string, props PropertyMap) string {
	if !strings.Contains(line, "%") {
		return line
	}
	var out strings.Builder
	i := 0
	for i < len(line) {
		if line[i] != '%' {
			out.WriteByte(line[i])
			i++
			continue
		}
		end := strings.IndexByte(line[i+1:], '%')
		if end < 0 {
			out.WriteString(line[i:])
			break
		}
		name := line[i+1 : i+1+end]
		out.WriteString(props[name])
		i = i + 1 + end + 1
	}
	return out.String()
}

// renderAppendLine parses trimmed's tokens after the "append" keyword into
// an in-line default bag, merges bag over it (bag wins on key collision,
// else the template's last-parsed value for a repeated key wins), appends
// hn=hostShortName at the end if the merged bag still has no "hn", and
// re-emits "append <tokens...>" in effective insertion order.
func renderAppendLine(trimmed string, bag *appendbag.Bag, hostShortName string) (string, error) {
	defaults := appendbag.New()
	rest := strings.TrimSpace(trimmed[len(appendToken):])
	if rest != "" {
		for _, tok := range strings.Fields(rest) {
			if eq := strings.IndexByte(tok, '='); eq >= 0 {
				defaults.Set(tok[:eq], tok[eq+1:])
			} else {
				defaults.Set(tok, "")
			}
		}
	}

	effective := appendbag.MergeOver(defaults, bag)
	if _, ok := effective.Get("hn"); !ok {
		effective.Set("hn", hostShortName)
	}
	tokens := effective.Tokens()
	return appendToken + " " + strings.Join(tokens, " "), nil
}
