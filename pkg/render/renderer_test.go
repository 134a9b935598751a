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

package render

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opsi-org/opsipxeconfd/pkg/appendbag"
)

func writeTemplate(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestRenderAppendLineMergeOrder(t *testing.T) {
	dir := t.TempDir()
	path := writeTemplate(t, dir, "pxelinux", "default linux\nappend initrd=opsi root=/dev/ram0\n")

	bag := appendbag.New()
	bag.Set("pckey", "deadbeef")
	bag.Set("hn", "h1")
	bag.Set("dn", "example.org")
	bag.Set("product", "win10")
	bag.Set("service", "https://s.example.org:4447/rpc")

	out, err := Render(path, nil, bag, "h1")
	require.NoError(t, err)
	require.Contains(t, out, "append initrd=opsi root=/dev/ram0 pckey=deadbeef hn=h1 dn=example.org product=win10 service=https://s.example.org:4447/rpc")
}

func TestRenderAppendLineCallerOverridesTemplateDefault(t *testing.T) {
	dir := t.TempDir()
	path := writeTemplate(t, dir, "pxelinux", "append a=1 b=2\n")

	bag := appendbag.New()
	bag.Set("b", "9")
	bag.Set("c", "3")

	out, err := Render(path, nil, bag, "h1")
	require.NoError(t, err)
	require.Contains(t, out, "append a=1 b=9 c=3")
}

func TestRenderAppendLineDuplicateTemplateKeyLastParsedWins(t *testing.T) {
	dir := t.TempDir()
	path := writeTemplate(t, dir, "pxelinux", "append a=1 a=2\n")

	out, err := Render(path, nil, appendbag.New(), "h1")
	require.NoError(t, err)
	require.Contains(t, out, "append a=2 hn=h1")
}

func TestRenderAppendLineSeedsHostShortNameWhenMissing(t *testing.T) {
	dir := t.TempDir()
	path := writeTemplate(t, dir, "pxelinux", "append initrd=opsi\n")

	out, err := Render(path, nil, appendbag.New(), "h1")
	require.NoError(t, err)
	require.Contains(t, out, "append initrd=opsi hn=h1")
}

func TestRenderPropertySubstitution(t *testing.T) {
	dir := t.TempDir()
	path := writeTemplate(t, dir, "pxelinux", "label %productId%\nkernel /vmlinuz\n")

	out, err := Render(path, PropertyMap{"productId": "win10"}, appendbag.New(), "h1")
	require.NoError(t, err)
	require.Contains(t, out, "label win10\n")
	require.Contains(t, out, "kernel /vmlinuz\n")
}

func TestRenderMissingTemplate(t *testing.T) {
	_, err := Render(filepath.Join(t.TempDir(), "nope"), nil, appendbag.New(), "h1")
	require.Error(t, err)
}
