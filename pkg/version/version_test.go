/*
Copyright 2024 The Traffic Warden Authors.

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

package version

import (
	"fmt"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGet(t *testing.T) {
	origVersion, origCommit, origDate := gitVersion, gitCommit, buildDate
	defer func() {
		gitVersion, gitCommit, buildDate = origVersion, origCommit, origDate
	}()
	gitVersion = "v1.2.3"
	gitCommit = "abcdef"
	buildDate = "2025-01-02T15:04:05Z"

	info := Get()

	tests := []struct {
		name string
		got  string
		want string
	}{
		{name: "git version", got: info.GitVersion, want: "v1.2.3"},
		{name: "git commit", got: info.GitCommit, want: "abcdef"},
		{name: "build date", got: info.BuildDate, want: "2025-01-02T15:04:05Z"},
		{name: "go version", got: info.GoVersion, want: runtime.Version()},
		{name: "platform", got: info.Platform, want: fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.got)
		})
	}
}

func TestStringIsGitVersion(t *testing.T) {
	assert.Equal(t, "v0.0.1", Info{GitVersion: "v0.0.1"}.String())
}
