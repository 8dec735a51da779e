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

package utils_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/syself/traffic-warden/pkg/utils"
)

func TestLabelsToLabelSelector(t *testing.T) {
	got := utils.LabelsToLabelSelector(map[string]string{
		"key1": "label1",
		"key2": "label2",
	})
	assert.Contains(t, []string{"key1==label1,key2==label2", "key2==label2,key1==label1"}, got)

	assert.Equal(t, "", utils.LabelsToLabelSelector(map[string]string{}))
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "0.00 GB", utils.FormatBytes(0))
	assert.Equal(t, "1.00 GB", utils.FormatBytes(utils.GiB))
	assert.Equal(t, "1.50 GB", utils.FormatBytes(utils.GiB+utils.GiB/2))
	assert.Equal(t, "1.00 TB", utils.FormatBytes(utils.TiB))
	assert.Equal(t, "2.25 TB", utils.FormatBytes(2*utils.TiB+utils.TiB/4))
}

func TestProgressBar(t *testing.T) {
	assert.Equal(t, "░░░░░░░░░░", utils.ProgressBar(0, 10))
	assert.Equal(t, "█████░░░░░", utils.ProgressBar(50, 10))
	assert.Equal(t, "██████████", utils.ProgressBar(100, 10))
	// clamped
	assert.Equal(t, "██████████", utils.ProgressBar(140, 10))
	assert.Equal(t, "░░░░░░░░░░", utils.ProgressBar(-5, 10))
	// default width
	assert.Equal(t, "██████████", utils.ProgressBar(100, 0))
}
