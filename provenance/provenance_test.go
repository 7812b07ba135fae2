/***************************************************************
 *
 * Copyright (C) 2025, PresQT Project
 *
 * Licensed under the Apache License, Version 2.0 (the "License"); you
 * may not use this file except in compliance with the License.  You may
 * obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 ***************************************************************/

package provenance

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleAction(actionType string) Action {
	now := time.Now().UTC().Format(time.RFC3339)
	return Action{
		ID:                    uuid.NewString(),
		ActionType:            actionType,
		StartTimestamp:        now,
		EndTimestamp:          now,
		SourceTargetName:      "osf",
		SourceUsername:        "alice",
		DestinationTargetName: "zenodo",
		DestinationUsername:   "alice",
		Files: FileChanges{
			Created: []string{"data/project/file.txt"},
			Updated: []string{},
			Ignored: []string{},
		},
	}
}

func TestValidateRoundTrip(t *testing.T) {
	original := NewLog()
	original.AllKeywords = []string{"ecology"}
	original.Append(sampleAction("resource_download"))

	raw, err := original.Marshal()
	require.NoError(t, err)

	parsed, err := Validate(raw)
	require.NoError(t, err)
	assert.Equal(t, original.AllKeywords, parsed.AllKeywords)
	require.Len(t, parsed.Actions, 1)
	assert.Equal(t, "resource_download", parsed.Actions[0].ActionType)
}

func TestValidateRejectsMalformedLogs(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", "{{{{"},
		{"not an object", `[1, 2, 3]`},
		{"missing allKeywords", `{"actions": []}`},
		{"missing actions", `{"allKeywords": []}`},
		{"actions not an array", `{"allKeywords": [], "actions": {}}`},
		{"action missing id", `{"allKeywords": [], "actions": [{"actionType": "x", "actionStartDateTime": "t", "actionEndDateTime": "t", "sourceTargetName": "a", "destinationTargetName": "b", "files": {"created": [], "updated": [], "ignored": []}}]}`},
		{"files missing ignored", `{"allKeywords": [], "actions": [{"id": "1", "actionType": "x", "actionStartDateTime": "t", "actionEndDateTime": "t", "sourceTargetName": "a", "destinationTargetName": "b", "files": {"created": [], "updated": []}}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Validate([]byte(tt.raw))
			assert.Error(t, err)
		})
	}
}

func TestMergeInboundAbsorbsValidLog(t *testing.T) {
	inbound := NewLog()
	inbound.AllKeywords = []string{"prior"}
	inbound.Append(sampleAction("resource_transfer_in"))
	raw, err := inbound.Marshal()
	require.NoError(t, err)

	current := NewLog()
	current.Append(sampleAction("resource_download"))

	result := current.MergeInbound(raw)
	assert.False(t, result.Quarantined)
	// Absorbed actions describe earlier hops, so they go first.
	require.Len(t, current.Actions, 2)
	assert.Equal(t, "resource_transfer_in", current.Actions[0].ActionType)
	assert.Equal(t, "resource_download", current.Actions[1].ActionType)
	assert.Contains(t, current.AllKeywords, "prior")
}

func TestMergeInboundQuarantinesInvalidLog(t *testing.T) {
	current := NewLog()
	current.Append(sampleAction("resource_download"))

	result := current.MergeInbound([]byte(`{"someone": "elses metadata"}`))
	assert.True(t, result.Quarantined)
	// Nothing absorbed
	assert.Len(t, current.Actions, 1)
}

// Each additional hop through the same resource grows the actions array by
// exactly one entry.
func TestActionsGrowByOnePerHop(t *testing.T) {
	var persisted []byte
	for hop := 0; hop < 3; hop++ {
		hopLog := NewLog()
		hopLog.Append(sampleAction("resource_transfer_in"))

		var existing []byte
		if persisted != nil {
			existing = persisted
		}
		merge, err := MergeAtDestination(existing, hopLog)
		require.NoError(t, err)
		assert.False(t, merge.QuarantineExisting)
		persisted = merge.Merged

		parsed, err := Validate(persisted)
		require.NoError(t, err)
		assert.Len(t, parsed.Actions, hop+1)
	}
}

func TestMergeAtDestinationQuarantinesInvalidExisting(t *testing.T) {
	invalid := []byte(`{"actions": "not-a-list"}`)

	hopLog := NewLog()
	hopLog.Append(sampleAction("resource_upload"))

	merge, err := MergeAtDestination(invalid, hopLog)
	require.NoError(t, err)
	assert.True(t, merge.QuarantineExisting)

	// The fresh log contains only this hop.
	parsed, err := Validate(merge.Merged)
	require.NoError(t, err)
	assert.Len(t, parsed.Actions, 1)
}

func TestQuarantinedBytesPreservedExactly(t *testing.T) {
	raw := []byte(`{"freeform": "not a presqt log", "number": 42}`)
	current := NewLog()
	result := current.MergeInbound(raw)
	require.True(t, result.Quarantined)

	// The caller writes the original bytes through unchanged; make sure
	// validation has no side effects on them.
	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, float64(42), doc["number"])
}
