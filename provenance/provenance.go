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

// Package provenance maintains the append-only action log embedded in
// every transferred bundle.  Each transfer hop appends exactly one action;
// logs found along the way are merged when they validate against the fixed
// schema, and quarantined (renamed, never discarded or merged) when they
// do not.  The quarantine policy is what keeps provenance trustworthy
// across arbitrary chains of transfers between differently-implemented
// backends.
package provenance

import (
	"encoding/json"

	"github.com/pkg/errors"
)

const (
	// FileName is the reserved name of the provenance log inside a
	// bundle's data tree and at the root of a destination container.
	FileName = "PRESQT_FTS_METADATA.json"

	// InvalidPrefix marks a quarantined log that failed schema
	// validation.  The original bytes are preserved under the renamed
	// file, untouched.
	InvalidPrefix = "INVALID_"

	// InvalidFileName is the reserved name under which a malformed log
	// is written through.
	InvalidFileName = InvalidPrefix + FileName
)

// FileChanges summarizes what one transfer hop did to the destination.
type FileChanges struct {
	Created []string `json:"created"`
	Updated []string `json:"updated"`
	Ignored []string `json:"ignored"`
}

// KeywordEnhancement records keyword changes made during a hop.
type KeywordEnhancement struct {
	SourceKeywordsAdded      []string `json:"sourceKeywordsAdded,omitempty"`
	DestinationKeywordsAdded []string `json:"destinationKeywordsAdded,omitempty"`
	Enhancer                 string   `json:"enhancer,omitempty"`
}

// Action is one transfer hop in a resource's provenance trail.  Entries
// are appended, never overwritten.
type Action struct {
	ID                    string             `json:"id"`
	ActionType            string             `json:"actionType"`
	StartTimestamp        string             `json:"actionStartDateTime"`
	EndTimestamp          string             `json:"actionEndDateTime"`
	SourceTargetName      string             `json:"sourceTargetName"`
	SourceUsername        string             `json:"sourceUsername"`
	DestinationTargetName string             `json:"destinationTargetName"`
	DestinationUsername   string             `json:"destinationUsername"`
	Keywords              KeywordEnhancement `json:"keywords"`
	Files                 FileChanges        `json:"files"`
}

// Log is the provenance document serialized at the bundle's reserved path.
type Log struct {
	AllKeywords []string `json:"allKeywords"`
	Actions     []Action `json:"actions"`
}

// NewLog returns an empty log with non-nil slices so the serialized form
// always carries both keys.
func NewLog() *Log {
	return &Log{AllKeywords: []string{}, Actions: []Action{}}
}

// requiredActionKeys are the fields every action entry must carry for a
// log to be considered well-formed.
var requiredActionKeys = []string{
	"id",
	"actionType",
	"actionStartDateTime",
	"actionEndDateTime",
	"sourceTargetName",
	"destinationTargetName",
	"files",
}

// Validate checks raw against the fixed provenance schema and decodes it.
// An error here means the document must be quarantined, not merged and
// not destroyed.
func Validate(raw []byte) (*Log, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, errors.Wrap(err, "provenance log is not a JSON object")
	}

	keywordsRaw, ok := doc["allKeywords"]
	if !ok {
		return nil, errors.New("provenance log is missing the allKeywords key")
	}
	var keywords []string
	if err := json.Unmarshal(keywordsRaw, &keywords); err != nil {
		return nil, errors.Wrap(err, "allKeywords is not an array of strings")
	}

	actionsRaw, ok := doc["actions"]
	if !ok {
		return nil, errors.New("provenance log is missing the actions key")
	}
	var actionDocs []map[string]json.RawMessage
	if err := json.Unmarshal(actionsRaw, &actionDocs); err != nil {
		return nil, errors.Wrap(err, "actions is not an array of objects")
	}
	for idx, actionDoc := range actionDocs {
		for _, key := range requiredActionKeys {
			if _, ok := actionDoc[key]; !ok {
				return nil, errors.Errorf("action %d is missing the %s key", idx, key)
			}
		}
		var files map[string]json.RawMessage
		if err := json.Unmarshal(actionDoc["files"], &files); err != nil {
			return nil, errors.Errorf("action %d: files is not an object", idx)
		}
		for _, key := range []string{"created", "updated", "ignored"} {
			if _, ok := files[key]; !ok {
				return nil, errors.Errorf("action %d: files is missing the %s key", idx, key)
			}
		}
	}

	parsed := &Log{}
	if err := json.Unmarshal(raw, parsed); err != nil {
		return nil, errors.Wrap(err, "provenance log failed to decode")
	}
	if parsed.AllKeywords == nil {
		parsed.AllKeywords = []string{}
	}
	if parsed.Actions == nil {
		parsed.Actions = []Action{}
	}
	return parsed, nil
}

// Append adds one hop's action to the log.
func (l *Log) Append(action Action) {
	l.Actions = append(l.Actions, action)
}

// Absorb folds another log's actions and keywords into this one, keeping
// both action lists in their original order (absorbed actions first, as
// they describe earlier hops).
func (l *Log) Absorb(other *Log) {
	l.Actions = append(other.Actions, l.Actions...)
	seen := make(map[string]bool, len(l.AllKeywords))
	for _, kw := range l.AllKeywords {
		seen[kw] = true
	}
	for _, kw := range other.AllKeywords {
		if !seen[kw] {
			l.AllKeywords = append(l.AllKeywords, kw)
			seen[kw] = true
		}
	}
}

// Marshal renders the log in the indented form written into bundles.
func (l *Log) Marshal() ([]byte, error) {
	return json.MarshalIndent(l, "", "    ")
}
