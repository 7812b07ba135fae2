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

package engine

import (
	"context"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/presqt/presqt/target"
)

// KeywordResult reports a keyword enhancement: the keywords already on
// the resource, the ones added, and the final set written back.
type KeywordResult struct {
	InitialKeywords  []string `json:"initial_keywords"`
	KeywordsAdded    []string `json:"keywords_added"`
	FinalKeywords    []string `json:"final_keywords"`
	UpdatedResources []string `json:"updated_resources,omitempty"`
}

// Keywords returns the keywords currently attached to a resource.
func (e *Engine) Keywords(ctx context.Context, targetName, token, resourceID string) ([]string, error) {
	if err := target.CheckSupportedAction(targetName, target.ActionKeywords); err != nil {
		return nil, err
	}
	adapter, err := target.Get(targetName)
	if err != nil {
		return nil, err
	}
	return adapter.FetchKeywords(ctx, token, resourceID)
}

// EnhanceKeywords unions the supplied keywords with the resource's
// current set and writes the result back.  Comparison is
// case-insensitive so "Water" and "water" do not both survive, but the
// original casing of whichever appeared first is preserved.
func (e *Engine) EnhanceKeywords(ctx context.Context, targetName, token, resourceID string, newKeywords []string) (*KeywordResult, error) {
	if err := target.CheckSupportedAction(targetName, target.ActionKeywordsUpload); err != nil {
		return nil, err
	}
	adapter, err := target.Get(targetName)
	if err != nil {
		return nil, err
	}

	initial, err := adapter.FetchKeywords(ctx, token, resourceID)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(initial))
	final := append([]string{}, initial...)
	for _, kw := range initial {
		seen[strings.ToLower(kw)] = true
	}
	added := []string{}
	for _, kw := range newKeywords {
		key := strings.ToLower(strings.TrimSpace(kw))
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		added = append(added, kw)
		final = append(final, kw)
	}
	sort.Strings(added)

	if len(added) > 0 {
		if err := adapter.UploadKeywords(ctx, token, resourceID, final); err != nil {
			return nil, err
		}
		log.Infof("Added %d keyword(s) to %s resource %s", len(added), targetName, resourceID)
	}

	return &KeywordResult{
		InitialKeywords: initial,
		KeywordsAdded:   added,
		FinalKeywords:   final,
	}, nil
}
