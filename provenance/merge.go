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
	log "github.com/sirupsen/logrus"
)

// InboundResult describes what a bundle assembler should do with a file
// found at the reserved provenance path in the *source* content.
type InboundResult struct {
	// Quarantined is true when the inbound log failed validation.  The
	// caller must write the original bytes through unchanged under
	// InvalidFileName instead of merging them.
	Quarantined bool
}

// MergeInbound handles a provenance file discovered while downloading a
// resource.  Valid logs are absorbed into l (and the file is dropped from
// the ordinary payload); invalid ones are reported for quarantine.
func (l *Log) MergeInbound(raw []byte) InboundResult {
	inbound, err := Validate(raw)
	if err != nil {
		log.Warnf("Quarantining invalid provenance log found in source content: %v", err)
		return InboundResult{Quarantined: true}
	}
	l.Absorb(inbound)
	return InboundResult{}
}

// DestinationMerge is the upload-side counterpart of MergeInbound: given
// the provenance file already present at the destination (nil when there
// is none), it produces the bytes of the log that should end up there
// after this hop.
//
// Valid existing log: this hop's actions are appended and the file is
// overwritten.  Invalid existing log: the destination copy must be
// renamed with the INVALID_ prefix (QuarantineExisting) and a fresh log
// containing only this hop is written in its place.
type DestinationMerge struct {
	Merged             []byte
	QuarantineExisting bool
}

func MergeAtDestination(existing []byte, hop *Log) (DestinationMerge, error) {
	out := NewLog()
	out.Absorb(hop)

	result := DestinationMerge{}
	if existing != nil {
		prior, err := Validate(existing)
		if err != nil {
			log.Warnf("Quarantining invalid provenance log at destination: %v", err)
			result.QuarantineExisting = true
		} else {
			out.Absorb(prior)
		}
	}

	merged, err := out.Marshal()
	if err != nil {
		return DestinationMerge{}, err
	}
	result.Merged = merged
	return result, nil
}
