// Package resolve merges divergent local and remote versions of a record
// according to a declared resolution policy. Resolve is deterministic and
// side-effect-free so policies can be unit-tested without network or storage.
package resolve

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/fieldline/fieldsync/internal/types"
)

// Decision tags the resolution path taken, for audit logging.
const (
	DecisionNoConflict   = "no_conflict"
	DecisionIdentityFold = "identity_fold"
	DecisionMerged       = "merged"
)

// Outcome reports which fields were taken from which side.
type Outcome struct {
	Decision   string   `json:"decision"`
	FromSource []string `json:"from_source,omitempty"` // fields kept from the local record
	FromTarget []string `json:"from_target,omitempty"` // fields taken from the remote record
}

// Resolve merges a local record with a divergent remote version.
//
// When remote is nil the record never existed server-side and the local
// version stands as a plain create. When the local record has no remote ID
// but the remote's client_ref matches the local ID, an earlier create was
// accepted without the response being observed: the remote side is
// authoritative for identity and local edits fold in per policy. Otherwise
// each field resolves through its override, or the default strategy.
func Resolve(local types.Record, remote *types.RemoteRecord, policy types.Policy) (types.Record, Outcome, error) {
	if err := policy.Validate(); err != nil {
		return types.Record{}, Outcome{}, fmt.Errorf("invalid policy: %w", err)
	}

	if remote == nil {
		return local, Outcome{Decision: DecisionNoConflict}, nil
	}

	decision := DecisionMerged
	if local.RemoteID == "" && remote.ClientRef != "" && remote.ClientRef == local.LocalID {
		decision = DecisionIdentityFold
	}

	merged, outcome, err := mergeFields(local.Fields, remote.Fields, policy)
	if err != nil {
		return types.Record{}, Outcome{}, err
	}
	outcome.Decision = decision

	result := local
	result.RemoteID = remote.RemoteID
	result.Fields = merged
	result.SyncStatus = types.SyncSynced
	return result, outcome, nil
}

// mergeFields resolves each field of the union of both objects. A per-field
// override beats the default strategy; a field present on only one side keeps
// that side's value regardless of strategy.
func mergeFields(localRaw, remoteRaw json.RawMessage, policy types.Policy) (json.RawMessage, Outcome, error) {
	local, err := unmarshalFields(localRaw)
	if err != nil {
		return nil, Outcome{}, fmt.Errorf("parse local fields: %w", err)
	}
	remote, err := unmarshalFields(remoteRaw)
	if err != nil {
		return nil, Outcome{}, fmt.Errorf("parse remote fields: %w", err)
	}

	keys := make(map[string]struct{}, len(local)+len(remote))
	for k := range local {
		keys[k] = struct{}{}
	}
	for k := range remote {
		keys[k] = struct{}{}
	}

	merged := make(map[string]json.RawMessage, len(keys))
	var outcome Outcome
	for key := range keys {
		localVal, inLocal := local[key]
		remoteVal, inRemote := remote[key]

		takeSource := policy.Default == types.SourceWins
		if choice, ok := policy.Overrides[key]; ok {
			takeSource = choice == types.KeepSource
		}

		switch {
		case takeSource && inLocal:
			merged[key] = localVal
			outcome.FromSource = append(outcome.FromSource, key)
		case takeSource && !inLocal:
			merged[key] = remoteVal
			outcome.FromTarget = append(outcome.FromTarget, key)
		case inRemote:
			merged[key] = remoteVal
			outcome.FromTarget = append(outcome.FromTarget, key)
		default:
			merged[key] = localVal
			outcome.FromSource = append(outcome.FromSource, key)
		}
	}

	sort.Strings(outcome.FromSource)
	sort.Strings(outcome.FromTarget)

	raw, err := json.Marshal(merged)
	if err != nil {
		return nil, Outcome{}, fmt.Errorf("marshal merged fields: %w", err)
	}
	return raw, outcome, nil
}

func unmarshalFields(raw json.RawMessage) (map[string]json.RawMessage, error) {
	if len(raw) == 0 {
		return map[string]json.RawMessage{}, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		fields = map[string]json.RawMessage{}
	}
	return fields, nil
}
