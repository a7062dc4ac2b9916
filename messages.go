package dockerizer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

////////////////////////////////////////////////////////////////////////////////
// Wire messages: build requests in, Room manifests out
////////////////////////////////////////////////////////////////////////////////

// BuildRequestMsg is either {"submission_id": n} or {"code_id": n, "reference": s}.
type BuildRequestMsg struct {
	SubmissionID *int64 `json:"submission_id,omitempty"`
	CodeID       *int64 `json:"code_id,omitempty"`
	Reference    string `json:"reference,omitempty"`
}

func (m BuildRequestMsg) IsCode() bool {
	return m.CodeID != nil
}

func decodeBuildRequest(data []byte) (BuildRequestMsg, error) {
	var msg BuildRequestMsg
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&msg); err != nil {
		return BuildRequestMsg{}, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	switch {
	case msg.SubmissionID != nil && msg.CodeID != nil:
		return BuildRequestMsg{}, fmt.Errorf("%w: both submission_id and code_id set", ErrMalformedMessage)
	case msg.SubmissionID != nil:
		return msg, nil
	case msg.CodeID != nil:
		msg.Reference = strings.TrimSpace(msg.Reference)
		if msg.Reference == "" {
			return BuildRequestMsg{}, fmt.Errorf("%w: code_id without reference", ErrMalformedMessage)
		}
		if len(msg.Reference) > maxReferenceLength {
			return BuildRequestMsg{}, fmt.Errorf("%w: reference longer than %d", ErrMalformedMessage, maxReferenceLength)
		}
		return msg, nil
	default:
		return BuildRequestMsg{}, fmt.Errorf("%w: neither submission_id nor code_id set", ErrMalformedMessage)
	}
}

type RoomManifest struct {
	APIVersion string       `json:"apiVersion"`
	Kind       string       `json:"kind"`
	Metadata   RoomMetadata `json:"metadata"`
	Spec       RoomSpec     `json:"spec"`
}

type RoomMetadata struct {
	Name      string `json:"name"`
	Namespace string `json:"namespace"`
}

type RoomSpec struct {
	ID                      int64       `json:"id"`
	ProblemID               int64       `json:"problemID"`
	Director                RoomMember  `json:"director"`
	Actors                  []RoomActor `json:"actors"`
	Metrico                 *RoomMember `json:"metrico,omitempty"`
	Timeout                 *int64      `json:"timeout,omitempty"`
	TerminateOnActorFailure *bool       `json:"terminateOnActorFailure,omitempty"`
}

type RoomMember struct {
	Name      string         `json:"name"`
	Image     string         `json:"image"`
	Resources *RoomResources `json:"resources,omitempty"`
}

type RoomActor struct {
	Name      string         `json:"name"`
	Image     string         `json:"image"`
	Role      string         `json:"role"`
	Envs      []RoomEnv      `json:"envs,omitempty"`
	Resources *RoomResources `json:"resources,omitempty"`
}

type RoomEnv struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type RoomResources struct {
	Limits   *RoomResourceList `json:"limits,omitempty"`
	Requests *RoomResourceList `json:"requests,omitempty"`
}

type RoomResourceList struct {
	CPU       string `json:"cpu"`
	Memory    string `json:"memory"`
	Ephemeral string `json:"ephemeral,omitempty"`
}
