package api

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"boundless-bastion/internal/model"
)

func strPtr(s string) *string { return &s }
func intPtr(v int) *int       { return &v }

func TestCommandPatchRequest_Apply(t *testing.T) {
	cur := model.Command{
		ID:             "cmd-1",
		Name:           "gpu",
		Description:    "check gpus",
		Script:         "nvidia-smi",
		TimeoutSeconds: 60,
		CreatedAt:      time.Now(),
	}

	tests := []struct {
		name  string
		patch CommandPatchRequest
		want  model.CommandInput
	}{
		{
			name:  "empty patch keeps everything",
			patch: CommandPatchRequest{},
			want:  model.CommandInput{Name: "gpu", Description: "check gpus", Script: "nvidia-smi", TimeoutSeconds: intPtr(60)},
		},
		{
			name:  "script only",
			patch: CommandPatchRequest{Script: strPtr("nvidia-smi -L")},
			want:  model.CommandInput{Name: "gpu", Description: "check gpus", Script: "nvidia-smi -L", TimeoutSeconds: intPtr(60)},
		},
		{
			name:  "clear description",
			patch: CommandPatchRequest{Description: strPtr(""), TimeoutSeconds: intPtr(5)},
			want:  model.CommandInput{Name: "gpu", Description: "", Script: "nvidia-smi", TimeoutSeconds: intPtr(5)},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.patch.apply(cur)
			if got.Name != tt.want.Name || got.Description != tt.want.Description || got.Script != tt.want.Script {
				t.Errorf("apply() = %+v, want %+v", got, tt.want)
			}
			if *got.TimeoutSeconds != *tt.want.TimeoutSeconds {
				t.Errorf("timeout = %d, want %d", *got.TimeoutSeconds, *tt.want.TimeoutSeconds)
			}
		})
	}
}

func TestValidateStruct(t *testing.T) {
	tests := []struct {
		name    string
		v       any
		wantErr string
	}{
		{"valid execute", &ExecuteRequest{CommandID: "c", NodeID: "n"}, ""},
		{"missing node", &ExecuteRequest{CommandID: "c"}, "node_id"},
		{"bad node url", &NodeRequest{Name: "n", Address: "nope"}, "address"},
		{"patch empty script", &CommandPatchRequest{Script: strPtr("")}, "script"},
		{"sample dive", &IngestRequest{Samples: []SampleRequest{{NodeID: "n", Timestamp: 0}}}, "timestamp"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateStruct(tt.v)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected an error")
			}
			if !model.IsValidation(err) {
				t.Errorf("error %v is not a validation error", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestCommandResponse_JSON(t *testing.T) {
	resp := CommandResponse{Command: model.Command{ID: "cmd-1", Name: "x", Script: "true", TimeoutSeconds: 5}}
	b, err := json.Marshal(resp)
	if err != nil {
		t.Fatal(err)
	}
	s := string(b)
	if !strings.Contains(s, `"id":"cmd-1"`) || strings.Contains(s, "warnings") {
		t.Errorf("unexpected JSON %s", s)
	}
}
