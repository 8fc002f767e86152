package control

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/AltairaLabs/renderfarm/internal/coordinator"
	"github.com/AltairaLabs/renderfarm/internal/types"
)

func callTool(t *testing.T, ms *MCPServer, name string, args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()
	h, err := ms.Handlers().GetHandler(name)
	if err != nil {
		t.Fatalf("GetHandler(%s) failed: %v", name, err)
	}
	result, err := h(context.Background(), mcp.CallToolRequest{
		Params: mcp.CallToolParams{Name: name, Arguments: args},
	})
	if err != nil {
		t.Fatalf("Handler returned error: %v", err)
	}
	if result == nil {
		t.Fatal("Expected non-nil result")
	}
	return result
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("Expected content in result")
	}
	text, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("Expected TextContent, got %T", result.Content[0])
	}
	return text.Text
}

func TestMCPServer_RegistersTools(t *testing.T) {
	ms := NewMCPServer("renderfarm", "test", &fakeFarm{}, testDefaults(), nil)
	got := strings.Join(ms.Handlers().Names(), ",")
	want := "render.cancel,render.peers,render.start,render.status"
	if got != want {
		t.Errorf("Expected tools %s, got %s", want, got)
	}
	if _, err := ms.Handlers().GetHandler("render.unknown"); err == nil {
		t.Error("Expected error for unknown tool")
	}
}

func TestMCPServer_Start(t *testing.T) {
	farm := &fakeFarm{}
	ms := NewMCPServer("renderfarm", "test", farm, testDefaults(), nil)

	result := callTool(t, ms, ToolStart, map[string]interface{}{
		"scene_path":  "/scenes/a.blend",
		"frame_start": 3,
		"frame_end":   6,
	})
	if result.IsError {
		t.Fatalf("Expected success, got %s", resultText(t, result))
	}

	var body map[string]string
	if err := json.Unmarshal([]byte(resultText(t, result)), &body); err != nil {
		t.Fatalf("Failed to decode result: %v", err)
	}
	if body["job_id"] != "job-1" {
		t.Errorf("Expected job-1, got %s", body["job_id"])
	}

	req := farm.lastStarted(t)
	if req.ScenePath != "/scenes/a.blend" || req.Spec.FrameStart != 3 || req.Spec.FrameEnd != 6 {
		t.Errorf("Unexpected request: %+v", req)
	}
}

func TestMCPServer_StartErrors(t *testing.T) {
	tests := []struct {
		name    string
		farm    *fakeFarm
		args    map[string]interface{}
		wantMsg string
	}{
		{"job active", &fakeFarm{startErr: coordinator.ErrJobActive}, nil, coordinator.ErrJobActive.Error()},
		{"bad step", &fakeFarm{}, map[string]interface{}{"frame_step": "x"}, "frame_step"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ms := NewMCPServer("renderfarm", "test", tt.farm, testDefaults(), nil)
			result := callTool(t, ms, ToolStart, tt.args)
			if !result.IsError {
				t.Fatal("Expected error result")
			}
			if text := resultText(t, result); !strings.Contains(text, tt.wantMsg) {
				t.Errorf("Expected message containing %q, got %q", tt.wantMsg, text)
			}
		})
	}
}

func TestMCPServer_Cancel(t *testing.T) {
	farm := &fakeFarm{}
	ms := NewMCPServer("renderfarm", "test", farm, testDefaults(), nil)

	if result := callTool(t, ms, ToolCancel, nil); result.IsError {
		t.Errorf("Expected success, got %s", resultText(t, result))
	}

	farm.cancelErr = coordinator.ErrNoActiveJob
	if result := callTool(t, ms, ToolCancel, nil); !result.IsError {
		t.Error("Expected error result without an active job")
	}
	if farm.cancels != 2 {
		t.Errorf("Expected 2 cancel calls, got %d", farm.cancels)
	}
}

func TestMCPServer_StatusAndPeers(t *testing.T) {
	farm := &fakeFarm{
		progress: types.Progress{JobID: "job-3", Active: true, TotalFrames: 4, FramesDone: 1},
		peers:    []types.Peer{{ID: "w1", Name: "one", Role: types.RoleWorker}},
	}
	ms := NewMCPServer("renderfarm", "test", farm, testDefaults(), nil)

	var status struct {
		Progress map[string]any `json:"progress"`
		LastJob  map[string]any `json:"last_job"`
	}
	if err := json.Unmarshal([]byte(resultText(t, callTool(t, ms, ToolStatus, nil))), &status); err != nil {
		t.Fatalf("Failed to decode status: %v", err)
	}
	if status.Progress["job_id"] != "job-3" || status.Progress["total_frames"] != float64(4) {
		t.Errorf("Unexpected progress: %v", status.Progress)
	}
	if status.LastJob != nil {
		t.Errorf("Expected no last job, got %v", status.LastJob)
	}

	var peers struct {
		Peers []map[string]any `json:"peers"`
	}
	if err := json.Unmarshal([]byte(resultText(t, callTool(t, ms, ToolPeers, nil))), &peers); err != nil {
		t.Fatalf("Failed to decode peers: %v", err)
	}
	if len(peers.Peers) != 1 || peers.Peers[0]["id"] != "w1" {
		t.Errorf("Unexpected peers: %v", peers.Peers)
	}
}
