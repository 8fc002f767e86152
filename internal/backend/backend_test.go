package backend

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestExtension(t *testing.T) {
	tests := []struct {
		format string
		want   string
	}{
		{"PNG", "png"},
		{"JPEG", "jpg"},
		{"OPEN_EXR", "exr"},
		{"OPEN_EXR_MULTILAYER", "exr"},
		{"TIFF", "tif"},
		{"TARGA", "tga"},
		{"TARGA_RAW", "tga"},
		{"BMP", "bmp"},
		{"", "png"},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			if got := Extension(tt.format); got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestFindOutput(t *testing.T) {
	dir := t.TempDir()

	if _, err := FindOutput(dir, 3, "png"); !errors.Is(err, ErrOutputMissing) {
		t.Errorf("Expected ErrOutputMissing, got %v", err)
	}

	four := filepath.Join(dir, "frame_0003.png")
	if err := os.WriteFile(four, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := FindOutput(dir, 3, "png")
	if err != nil || got != four {
		t.Errorf("Expected 4-digit fallback %s, got %s (%v)", four, got, err)
	}

	five := filepath.Join(dir, "frame_00003.png")
	if err := os.WriteFile(five, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err = FindOutput(dir, 3, "png")
	if err != nil || got != five {
		t.Errorf("Expected 5-digit match preferred %s, got %s (%v)", five, got, err)
	}
}

func TestBlenderRenderer_Args(t *testing.T) {
	b := NewBlenderRenderer("", 0)
	req := &Request{ScenePath: "/tmp/s.blend", OutputDir: "/out", Format: "PNG", Frame: 7}

	want := []string{"-b", "/tmp/s.blend", "-o", "/out/frame_#####", "-F", "PNG", "-f", "7"}
	if got := b.Args(req); !reflect.DeepEqual(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}

	req.Engine = "CYCLES"
	want = []string{"-b", "/tmp/s.blend", "-o", "/out/frame_#####", "-F", "PNG", "-E", "CYCLES", "-f", "7"}
	if got := b.Args(req); !reflect.DeepEqual(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}

	if b.binary != "blender" {
		t.Errorf("Expected default binary blender, got %s", b.binary)
	}
}

func TestCommandRenderer_Args(t *testing.T) {
	c, err := NewCommandRenderer(`render --scene {scene} --out "{output}" -F {format} -f {frame}`, 0)
	if err != nil {
		t.Fatalf("NewCommandRenderer failed: %v", err)
	}
	got := c.Args(&Request{ScenePath: "/s.blend", OutputDir: "/o", Format: "JPEG", Frame: 12})
	want := []string{"render", "--scene", "/s.blend", "--out", "/o/frame_#####", "-F", "JPEG", "-f", "12"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestNewCommandRenderer_Errors(t *testing.T) {
	if _, err := NewCommandRenderer("   ", 0); !errors.Is(err, ErrEmptyCommand) {
		t.Errorf("Expected ErrEmptyCommand, got %v", err)
	}
	if _, err := NewCommandRenderer(`render "unterminated`, 0); err == nil {
		t.Error("Expected parse error for unterminated quote")
	}
}

func TestCommandRenderer_RenderFailures(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}

	tests := []struct {
		name     string
		template string
		exitCode int
		missing  bool
	}{
		{"non-zero exit", `/bin/sh -c "echo boom; exit 3"`, 3, false},
		{"no output file", `/bin/sh -c "exit 0"`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewCommandRenderer(tt.template, 0)
			if err != nil {
				t.Fatalf("NewCommandRenderer failed: %v", err)
			}
			_, err = c.Render(context.Background(), &Request{OutputDir: t.TempDir(), Format: "PNG", Frame: 1})

			var renderErr *RenderError
			if !errors.As(err, &renderErr) {
				t.Fatalf("Expected RenderError, got %v", err)
			}
			if renderErr.ExitCode != tt.exitCode {
				t.Errorf("Expected exit code %d, got %d", tt.exitCode, renderErr.ExitCode)
			}
			if tt.missing != errors.Is(err, ErrOutputMissing) {
				t.Errorf("Expected missing=%v, got error %v", tt.missing, err)
			}
			if tt.exitCode == 3 && renderErr.Output != "boom\n" {
				t.Errorf("Expected output tail, got %q", renderErr.Output)
			}
		})
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	if got := r.ListSupported(); !reflect.DeepEqual(got, []string{KindBlender, KindCommand}) {
		t.Errorf("Unexpected kinds: %v", got)
	}

	rd, err := r.Create(KindBlender, Options{BlenderPath: "/opt/blender"})
	if err != nil || rd.Name() != KindBlender {
		t.Errorf("Expected blender renderer, got %v (%v)", rd, err)
	}

	if _, err := r.Create(KindCommand, Options{}); !errors.Is(err, ErrEmptyCommand) {
		t.Errorf("Expected ErrEmptyCommand, got %v", err)
	}

	if _, err := r.Create("povray", Options{}); err == nil {
		t.Error("Expected error for unknown backend")
	}
}

func TestRenderError(t *testing.T) {
	inner := errors.New("signal: killed")
	err := &RenderError{Frame: 4, ExitCode: 2, Err: inner}
	if err.Error() != "render of frame 4 failed (exit code 2): signal: killed" {
		t.Errorf("Unexpected message: %s", err.Error())
	}
	if !errors.Is(err, inner) {
		t.Error("Expected RenderError to unwrap")
	}
}
