package lang

import (
	"errors"
	"testing"
)

func TestRegistryGet(t *testing.T) {
	r := NewRegistry()

	for _, id := range []string{"python", "javascript", "java", "cpp", "c", "go"} {
		p, err := r.Get(id)
		if err != nil {
			t.Fatalf("Get(%q): %v", id, err)
		}
		if p.Image == "" || len(p.RunCommand) == 0 || p.Timeout <= 0 {
			t.Fatalf("incomplete profile for %s: %+v", id, p)
		}
	}

	if _, err := r.Get("cobol"); !errors.Is(err, ErrUnsupportedLanguage) {
		t.Fatalf("expected ErrUnsupportedLanguage, got %v", err)
	}
	if r.Supported("cobol") {
		t.Fatal("cobol should not be supported")
	}
}

func TestRegistryImagesAreDistinct(t *testing.T) {
	r := NewRegistry()
	seen := map[string]bool{}
	for _, img := range r.Images() {
		if seen[img] {
			t.Fatalf("duplicate image %s", img)
		}
		seen[img] = true
	}
	// c and cpp share gcc
	if len(r.Images()) != len(r.IDs())-1 {
		t.Fatalf("got %d images for %d languages", len(r.Images()), len(r.IDs()))
	}
}

func TestFileName(t *testing.T) {
	r := NewRegistry()
	java, _ := r.Get("java")
	py, _ := r.Get("python")

	tests := []struct {
		name    string
		profile Profile
		code    string
		want    string
	}{
		{"python default", py, "print(42)", "main.py"},
		{"java public class", java, "public class Solution {\n public static void main(String[] a) {}\n}", "Solution.java"},
		{"java final class", java, "public final class App { }", "App.java"},
		{"java no public class", java, "class Hidden { }", "Main.java"},
		{"java garbage", java, "}}}{{", "Main.java"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.profile.FileName(tt.code); got != tt.want {
				t.Fatalf("FileName = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestShellCommand(t *testing.T) {
	r := NewRegistry()
	java, _ := r.Get("java")
	py, _ := r.Get("python")

	if got := py.ShellCommand("main.py"); got != "python3 -u main.py" {
		t.Fatalf("python command = %q", got)
	}
	if got := java.ShellCommand("Solution.java"); got != "javac Solution.java && java -Xmx128m Solution" {
		t.Fatalf("java command = %q", got)
	}
}

func TestShellCommandQuotesNames(t *testing.T) {
	java, _ := NewRegistry().Get("java")
	code := "public class Outer$Inner { public static void main(String[] a) {} }"

	file := java.FileName(code)
	if file != "Outer$Inner.java" {
		t.Fatalf("file name = %q", file)
	}
	want := `javac 'Outer$Inner.java' && java -Xmx128m 'Outer$Inner'`
	if got := java.ShellCommand(file); got != want {
		t.Fatalf("java command = %q, want %q", got, want)
	}

	cpp, _ := NewRegistry().Get("cpp")
	if got := cpp.ShellCommand("it's.cpp"); got != `g++ -O2 -o 'it'\''s' 'it'\''s.cpp' && ./'it'\''s'` {
		t.Errorf("cpp command = %q", got)
	}
}
