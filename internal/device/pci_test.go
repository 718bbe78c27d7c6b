package device

import (
	"os"
	"path/filepath"
	"testing"
)

func writePCIFunction(t *testing.T, root, addr string, files map[string]string, driver string) {
	t.Helper()
	dir := filepath.Join(root, addr)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content+"\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if driver != "" {
		target := filepath.Join(root, "..", "drivers", driver)
		if err := os.MkdirAll(target, 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.Symlink(target, filepath.Join(dir, "driver")); err != nil {
			t.Fatal(err)
		}
	}
}

func TestFindNPUs(t *testing.T) {
	base := t.TempDir()
	root := filepath.Join(base, "devices")

	writePCIFunction(t, root, "0000:c5:00.1", map[string]string{
		"vendor": "0x1022", "device": "0x17F0", "revision": "0x10", "class": "0x118000",
	}, "amdxdna")
	writePCIFunction(t, root, "0000:c4:00.1", map[string]string{
		"vendor": "0x1022", "device": "0x1502",
	}, "")
	writePCIFunction(t, root, "0000:00:01.0", map[string]string{
		"vendor": "0x1022", "device": "0x14ea",
	}, "")
	writePCIFunction(t, root, "0000:01:00.0", map[string]string{
		"vendor": "0x10de", "device": "0x1502",
	}, "nvidia")
	// No vendor file: skipped.
	writePCIFunction(t, root, "0000:02:00.0", map[string]string{"device": "0x1502"}, "")

	npus, err := FindNPUs(root)
	if err != nil {
		t.Fatalf("FindNPUs failed: %v", err)
	}
	if len(npus) != 2 {
		t.Fatalf("Expected 2 NPUs, got %d: %+v", len(npus), npus)
	}

	if npus[0].BusAddress != "0000:c4:00.1" || npus[0].Model != "NPU1 (Phoenix)" {
		t.Errorf("Unexpected first NPU: %+v", npus[0])
	}
	if npus[0].Driver != "" {
		t.Errorf("Expected unbound function, got driver %q", npus[0].Driver)
	}

	strix := npus[1]
	if strix.DeviceID != "0x17f0" {
		t.Errorf("Expected lowercased device id, got %s", strix.DeviceID)
	}
	if strix.Driver != "amdxdna" {
		t.Errorf("Expected driver amdxdna, got %q", strix.Driver)
	}
	if strix.Revision != "0x10" || strix.Class != "0x118000" {
		t.Errorf("Unexpected revision/class: %s %s", strix.Revision, strix.Class)
	}
}

func TestFindNPUs_MissingRoot(t *testing.T) {
	if _, err := FindNPUs(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("Expected error for missing sysfs root")
	}
}
