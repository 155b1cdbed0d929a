package mountinfo

import "testing"

func TestParseMountinfoLine(t *testing.T) {
	// Real /proc/self/mountinfo line shape (the "-" separator follows the optional "shared:7" field).
	line := `19 25 0:18 / /sys rw,nosuid,nodev,noexec,relatime shared:7 - sysfs sysfs rw`

	info, err := parseMountinfoLine(line)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.MountID != 19 {
		t.Errorf("MountID = %d, want 19", info.MountID)
	}
	if info.ParentID != 25 {
		t.Errorf("ParentID = %d, want 25", info.ParentID)
	}
	if info.Mountpoint != "/sys" {
		t.Errorf("Mountpoint = %q, want /sys", info.Mountpoint)
	}
	if info.Fstype != "sysfs" {
		t.Errorf("Fstype = %q, want sysfs", info.Fstype)
	}
}

func TestParseMountinfoLineMalformed(t *testing.T) {
	if _, err := parseMountinfoLine("too short"); err == nil {
		t.Fatal("expected error for malformed line")
	}
	if _, err := parseMountinfoLine("19 25 0:18 / /sys rw,nosuid shared:7 sysfs sysfs rw"); err == nil {
		t.Fatal("expected error for missing '-' separator")
	}
}

func TestFindAndGetMountAt(t *testing.T) {
	mounts := []*Info{
		{MountID: 1, ParentID: 0, Mountpoint: "/"},
		{MountID: 19, ParentID: 1, Mountpoint: "/sys", Fstype: "sysfs"},
	}

	if !FindMount("/sys", mounts) {
		t.Error("expected /sys to be found")
	}
	if FindMount("/nope", mounts) {
		t.Error("did not expect /nope to be found")
	}

	info, err := GetMountAt("/sys", mounts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.Fstype != "sysfs" {
		t.Errorf("Fstype = %q, want sysfs", info.Fstype)
	}

	if _, err := GetMountAt("/nope", mounts); err == nil {
		t.Fatal("expected error for missing mountpoint")
	}
}
