// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package host

import "golang.org/x/sys/unix"

// BPFFSMounted reports whether path lives on a bpf filesystem.
func BPFFSMounted(path string) bool {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return false
	}
	return uint32(st.Type) == uint32(unix.BPF_FS_MAGIC)
}
