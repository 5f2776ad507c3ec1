package fd

import "fs"

// / Fd_t binds a process-visible handle to an open file. Handles 0
// / and 1 are reserved for the console and never appear in a table.
type Fd_t struct {
	Handle int
	File   *fs.File_t
}

// / Mkfd constructs a descriptor for an open file.
func Mkfd(handle int, f *fs.File_t) *Fd_t {
	return &Fd_t{Handle: handle, File: f}
}
