package limits

// / Syslimit_t tracks system wide resource limits.
type Syslimit_t struct {
	// live kernel threads; protected by the spawn path's counter
	Kthreads int
	// user threads spawned per process over its lifetime
	Uthreads int
	// argv words accepted by the loader
	Args int
}

// / Syslimit describes the configured system wide limits.
var Syslimit = &Syslimit_t{
	Kthreads: 512,
	Uthreads: 127,
	Args:     1024,
}
