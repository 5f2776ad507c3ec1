// ukern boots the user-process subsystem: physical memory, the boot
// file system image, the CPU boundary, and then the init process
// named by the boot configuration.
package main

import (
	"os"
	"strings"

	"bootcfg"
	"defs"
	"fs"
	"kernel"
	"klog"
	"kthread"
	"mem"
	"proc"
	"ufs"
)

// The programs shipped on the boot image. init greets the console
// with its own argv, demonstrating a full load: the argv frame it
// reads back was built by the loader in its address space.
func bootprogs() map[string]*kernel.Prog_t {
	return map[string]*kernel.Prog_t{
		"init": {
			Main: func(u *kernel.Uproc_t) int {
				args := u.Args()
				msg := "ukern: " + strings.Join(args, " ") + "\n"
				va := u.Pushstr(msg)
				u.Sys(defs.SYS_WRITE, defs.STDOUT_FILENO, va, len(msg))
				return 0
			},
		},
	}
}

func main() {
	cfgpath := os.Getenv("UKERNBOOT")
	if cfgpath == "" {
		cfgpath = "boot.yaml"
	}
	cfg, err := bootcfg.Load(cfgpath)
	if err != nil {
		klog.DPrintf(klog.ALWAYS, "boot: %v", err)
		os.Exit(1)
	}

	mem.Phys_init(cfg.Userpages)

	registry := bootprogs()
	files := make(map[string][]uint8)
	for name := range registry {
		img, err := ufs.Mkprog([]uint8(name))
		if err != nil {
			klog.DPrintf(klog.ALWAYS, "boot: %v", err)
			os.Exit(1)
		}
		files[name] = img
	}
	dev := fs.Mkmembdev(ufs.Mkfsimg(files), cfg.Freesectors)
	fsys, err := fs.Mount(dev, cfg.Cachesectors)
	if err != nil {
		klog.DPrintf(klog.ALWAYS, "boot: %v", err)
		os.Exit(1)
	}

	kernel.Cpu_init(registry)

	t := kthread.Mkmain("main")
	kproc := proc.Mkkproc(t, fsys)
	pid := kproc.Proc_execute(cfg.Init)
	if pid == defs.TID_ERR {
		klog.Printf("boot: exec %v failed\n", cfg.Init)
		os.Exit(1)
	}
	kproc.Proc_wait(pid)
	kernel.Halt()
}
