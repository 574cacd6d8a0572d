package main

import (
	"bufio"
	"context"
	"fmt"
	"hash/fnv"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/a3s-lab/box/internal/a3serr"
	"github.com/a3s-lab/box/pkg/boxstate"
	"github.com/a3s-lab/box/pkg/rootfs"
	"github.com/a3s-lab/box/pkg/vmm"
)

// boxHealthPort is the vsock port every box's guest agent answers its
// readiness probe on (spec.md §4.9).
const boxHealthPort uint32 = 5000

// boxReadyTimeout bounds how long `run` waits for a freshly booted box
// to answer its health probe before treating the boot as failed.
const boxReadyTimeout = 10 * time.Second

var runCmd = &cobra.Command{
	Use:   "run REFERENCE [COMMAND...]",
	Short: "Boot a box from REFERENCE",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRunCommand,
}

func init() {
	runCmd.Flags().String("name", "", "assign a name to the box")
	runCmd.Flags().StringSliceP("publish", "p", nil, "publish a port, host:guest")
	runCmd.Flags().StringSliceP("env", "e", nil, "set environment variables")
	runCmd.Flags().Bool("rm", false, "remove the box's directory and state record when `box stop` stops it")
	runCmd.Flags().Bool("detach", true, "run the box in the background")
}

func runRunCommand(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := context.Background()
	entry, err := a.ResolveBase(ctx, args[0])
	if err != nil {
		return err
	}

	name, _ := cmd.Flags().GetString("name")
	publish, _ := cmd.Flags().GetStringSlice("publish")
	env, _ := cmd.Flags().GetStringSlice("env")
	autoRemove, _ := cmd.Flags().GetBool("rm")
	detach, _ := cmd.Flags().GetBool("detach")

	portMaps := map[string]string{}
	for _, p := range publish {
		host, guest, ok := strings.Cut(p, ":")
		if !ok {
			return a3serr.New(a3serr.KindInvalidReference, "publish must be host:guest, got "+p)
		}
		portMaps[host] = guest
	}

	boxDir := a.boxRootDir(uuid.NewString())
	if err := os.MkdirAll(boxDir, 0o755); err != nil {
		return a3serr.Wrap(a3serr.KindIO, err, "failed to create box directory")
	}

	rec, err := a.boxes.Create(name, args[0], boxDir, autoRemove, nil, portMaps)
	if err != nil {
		return err
	}

	rootDir := boxDir + "/rootfs"
	var layerDirs []string
	for _, l := range entry.Manifest.Layers {
		path, err := a.cache.Fetch(l.Digest)
		if err != nil {
			return err
		}
		layerDirs = append(layerDirs, path)
	}
	if err := rootfs.Compose(layerDirs, rootDir); err != nil {
		return err
	}

	argv := entry.Config.Entrypoint
	if len(args) > 1 {
		argv = args[1:]
	} else if len(entry.Config.Cmd) > 0 {
		argv = append(argv, entry.Config.Cmd...)
	}
	if len(argv) == 0 {
		return a3serr.New(a3serr.KindInvalidReference, "image has no entrypoint or command").
			WithHint("pass a command: box run " + args[0] + " <command>")
	}

	spec := vmm.Spec{
		VCPUs:          a.cfg.DefaultVCPU,
		MemoryMB:       a.cfg.DefaultMemoryMB,
		RootfsDir:      rootDir,
		CID:            boxCID(rec.ID),
		HealthPort:     boxHealthPort,
		PortMaps:       portMaps,
		Env:            append(entry.Config.Env, env...),
		Command:        argv,
		WorkingDir:     entry.Config.WorkingDir,
		ConsoleLogPath: boxDir + "/console.log",
	}

	handle, err := a.controller.Boot(ctx, spec, boxReadyTimeout)
	if err != nil {
		a.boxes.MarkDead(rec.ID)
		return err
	}
	if err := a.boxes.MarkRunning(rec.ID, handle.PID(), handle.VsockEndpoint()); err != nil {
		return err
	}

	fmt.Println(rec.ID)
	if detach {
		return nil
	}

	code, err := handle.WaitExit(ctx)
	if err != nil {
		return err
	}
	return a.boxes.MarkStopped(rec.ID, code)
}

// boxCID derives a stable vsock context id from a box id so repeated
// inspection of the same box always computes the same CID without a
// separate allocation table.
func boxCID(id string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(id))
	return 10000 + h.Sum32()%50000
}

var startCmd = &cobra.Command{
	Use:   "start BOX",
	Short: "Start a stopped box (not yet supported: boxes are single-shot)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return a3serr.ErrNotImplemented.WithHint("re-run `box run` to boot a fresh instance of the image")
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop BOX",
	Short: "Stop a running box",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()
		rec, err := a.boxes.Resolve(args[0])
		if err != nil {
			return err
		}
		if rec.Status != boxstate.StatusRunning {
			return nil
		}
		if err := stopProcess(rec.PID, 10*time.Second); err != nil {
			return err
		}
		if rec.AutoRemove {
			if err := os.RemoveAll(rec.BoxDir); err != nil {
				return a3serr.Wrap(a3serr.KindIO, err, "failed to remove box directory")
			}
			return a.boxes.Remove(rec.ID)
		}
		return a.boxes.MarkStopped(rec.ID, 0)
	},
}

// stopProcess implements the stop protocol (spec.md §4.9) against a
// PID recorded by a previous `run` invocation, since the Handle that
// originally booted it belongs to that process, not this one.
func stopProcess(pid int, timeout time.Duration) error {
	if pid <= 0 {
		return nil
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		if err == syscall.ESRCH {
			return nil
		}
		return a3serr.Wrap(a3serr.KindBoxBootError, err, "failed to signal box process")
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if syscall.Kill(pid, 0) == syscall.ESRCH {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		return a3serr.Wrap(a3serr.KindBoxBootError, err, "failed to kill box process")
	}
	return nil
}

var psCmd = &cobra.Command{
	Use:   "ps",
	Short: "List boxes",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()
		records, err := a.boxes.List()
		if err != nil {
			return err
		}
		fmt.Printf("%-36s %-20s %-12s %s\n", "ID", "IMAGE", "STATUS", "NAME")
		for _, rec := range records {
			fmt.Printf("%-36s %-20s %-12s %s\n", rec.ID, rec.Image, rec.Status, rec.Name)
		}
		return nil
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs BOX",
	Short: "Print a box's captured console output",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()
		rec, err := a.boxes.Resolve(args[0])
		if err != nil {
			return err
		}
		f, err := os.Open(rec.BoxDir + "/console.log")
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return a3serr.Wrap(a3serr.KindIO, err, "failed to open console log")
		}
		defer f.Close()
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			fmt.Println(scanner.Text())
		}
		return nil
	},
}

var inspectCmd = &cobra.Command{
	Use:   "inspect BOX",
	Short: "Print a box's state record as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()
		rec, err := a.boxes.Resolve(args[0])
		if err != nil {
			return err
		}
		return printJSON(rec)
	},
}

var portCmd = &cobra.Command{
	Use:   "port BOX",
	Short: "Print a box's published ports",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()
		rec, err := a.boxes.Resolve(args[0])
		if err != nil {
			return err
		}
		for host, guest := range rec.PortMaps {
			fmt.Printf("%s -> %s\n", host, guest)
		}
		return nil
	},
}

// execCmd is left unimplemented (spec.md §9's open question on guest
// command execution): a3serr.ErrNotImplemented propagates to exit 1.
var execCmd = &cobra.Command{
	Use:   "exec BOX COMMAND...",
	Short: "Execute a command inside a running box (not implemented)",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return a3serr.ErrNotImplemented
	},
}
