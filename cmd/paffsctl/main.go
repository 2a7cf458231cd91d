// Command paffsctl is a smoke-test CLI for the simulated PAFFS device: it
// formats an in-memory simulator, mounts it, populates a small demo tree,
// and drives one requested operation against it. There is no on-host image
// file (the simulator's flash and MRAM arrays live only for the process's
// lifetime), so every subcommand formats its own device before acting, and
// every subcommand except format also populates the demo tree — this tool
// demonstrates the core, it does not persist a volume.
// Grounded on cmd/sqfs/main.go's subcommand dispatch, rebuilt on
// github.com/spf13/cobra the way gcsfuse/cmd/root.go wires its root command.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Cirromulus/paffs-go/internal/config"
	"github.com/Cirromulus/paffs-go/internal/device"
	"github.com/Cirromulus/paffs-go/internal/driver"
	"github.com/Cirromulus/paffs-go/internal/inode"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "paffsctl",
		Short: "Drive a simulated PAFFS device",
		Long: `paffsctl exercises the PAFFS core against an in-memory flash
simulator. Every subcommand formats and mounts a fresh device; all but format
then populate it with a small demo directory tree before performing the
requested operation.`,
	}
	root.AddCommand(formatCmd(), mountSimCmd(), lsCmd(), catCmd(), fsckCmd())
	return root
}

// newDemoDevice builds a freshly-formatted, mounted device over a simulator
// sized by config.Default().
func newDemoDevice() (*device.Device, error) {
	params := config.Default()
	d := config.Derive(params)
	sim := driver.NewSimulator(d)
	dev := device.New(params, sim)
	if err := dev.Format(); err != nil {
		return nil, fmt.Errorf("format: %w", err)
	}
	return dev, nil
}

// populateDemoTree lays out a small directory structure so ls/cat/fsck have
// something to show: /hello.txt, /docs/readme.txt, /docs/empty-dir.
func populateDemoTree(dev *device.Device) error {
	if err := dev.MkDir("/docs", inode.PermRead|inode.PermWrite|inode.PermExec); err != nil {
		return err
	}
	if err := dev.MkDir("/docs/empty-dir", inode.PermRead|inode.PermWrite|inode.PermExec); err != nil {
		return err
	}
	if err := writeFile(dev, "/hello.txt", []byte("hello from paffs\n")); err != nil {
		return err
	}
	if err := writeFile(dev, "/docs/readme.txt", []byte("this is a demo filesystem\n")); err != nil {
		return err
	}
	return nil
}

func writeFile(dev *device.Device, path string, content []byte) error {
	f, err := dev.Open(path, device.FR|device.FW|device.FC)
	if err != nil {
		return err
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func formatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "format",
		Short: "Format a fresh simulated device and report its layout",
		RunE: func(cmd *cobra.Command, args []string) error {
			dev, err := newDemoDevice()
			if err != nil {
				return err
			}
			info, err := dev.GetObjInfo("/")
			if err != nil {
				return err
			}
			fmt.Printf("formatted ok, root inode %d type %v\n", info.No, info.Type)
			return dev.Unmount()
		},
	}
}

func mountSimCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mount-sim",
		Short: "Format, populate, unmount and remount a simulated device",
		RunE: func(cmd *cobra.Command, args []string) error {
			dev, err := newDemoDevice()
			if err != nil {
				return err
			}
			if err := populateDemoTree(dev); err != nil {
				return err
			}
			if err := dev.Unmount(); err != nil {
				return fmt.Errorf("unmount: %w", err)
			}
			if err := dev.Mount(); err != nil {
				return fmt.Errorf("remount: %w", err)
			}
			info, err := dev.GetObjInfo("/hello.txt")
			if err != nil {
				return fmt.Errorf("hello.txt missing after remount: %w", err)
			}
			fmt.Printf("remounted ok, /hello.txt size=%d\n", info.Size)
			return dev.Unmount()
		},
	}
}

func lsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls [path]",
		Short: "List a directory in the demo tree",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/"
			if len(args) == 1 {
				path = args[0]
			}
			dev, err := newDemoDevice()
			if err != nil {
				return err
			}
			defer dev.Unmount()
			if err := populateDemoTree(dev); err != nil {
				return err
			}
			dir, err := dev.OpenDir(path)
			if err != nil {
				return err
			}
			defer dir.Close()
			for {
				e, ok := dir.ReadDir()
				if !ok {
					break
				}
				fmt.Println(e.Name)
			}
			return nil
		},
	}
}

func catCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cat <path>",
		Short: "Print a file's contents from the demo tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dev, err := newDemoDevice()
			if err != nil {
				return err
			}
			defer dev.Unmount()
			if err := populateDemoTree(dev); err != nil {
				return err
			}
			f, err := dev.Open(args[0], device.FR)
			if err != nil {
				return err
			}
			defer f.Close()
			info, err := dev.GetObjInfo(args[0])
			if err != nil {
				return err
			}
			data, err := f.Read(info.Size)
			if err != nil {
				return err
			}
			os.Stdout.Write(data)
			return nil
		},
	}
}

func fsckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fsck",
		Short: "Format, populate, and report basic consistency of the demo tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			dev, err := newDemoDevice()
			if err != nil {
				return err
			}
			defer dev.Unmount()
			if err := populateDemoTree(dev); err != nil {
				return err
			}
			for _, p := range []string{"/hello.txt", "/docs/readme.txt", "/docs/empty-dir"} {
				info, err := dev.GetObjInfo(p)
				if err != nil {
					return fmt.Errorf("%s: %w", p, err)
				}
				fmt.Printf("ok  %-20s inode=%d type=%v size=%d\n", p, info.No, info.Type, info.Size)
			}
			fmt.Println("fsck: no inconsistencies found")
			return nil
		},
	}
}
